package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/ashureev/halfduplex/internal/backoff"
	"github.com/ashureev/halfduplex/internal/domain"
	"github.com/ashureev/halfduplex/internal/strategy"
	"github.com/ashureev/halfduplex/internal/telemetry"
)

// ErrObsoleted is returned when an ExecuteTurnFunc is invoked a second time.
var ErrObsoleted = errors.New("this executeTurn function is obsoleted, use the one returned by the latest turn")

// handledAtObsoleted tags ErrObsoleted reports.
const handledAtObsoleted = "halfduplex.executeTurn"

// Init configures NewTurnGenerator.
type Init struct {
	// EmitStartConversationEvent defaults to true when nil.
	EmitStartConversationEvent *bool
	Locale                     string
	Retry                      *backoff.Policy
	Telemetry                  telemetry.Telemetry
	// Options are applied after Retry and Telemetry.
	Options []Option
}

// ExecuteTurnFunc sends one user activity. Each function may be called once;
// the generator it returns hands out the next one.
type ExecuteTurnFunc func(ctx context.Context, activity domain.Activity) (*TurnGenerator, error)

// TurnGenerator yields the activities of one turn. It is not safe for
// concurrent use.
type TurnGenerator struct {
	engine *Engine

	next func() (domain.Activity, error, bool)
	stop func()

	done   bool
	err    error
	handle ExecuteTurnFunc
}

// NewTurnGenerator creates an engine for s and starts a conversation. No
// request is sent until the generator is first pulled.
func NewTurnGenerator(ctx context.Context, s strategy.Strategy, init Init) *TurnGenerator {
	opts := make([]Option, 0, len(init.Options)+2)
	if init.Retry != nil {
		opts = append(opts, WithRetryPolicy(*init.Retry))
	}
	if init.Telemetry != nil {
		opts = append(opts, WithTelemetry(init.Telemetry))
	}
	opts = append(opts, init.Options...)

	emit := true
	if init.EmitStartConversationEvent != nil {
		emit = *init.EmitStartConversationEvent
	}

	eng := New(s, opts...)
	seq, err := eng.StartNewConversation(ctx, StartOptions{
		EmitStartConversationEvent: emit,
		Locale:                     init.Locale,
	})
	if err != nil {
		return failedGenerator(eng, err)
	}
	return newTurnGenerator(eng, seq)
}

func newTurnGenerator(eng *Engine, seq iter.Seq2[domain.Activity, error]) *TurnGenerator {
	next, stop := iter.Pull2(seq)
	return &TurnGenerator{engine: eng, next: next, stop: stop}
}

func failedGenerator(eng *Engine, err error) *TurnGenerator {
	return &TurnGenerator{
		engine: eng,
		next:   func() (domain.Activity, error, bool) { return nil, err, true },
		stop:   func() {},
	}
}

// Next returns the next activity. ok is false once the turn is over; err is
// set when the turn failed and is returned only once.
func (g *TurnGenerator) Next() (activity domain.Activity, ok bool, err error) {
	if g.done {
		return nil, false, nil
	}
	act, err, more := g.next()
	if !more {
		g.finish(nil)
		return nil, false, nil
	}
	if err != nil {
		g.finish(err)
		return nil, false, err
	}
	return act, true, nil
}

// All ranges over the remaining activities. Breaking out stops the turn.
func (g *TurnGenerator) All() iter.Seq2[domain.Activity, error] {
	return func(yield func(domain.Activity, error) bool) {
		for {
			act, ok, err := g.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(act, nil) {
				g.Stop()
				return
			}
		}
	}
}

// Stop abandons the rest of the turn and releases the engine.
func (g *TurnGenerator) Stop() {
	if !g.done {
		g.finish(nil)
	}
}

// Done reports whether the turn is over.
func (g *TurnGenerator) Done() bool { return g.done }

// Err returns the error that ended the turn, if any.
func (g *TurnGenerator) Err() error { return g.err }

// ConversationID returns the conversation id once assigned.
func (g *TurnGenerator) ConversationID() domain.ConversationID {
	return g.engine.ConversationID()
}

func (g *TurnGenerator) finish(err error) {
	g.done = true
	g.err = err
	g.stop()
}

// ExecuteTurn returns the function for the next turn. It is available once
// this generator is done and the conversation has been assigned an id. The
// same function is returned on every call.
func (g *TurnGenerator) ExecuteTurn() (ExecuteTurnFunc, error) {
	if !g.done {
		return nil, ErrOperationInProgress
	}
	if g.engine.ConversationID().IsZero() {
		if g.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotStarted, g.err)
		}
		return nil, ErrNotStarted
	}
	if g.handle == nil {
		g.handle = newExecuteTurn(g.engine)
	}
	return g.handle, nil
}

func newExecuteTurn(eng *Engine) ExecuteTurnFunc {
	token := make(chan struct{}, 1)
	token <- struct{}{}

	return func(ctx context.Context, activity domain.Activity) (*TurnGenerator, error) {
		select {
		case <-token:
		default:
			eng.telemetry.TrackException(ErrObsoleted, map[string]any{"handledAt": handledAtObsoleted})
			return nil, ErrObsoleted
		}

		seq, err := eng.ExecuteTurn(ctx, activity)
		if err != nil {
			token <- struct{}{}
			return nil, err
		}
		return newTurnGenerator(eng, seq), nil
	}
}
