// Package engine drives the turn protocol: it starts a conversation, executes
// turns and follows continuation signals, exposing inbound activities as lazy
// sequences.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/halfduplex/internal/backoff"
	"github.com/ashureev/halfduplex/internal/domain"
	"github.com/ashureev/halfduplex/internal/metrics"
	"github.com/ashureev/halfduplex/internal/strategy"
	"github.com/ashureev/halfduplex/internal/telemetry"
	"github.com/ashureev/halfduplex/internal/transport"
)

var (
	// ErrOperationInProgress is returned while a previous sequence is still
	// outstanding on the same engine.
	ErrOperationInProgress = errors.New("another operation is in progress")
	// ErrAlreadyStarted is returned by a second StartNewConversation call.
	ErrAlreadyStarted = errors.New("conversation can only be started once")
	// ErrNotStarted is returned by ExecuteTurn before a conversation exists.
	ErrNotStarted = errors.New("conversation has not been started")
	// ErrSequenceConsumed is yielded when a sequence is iterated twice.
	ErrSequenceConsumed = errors.New("sequence already consumed")
)

// handledAtRun tags failures found while reading an accepted response.
const handledAtRun = "engine.run"

// StartOptions are sent with the start call only.
type StartOptions struct {
	EmitStartConversationEvent bool
	Locale                     string
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	policy         backoff.Policy
	telemetry      telemetry.Telemetry
	client         *http.Client
	logger         *slog.Logger
	metrics        metrics.Recorder
	requestTimeout time.Duration
	retryOptions   []backoff.Option
}

// WithRetryPolicy sets the backoff policy for every call.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithTelemetry sets the correlation id source and exception sink.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = telemetry.OrNop(t) }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithRequestTimeout bounds each attempt until its response is accepted.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithRetryOptions passes options through to the backoff controller.
func WithRetryOptions(opts ...backoff.Option) Option {
	return func(o *options) { o.retryOptions = append(o.retryOptions, opts...) }
}

// Engine is a single conversation with the bot service. It spawns no
// goroutines; work happens while the returned sequences are pulled.
type Engine struct {
	negotiator *transport.Negotiator
	telemetry  telemetry.Telemetry
	logger     *slog.Logger

	busy atomic.Bool

	mu             sync.Mutex
	started        bool
	conversationID domain.ConversationID
}

// New creates an Engine for s.
func New(s strategy.Strategy, opts ...Option) *Engine {
	o := options{
		policy:    backoff.DefaultPolicy(),
		telemetry: telemetry.Nop{},
		logger:    slog.Default(),
		metrics:   metrics.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	executor := transport.NewExecutor(
		transport.WithHTTPClient(o.client),
		transport.WithPolicy(o.policy),
		transport.WithTelemetry(o.telemetry),
		transport.WithMetrics(o.metrics),
		transport.WithLogger(o.logger),
		transport.WithRequestTimeout(o.requestTimeout),
		transport.WithRetryOptions(o.retryOptions...),
	)

	return &Engine{
		negotiator: transport.NewNegotiator(s, executor),
		telemetry:  o.telemetry,
		logger:     o.logger,
	}
}

// ConversationID returns the id assigned by the service, or "".
func (e *Engine) ConversationID() domain.ConversationID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// StartNewConversation opens the conversation. The returned sequence yields
// the greeting activities and follows continuation signals until the service
// is waiting for the user.
//
// The engine stays busy until the sequence finishes, fails, or the consumer
// stops ranging over it.
func (e *Engine) StartNewConversation(ctx context.Context, opts StartOptions) (iter.Seq2[domain.Activity, error], error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrOperationInProgress
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		e.busy.Store(false)
		return nil, ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	body := map[string]any{"emitStartConversationEvent": opts.EmitStartConversationEvent}
	if opts.Locale != "" {
		body["locale"] = opts.Locale
	}

	return e.sequence(ctx, transport.Call{Kind: transport.KindStartConversation, Body: body}), nil
}

// ExecuteTurn sends activity and yields the bot's replies for that turn.
func (e *Engine) ExecuteTurn(ctx context.Context, activity domain.Activity) (iter.Seq2[domain.Activity, error], error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrOperationInProgress
	}

	id := e.ConversationID()
	if id.IsZero() {
		e.busy.Store(false)
		return nil, ErrNotStarted
	}
	if err := activity.Validate(); err != nil {
		e.busy.Store(false)
		return nil, err
	}

	return e.sequence(ctx, transport.Call{
		Kind:           transport.KindExecuteTurn,
		ConversationID: id,
		Body:           map[string]any{"activity": activity},
	}), nil
}

func (e *Engine) sequence(ctx context.Context, first transport.Call) iter.Seq2[domain.Activity, error] {
	var consumed atomic.Bool
	return func(yield func(domain.Activity, error) bool) {
		if consumed.Swap(true) {
			yield(nil, ErrSequenceConsumed)
			return
		}
		defer e.busy.Store(false)

		if err := e.run(ctx, first, yield); err != nil {
			yield(nil, err)
		}
	}
}

// run issues first and any continuation calls. A non-nil error has not been
// yielded yet; a nil error with an early return means the consumer stopped.
func (e *Engine) run(ctx context.Context, call transport.Call, yield func(domain.Activity, error) bool) error {
	for {
		result, err := e.negotiator.Call(ctx, call)
		if err != nil {
			return err
		}

		// Failures past this point happen after the executor has accepted the
		// response, so they are reported here.
		if call.Kind == transport.KindStartConversation {
			if err := e.assignConversationID(result.ConversationID()); err != nil {
				_ = result.Close()
				return e.report(ctx, call.Kind, err)
			}
		}

		for activity, err := range result.Activities() {
			if err != nil {
				return e.report(ctx, call.Kind, err)
			}
			if !yield(activity, nil) {
				return nil
			}
		}

		switch result.Action() {
		case domain.TurnActionContinue:
			e.logger.Debug("continuing turn", "kind", call.Kind, "conversation_id", e.ConversationID())
			call = transport.Call{Kind: transport.KindContinueTurn, ConversationID: e.ConversationID()}
		case domain.TurnActionWaiting:
			return nil
		default:
			return e.report(ctx, call.Kind, fmt.Errorf("%w: %q", domain.ErrUnknownTurnAction, result.Action()))
		}
	}
}

// report tracks a protocol failure once and returns it. Cancellation is not
// reported.
func (e *Engine) report(ctx context.Context, kind transport.Kind, err error) error {
	if backoff.Classify(ctx, err) == backoff.ClassCanceled {
		return err
	}
	e.telemetry.TrackException(err, map[string]any{
		"handledAt": handledAtRun,
		"kind":      string(kind),
	})
	return err
}

func (e *Engine) assignConversationID(id domain.ConversationID) error {
	if id.IsZero() {
		return transport.ErrMissingConversationID
	}

	e.mu.Lock()
	e.conversationID = id
	e.mu.Unlock()

	e.logger.Info("conversation started", "conversation_id", id)
	return nil
}
