// Package bridge adapts a half-duplex turn generator into a push-style
// connection that echoes outgoing activities back once the bot has
// acknowledged them.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/halfduplex/internal/domain"
	"github.com/ashureev/halfduplex/internal/engine"
)

// ConnectionStatus mirrors the DirectLine connection status values.
type ConnectionStatus int

const (
	StatusUninitialized   ConnectionStatus = 0
	StatusConnecting      ConnectionStatus = 1
	StatusOnline          ConnectionStatus = 2
	StatusFailedToConnect ConnectionStatus = 4
	StatusEnded           ConnectionStatus = 5
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	case StatusFailedToConnect:
		return "failed_to_connect"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// SequenceIDKey is the channelData key carrying the delivery counter.
const SequenceIDKey = "webchat:sequence-id"

// ErrClosed is returned by PostActivity once the connection has stopped.
var ErrClosed = errors.New("connection closed")

const (
	defaultActivityBuffer = 16
	statusBuffer          = 8
)

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the timestamp source for patched activities.
func WithClock(now func() time.Time) Option {
	return func(c *Conn) { c.now = now }
}

// WithIDGenerator sets the generator for echoed activity ids.
func WithIDGenerator(newID func() string) Option {
	return func(c *Conn) { c.newID = newID }
}

// WithActivityBuffer sets the capacity of the Activities channel.
func WithActivityBuffer(n int) Option {
	return func(c *Conn) {
		if n >= 0 {
			c.activityBuffer = n
		}
	}
}

type post struct {
	activity domain.Activity
	result   chan postResult
}

type postResult struct {
	id  string
	err error
}

// Conn is a push-style connection over one conversation.
type Conn struct {
	activities chan domain.Activity
	status     chan ConnectionStatus
	posts      chan post

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	logger         *slog.Logger
	now            func() time.Time
	newID          func() string
	activityBuffer int

	nextSequenceID int

	mu             sync.Mutex
	err            error
	conversationID domain.ConversationID
}

// Connect starts driving gen on a new goroutine. The connection runs until
// ctx is canceled, Close is called, or the conversation fails.
func Connect(ctx context.Context, gen *engine.TurnGenerator, opts ...Option) *Conn {
	c := &Conn{
		posts:          make(chan post),
		done:           make(chan struct{}),
		logger:         slog.Default(),
		now:            time.Now,
		newID:          uuid.NewString,
		activityBuffer: defaultActivityBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.activities = make(chan domain.Activity, c.activityBuffer)
	c.status = make(chan ConnectionStatus, statusBuffer)
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.run(gen)
	return c
}

// Activities delivers inbound activities and echoed outgoing activities. It
// is closed when the connection stops.
func (c *Conn) Activities() <-chan domain.Activity { return c.activities }

// Status delivers connection status changes. It is closed when the
// connection stops.
func (c *Conn) Status() <-chan ConnectionStatus { return c.status }

// Done is closed when the connection has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the failure that stopped the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ConversationID returns the id assigned by the bot, or "" before the
// conversation has started.
func (c *Conn) ConversationID() domain.ConversationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Conn) trackConversation(gen *engine.TurnGenerator) {
	id := gen.ConversationID()
	if id.IsZero() {
		return
	}
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
}

// Close stops the connection and waits for its goroutine to exit.
func (c *Conn) Close() {
	c.cancel()
	<-c.done
}

// PostActivity sends activity as the next user turn. It blocks until the bot
// acknowledges the activity and returns the id assigned to the echo.
func (c *Conn) PostActivity(ctx context.Context, activity domain.Activity) (string, error) {
	p := post{activity: activity, result: make(chan postResult, 1)}

	select {
	case c.posts <- p:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	}

	select {
	case r := <-p.result:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		select {
		case r := <-p.result:
			return r.id, r.err
		default:
			return "", ErrClosed
		}
	}
}

func (c *Conn) run(gen *engine.TurnGenerator) {
	defer close(c.done)
	defer close(c.activities)
	defer close(c.status)

	c.setStatus(StatusUninitialized)
	c.setStatus(StatusConnecting)

	var pending *post
	acknowledge := once(func() { c.setStatus(StatusOnline) })

	fail := func(err error) {
		defer gen.Stop()
		if pending != nil {
			pending.result <- postResult{err: err}
			pending = nil
		}
		if c.ctx.Err() != nil {
			c.setStatus(StatusEnded)
			return
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.logger.Error("failed to communicate with the bot", "error", err, "conversation_id", gen.ConversationID())
		c.setStatus(StatusFailedToConnect)
	}

	for {
		for {
			activity, ok, err := gen.Next()
			if err != nil {
				fail(err)
				return
			}
			if !ok {
				break
			}
			c.trackConversation(gen)
			acknowledge()
			if !c.emit(c.patch(activity)) {
				fail(c.ctx.Err())
				return
			}
		}
		// a turn without inbound activities still acknowledges the post
		c.trackConversation(gen)
		acknowledge()

		executeTurn, err := gen.ExecuteTurn()
		if err != nil {
			fail(err)
			return
		}

		var p post
		select {
		case p = <-c.posts:
		case <-c.ctx.Done():
			c.setStatus(StatusEnded)
			return
		}

		next, err := executeTurn(c.ctx, p.activity)
		if err != nil {
			p.result <- postResult{err: err}
			fail(err)
			return
		}
		gen = next
		pending = &p

		outgoing := p.activity
		acknowledge = once(func() {
			id := c.newID()
			echo := outgoing.Clone()
			echo["id"] = id
			if c.emit(c.patch(echo)) {
				pending.result <- postResult{id: id}
				pending = nil
			}
		})
	}
}

func (c *Conn) emit(activity domain.Activity) bool {
	select {
	case c.activities <- activity:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) setStatus(s ConnectionStatus) {
	select {
	case c.status <- s:
	default:
		c.logger.Warn("dropping connection status", "status", s)
	}
}

// patch prepares an activity for delivery: replyToId is removed, a sequence
// id is added to channelData and the timestamp is set.
func (c *Conn) patch(activity domain.Activity) domain.Activity {
	out := activity.Clone()
	delete(out, "replyToId")

	channelData := map[string]any{}
	if existing, ok := activity["channelData"].(map[string]any); ok {
		for k, v := range existing {
			channelData[k] = v
		}
	}
	channelData[SequenceIDKey] = c.nextSequenceID
	c.nextSequenceID++
	out["channelData"] = channelData

	out["timestamp"] = c.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	return out
}

func once(fn func()) func() {
	called := false
	return func() {
		if !called {
			called = true
			fn()
		}
	}
}
