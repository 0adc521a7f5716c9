package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"sync"

	"github.com/ashureev/halfduplex/internal/backoff"
	"github.com/ashureev/halfduplex/internal/domain"
	"github.com/ashureev/halfduplex/internal/metrics"
	"github.com/ashureev/halfduplex/internal/sse"
	"github.com/ashureev/halfduplex/internal/strategy"
)

// Kind names one of the three protocol calls.
type Kind string

const (
	KindStartConversation Kind = "startConversation"
	KindExecuteTurn       Kind = "executeTurn"
	KindContinueTurn      Kind = "continueTurn"
)

// Header names used by the protocol.
const (
	HeaderConversationID = "x-ms-conversationid"
	HeaderCorrelationID  = "x-ms-correlation-id"
)

// Accept header values per transport.
const (
	AcceptAuto = "text/event-stream,application/json;q=0.9"
	AcceptREST = "application/json"
)

// Response encodings as reported by Result.Encoding.
const (
	EncodingStream   = "sse"
	EncodingBuffered = "rest"
)

var (
	// ErrUnsupportedContentType is returned for a 2xx response that is neither
	// an event stream nor JSON.
	ErrUnsupportedContentType = errors.New("unsupported response content type")
	// ErrInvalidBody is returned when a response payload cannot be decoded.
	ErrInvalidBody = errors.New("invalid response body")
	// ErrStreamTruncated is returned when an event stream ends without "end".
	ErrStreamTruncated = errors.New("event stream ended before end event")
	// ErrMissingConversationID is returned when the call requires a
	// conversation id and none was supplied.
	ErrMissingConversationID = errors.New("missing conversation id")
	// ErrResultConsumed is returned when a Result is iterated twice.
	ErrResultConsumed = errors.New("result activities already consumed")
)

// Call is one protocol request.
type Call struct {
	Kind           Kind
	ConversationID domain.ConversationID
	// Body fields are merged over the strategy body.
	Body map[string]any
}

// Negotiator resolves each call through a strategy and decodes the response
// according to its content type.
type Negotiator struct {
	strategy strategy.Strategy
	executor *Executor
	logger   *slog.Logger
}

// NewNegotiator creates a Negotiator. A nil executor uses NewExecutor().
func NewNegotiator(s strategy.Strategy, executor *Executor) *Negotiator {
	if executor == nil {
		executor = NewExecutor()
	}
	return &Negotiator{strategy: s, executor: executor, logger: executor.logger}
}

// Call sends c and returns a Result once a response has been accepted.
// Failed attempts are retried by the executor.
func (n *Negotiator) Call(ctx context.Context, c Call) (*Result, error) {
	if c.Kind != KindStartConversation && c.ConversationID.IsZero() {
		return nil, fmt.Errorf("%s: %w", c.Kind, ErrMissingConversationID)
	}

	return Do(ctx, n.executor, Exchange[*Result]{
		Kind: c.Kind,
		Build: func(ctx context.Context) (*http.Request, error) {
			return n.buildRequest(ctx, c)
		},
		Accept: func(resp *http.Response, cancel context.CancelFunc) (*Result, error) {
			return n.accept(c.Kind, resp, cancel)
		},
	})
}

func (n *Negotiator) prepare(ctx context.Context, kind Kind) (strategy.RequestInit, error) {
	switch kind {
	case KindStartConversation:
		return n.strategy.PrepareStartNewConversation(ctx)
	case KindContinueTurn:
		return strategy.PrepareContinueTurn(ctx, n.strategy)
	default:
		return n.strategy.PrepareExecuteTurn(ctx)
	}
}

func (n *Negotiator) buildRequest(ctx context.Context, c Call) (*http.Request, error) {
	init, err := n.prepare(ctx, c.Kind)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("prepare %s: %w", c.Kind, err))
	}
	if init.BaseURL == nil {
		return nil, backoff.Permanent(fmt.Errorf("prepare %s: base URL is required", c.Kind))
	}

	endpoint, err := EndpointURL(init.BaseURL, c.Kind, c.ConversationID)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	body := make(map[string]any, len(init.Body)+len(c.Body))
	maps.Copy(body, init.Body)
	maps.Copy(body, c.Body)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("encode %s body: %w", c.Kind, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", AcceptFor(init.Transport))
	if id := n.executor.telemetry.CorrelationID(); id != "" {
		req.Header.Set(HeaderCorrelationID, id)
	}
	for key, values := range init.Headers {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}

func (n *Negotiator) accept(kind Kind, resp *http.Response, cancel context.CancelFunc) (*Result, error) {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	headerID, err := conversationIDFromHeader(resp.Header)
	if err != nil {
		_ = resp.Body.Close()
		return nil, backoff.Permanent(err)
	}

	result := &Result{
		kind:           kind,
		conversationID: headerID,
		body:           resp.Body,
		cancel:         cancel,
		metrics:        n.executor.metrics,
		logger:         n.logger,
	}

	switch mediaType {
	case "text/event-stream":
		result.encoding = EncodingStream
		return result, nil

	case "application/json":
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", kind, err)
		}
		botResp, err := domain.DecodeBotResponse(data)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrInvalidBody, err))
		}
		result.encoding = EncodingBuffered
		result.buffered = botResp
		if !botResp.ConversationID.IsZero() {
			result.conversationID = botResp.ConversationID
		}
		return result, nil

	default:
		_ = resp.Body.Close()
		return nil, backoff.Permanent(fmt.Errorf("%w: %q", ErrUnsupportedContentType, resp.Header.Get("Content-Type")))
	}
}

func conversationIDFromHeader(h http.Header) (domain.ConversationID, error) {
	raw := h.Get(HeaderConversationID)
	if raw == "" {
		return "", nil
	}
	return domain.ParseConversationID(raw)
}

// AcceptFor returns the Accept header for t.
func AcceptFor(t strategy.Transport) string {
	if t == strategy.TransportREST {
		return AcceptREST
	}
	return AcceptAuto
}

// EndpointURL extends base with the path for kind. The query string of base
// is kept and its fragment is dropped.
func EndpointURL(base *url.URL, kind Kind, id domain.ConversationID) (*url.URL, error) {
	elems := []string{"conversations"}
	switch kind {
	case KindStartConversation:
	case KindExecuteTurn:
		elems = append(elems, id.String())
	case KindContinueTurn:
		elems = append(elems, id.String(), "continue")
	default:
		return nil, fmt.Errorf("unknown call kind %q", kind)
	}

	u := base.JoinPath(elems...)
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Result is an accepted response. Its activities are produced lazily and may
// be iterated once.
type Result struct {
	kind           Kind
	encoding       string
	conversationID domain.ConversationID

	body     io.ReadCloser
	buffered *domain.BotResponse
	cancel   context.CancelFunc

	metrics metrics.Recorder
	logger  *slog.Logger

	consumed  bool
	action    domain.TurnAction
	closeOnce sync.Once
}

// Encoding reports "sse" or "rest".
func (r *Result) Encoding() string { return r.encoding }

// ConversationID returns the id reported by the service, if any.
func (r *Result) ConversationID() domain.ConversationID { return r.conversationID }

// Action returns the continuation signal. It is empty until the activities
// have been fully drained without error.
func (r *Result) Action() domain.TurnAction { return r.action }

// Close releases the response. It is safe to call more than once.
func (r *Result) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.body != nil && r.buffered == nil {
			err = r.body.Close()
		}
		if r.cancel != nil {
			r.cancel()
		}
	})
	return err
}

// Activities yields each inbound activity in arrival order. An error is
// yielded at most once and ends the sequence.
func (r *Result) Activities() iter.Seq2[domain.Activity, error] {
	return func(yield func(domain.Activity, error) bool) {
		if r.consumed {
			yield(nil, ErrResultConsumed)
			return
		}
		r.consumed = true
		defer r.Close()

		delivered := 0
		defer func() { r.metrics.AddActivities(string(r.kind), r.encoding, delivered) }()

		if r.buffered != nil {
			for _, act := range r.buffered.Activities {
				delivered++
				if !yield(act, nil) {
					return
				}
			}
			r.action = r.buffered.Action
			return
		}

		for event, err := range sse.Parse(r.body) {
			if err != nil {
				yield(nil, fmt.Errorf("read %s stream: %w", r.kind, err))
				return
			}
			switch event.Name {
			case sse.EventActivity:
				act, err := domain.ParseActivity([]byte(event.Data))
				if err != nil {
					yield(nil, fmt.Errorf("%w: %w", ErrInvalidBody, err))
					return
				}
				delivered++
				if !yield(act, nil) {
					return
				}
			case sse.EventEnd:
				r.action = domain.TurnActionWaiting
				return
			default:
				r.logger.Debug("ignoring unknown event", "kind", r.kind, "event", event.Name)
			}
		}
		yield(nil, fmt.Errorf("%s: %w", r.kind, ErrStreamTruncated))
	}
}
