// Package strategy resolves where and how each protocol call is sent.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Transport selects the response encodings a call is willing to accept.
type Transport string

const (
	// TransportAuto accepts a server-sent event stream and falls back to JSON.
	TransportAuto Transport = "auto"
	// TransportREST accepts buffered JSON only.
	TransportREST Transport = "rest"
)

// ErrInvalidTransport is returned for unknown transport names.
var ErrInvalidTransport = errors.New("invalid transport")

// ParseTransport converts a configuration value into a Transport.
// An empty value selects TransportAuto.
func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case "", TransportAuto:
		return TransportAuto, nil
	case TransportREST:
		return TransportREST, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransport, s)
	}
}

// RequestInit describes one outgoing call.
type RequestInit struct {
	// BaseURL is extended with /conversations[/{id}[/continue]]. Its query
	// string is kept; its fragment is dropped.
	BaseURL *url.URL
	// Headers are merged into the request after the protocol headers.
	Headers http.Header
	// Body fields are merged into the JSON request body.
	Body map[string]any
	// Transport defaults to TransportAuto when empty.
	Transport Transport
}

// Strategy supplies a RequestInit per call. It is consulted for every call,
// including retries of the same logical call, so tokens may rotate.
type Strategy interface {
	PrepareStartNewConversation(ctx context.Context) (RequestInit, error)
	PrepareExecuteTurn(ctx context.Context) (RequestInit, error)
}

// ContinueTurnPreparer is implemented by strategies that treat continuation
// calls differently from turn execution.
type ContinueTurnPreparer interface {
	PrepareContinueTurn(ctx context.Context) (RequestInit, error)
}

// PrepareContinueTurn uses s.PrepareContinueTurn when available and falls
// back to PrepareExecuteTurn.
func PrepareContinueTurn(ctx context.Context, s Strategy) (RequestInit, error) {
	if c, ok := s.(ContinueTurnPreparer); ok {
		return c.PrepareContinueTurn(ctx)
	}
	return s.PrepareExecuteTurn(ctx)
}

// Static returns the same RequestInit for every call.
type Static RequestInit

// PrepareStartNewConversation returns the static init.
func (s Static) PrepareStartNewConversation(context.Context) (RequestInit, error) {
	return RequestInit(s), nil
}

// PrepareExecuteTurn returns the static init.
func (s Static) PrepareExecuteTurn(context.Context) (RequestInit, error) {
	return RequestInit(s), nil
}
