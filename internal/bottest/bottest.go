// Package bottest provides a scripted bot service for tests.
package bottest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/halfduplex/internal/strategy"
)

// Request is one recorded call.
type Request struct {
	Path   string
	Query  url.Values
	Header http.Header
	Body   map[string]any
}

// Server answers calls with queued handlers in arrival order. Unqueued calls
// get 501 Not Implemented.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	requests []Request
	handlers []http.HandlerFunc
	calls    atomic.Int32
}

// New starts a Server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{}

	r := chi.NewRouter()
	r.Post("/conversations", s.serve)
	r.Post("/conversations/{conversationID}", s.serve)
	r.Post("/conversations/{conversationID}/continue", s.serve)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Enqueue appends handlers for upcoming calls.
func (s *Server) Enqueue(handlers ...http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handlers...)
}

// Requests returns the calls received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns the number of calls received so far.
func (s *Server) Calls() int {
	return int(s.calls.Load())
}

// Strategy returns a static strategy pointing at the server. query is
// appended to the base URL, and a fragment is added to check it is dropped.
func (s *Server) Strategy(transport strategy.Transport, query string) strategy.Static {
	raw := s.URL + "/"
	if query != "" {
		raw += "?" + query
	}
	base, err := url.Parse(raw + "#fragment")
	if err != nil {
		panic(err)
	}
	headers := http.Header{}
	headers.Set("x-dummy", "dummy")
	return strategy.Static{
		BaseURL:   base,
		Headers:   headers,
		Body:      map[string]any{"dummy": "dummy"},
		Transport: transport,
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	n := int(s.calls.Add(1)) - 1

	var body map[string]any
	data, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(data, &body)

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	var handler http.HandlerFunc
	if n < len(s.handlers) {
		handler = s.handlers[n]
	}
	s.mu.Unlock()

	if handler == nil {
		http.Error(w, "not mocked", http.StatusNotImplemented)
		return
	}
	handler(w, r)
}

// ActivityEvent formats one "activity" event.
func ActivityEvent(activityJSON string) string {
	return fmt.Sprintf("event: activity\ndata: %s\n\n", activityJSON)
}

// EndEvent is the terminating event of a stream.
const EndEvent = "event: end\ndata: end\n\n"

// Stream responds with an event stream made of events.
func Stream(conversationID string, events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if conversationID != "" {
			w.Header().Set("x-ms-conversationid", conversationID)
		}
		_, _ = io.WriteString(w, strings.Join(events, ""))
	}
}

// JSON responds with v encoded as application/json.
func JSON(conversationIDHeader string, v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if conversationIDHeader != "" {
			w.Header().Set("x-ms-conversationid", conversationIDHeader)
		}
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Status responds with code and optional header pairs.
func Status(code int, headerPairs ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		for i := 0; i+1 < len(headerPairs); i += 2 {
			w.Header().Set(headerPairs[i], headerPairs[i+1])
		}
		w.WriteHeader(code)
	}
}

// Telemetry records exceptions and serves a settable correlation id.
type Telemetry struct {
	mu          sync.Mutex
	correlation string
	errs        []error
	props       []map[string]any
}

// SetCorrelationID changes the id returned for subsequent calls.
func (t *Telemetry) SetCorrelationID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.correlation = id
}

// CorrelationID implements telemetry.Telemetry.
func (t *Telemetry) CorrelationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.correlation
}

// TrackException implements telemetry.Telemetry.
func (t *Telemetry) TrackException(err error, props map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
	t.props = append(t.props, props)
}

// Exceptions returns the recorded errors and their properties.
func (t *Telemetry) Exceptions() ([]error, []map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.errs...), append([]map[string]any(nil), t.props...)
}
