// Package sse decodes text/event-stream bodies into named events.
package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// Event names used by the bot service.
const (
	EventActivity = "activity"
	EventEnd      = "end"
)

// defaultMaxLineSize bounds a single line; activities carrying adaptive cards can be large.
const defaultMaxLineSize = 4 << 20

// ErrMalformedEvent is yielded in strict mode for blocks missing an event or data line.
var ErrMalformedEvent = errors.New("malformed server-sent event")

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	Data string
	ID   string
}

// Option configures Parse.
type Option func(*parser)

// Strict makes malformed blocks terminate the sequence with ErrMalformedEvent
// instead of being skipped.
func Strict() Option {
	return func(p *parser) { p.strict = true }
}

// WithMaxLineSize overrides the longest accepted line in bytes.
func WithMaxLineSize(n int) Option {
	return func(p *parser) {
		if n > 0 {
			p.maxLine = n
		}
	}
}

type parser struct {
	strict  bool
	maxLine int
}

type block struct {
	name    string
	data    []string
	id      string
	hasName bool
	hasData bool
	fields  int
}

func (b *block) reset() { *b = block{} }

// Parse lazily decodes r. The sequence ends when r is exhausted or right after
// an "end" event is yielded. A trailing block without its blank-line
// terminator is discarded. Each call starts from a clean state.
func Parse(r io.Reader, opts ...Option) iter.Seq2[Event, error] {
	p := &parser{maxLine: defaultMaxLineSize}
	for _, opt := range opts {
		opt(p)
	}

	return func(yield func(Event, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), p.maxLine)

		var cur block
		first := true
		for scanner.Scan() {
			line := scanner.Text()
			if first {
				line = strings.TrimPrefix(line, "\uFEFF")
				first = false
			}
			line = strings.TrimSuffix(line, "\r")

			if line != "" {
				cur.add(line)
				continue
			}

			if cur.fields == 0 {
				continue
			}
			if !cur.hasName || !cur.hasData {
				if p.strict {
					yield(Event{}, fmt.Errorf("%w: event=%t data=%t", ErrMalformedEvent, cur.hasName, cur.hasData))
					return
				}
				cur.reset()
				continue
			}

			ev := Event{Name: cur.name, Data: strings.Join(cur.data, "\n"), ID: cur.id}
			cur.reset()
			if !yield(ev, nil) {
				return
			}
			if ev.Name == EventEnd {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield(Event{}, fmt.Errorf("read event stream: %w", err))
		}
	}
}

func (b *block) add(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "event":
		b.name = value
		b.hasName = true
	case "data":
		b.data = append(b.data, value)
		b.hasData = true
	case "id":
		b.id = value
	default:
		// retry and unknown fields carry no meaning for this protocol.
		return
	}
	b.fields++
}
