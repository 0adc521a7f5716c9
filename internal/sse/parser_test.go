package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r io.Reader, opts ...Option) ([]Event, error) {
	t.Helper()
	var events []Event
	for ev, err := range Parse(r, opts...) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestParseActivityThenEnd(t *testing.T) {
	body := "event: activity\ndata: {\"type\":\"message\",\"text\":\"Hello, World!\"}\n\nevent: end\ndata: end\n\n"

	events, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Name: EventActivity, Data: `{"type":"message","text":"Hello, World!"}`}, events[0])
	assert.Equal(t, EventEnd, events[1].Name)
}

func TestParseStopsAfterEnd(t *testing.T) {
	body := "event: end\ndata: end\n\nevent: activity\ndata: {}\n\n"

	events, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventEnd, events[0].Name)
}

func TestParseHandlesCRLFCommentsAndMultilineData(t *testing.T) {
	body := ": keepalive\r\nid: 7\r\nevent: activity\r\ndata: line1\r\ndata: line2\r\nretry: 100\r\n\r\n"

	events, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Event{Name: EventActivity, Data: "line1\nline2", ID: "7"}, events[0])
}

func TestParseSkipsMalformedBlocks(t *testing.T) {
	body := "data: orphan\n\nevent: nodata\n\n: only a comment\n\nevent: activity\ndata: {}\n\n"

	events, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventActivity, events[0].Name)
}

func TestParseStrictRejectsMalformedBlocks(t *testing.T) {
	body := "data: orphan\n\nevent: activity\ndata: {}\n\n"

	events, err := collect(t, strings.NewReader(body), Strict())
	require.ErrorIs(t, err, ErrMalformedEvent)
	assert.Empty(t, events)
}

func TestParseDiscardsUnterminatedTrailingBlock(t *testing.T) {
	body := "event: activity\ndata: {}\n\nevent: activity\ndata: {\"partial"

	events, err := collect(t, strings.NewReader(body))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestParseIncrementalDelivery(t *testing.T) {
	body := "event: activity\ndata: {\"text\":\"a\"}\n\nevent: activity\ndata: {\"text\":\"b\"}\n\nevent: end\ndata: end\n\n"

	events, err := collect(t, iotest.OneByteReader(strings.NewReader(body)))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, `{"text":"b"}`, events[1].Data)
}

func TestParseSurfacesReadErrors(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("event: activity\ndata: {}\n\n"), iotest.ErrReader(boom))

	events, err := collect(t, r)
	require.ErrorIs(t, err, boom)
	assert.Len(t, events, 1)
}

func TestParseIsRestartable(t *testing.T) {
	body := "event: activity\ndata: {}\n\nevent: end\ndata: end\n\n"
	for range 2 {
		events, err := collect(t, strings.NewReader(body))
		require.NoError(t, err)
		assert.Len(t, events, 2)
	}
}

func TestParseEarlyBreak(t *testing.T) {
	body := "event: activity\ndata: 1\n\nevent: activity\ndata: 2\n\n"
	count := 0
	for range Parse(strings.NewReader(body)) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}
