package relay

import (
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
)

type fakeCloser struct {
	mu     sync.Mutex
	code   websocket.StatusCode
	reason string
}

func (f *fakeCloser) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code = code
	f.reason = reason
	return nil
}

func TestSessionManagerRegister(t *testing.T) {
	sm := NewSessionManager()
	conn := &fakeCloser{}

	sm.Register("client", "s-1", conn)
	assert.Equal(t, 1, sm.Count("client"))

	sm.Unregister("client", "s-1", conn)
	assert.Equal(t, 0, sm.Count("client"))
}

func TestSessionManagerUnregisterStale(t *testing.T) {
	sm := NewSessionManager()
	conn1, conn2 := &fakeCloser{}, &fakeCloser{}

	sm.Register("client", "s-1", conn1)
	sm.Register("client", "s-2", conn2)

	// a stale conn under a reused id must not evict the live one
	sm.Unregister("client", "s-2", conn1)
	assert.Equal(t, 2, sm.Count("client"))

	sm.Unregister("client", "s-1", conn1)
	assert.Equal(t, 1, sm.Count("client"))
}

func TestSessionManagerCloseAll(t *testing.T) {
	sm := NewSessionManager()
	conns := []*fakeCloser{{}, {}, {}}
	for i, c := range conns {
		sm.Register("client-"+strconv.Itoa(i%2), "s-"+strconv.Itoa(i), c)
	}

	sm.CloseAll("server shutting down")

	for _, c := range conns {
		assert.Equal(t, websocket.StatusGoingAway, c.code)
		assert.Equal(t, "server shutting down", c.reason)
	}
	assert.Equal(t, 0, sm.Count("client-0"))
	assert.Equal(t, 0, sm.Count("client-1"))
}

func TestSessionManagerConcurrentAccess(t *testing.T) {
	sm := NewSessionManager()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			sm.Register("client", "s-"+strconv.Itoa(i), &fakeCloser{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			sm.Count("client")
		}
	}()
	wg.Wait()

	assert.Equal(t, 1000, sm.Count("client"))
}
