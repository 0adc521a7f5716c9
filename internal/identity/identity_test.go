package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(r *http.Request) (*httptest.ResponseRecorder, string, string) {
	var clientID, correlationID string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		clientID = ClientIDFromContext(r.Context())
		correlationID = CorrelationIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, clientID, correlationID
}

func TestMiddlewareIssuesClientID(t *testing.T) {
	w, clientID, correlationID := serve(httptest.NewRequest(http.MethodGet, "/ws/chat", nil))

	assert.True(t, isValidClientID(clientID))
	_, err := uuid.Parse(correlationID)
	assert.NoError(t, err)
	assert.Equal(t, correlationID, w.Header().Get(CorrelationHeaderName))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, ClientCookieName, cookies[0].Name)
	assert.Equal(t, clientID, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.False(t, cookies[0].Secure)
}

func TestMiddlewareReusesClientIDAndCorrelation(t *testing.T) {
	existing := "anon_0123456789abcdef0123456789abcdef"
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.AddCookie(&http.Cookie{Name: ClientCookieName, Value: existing})
	r.Header.Set(CorrelationHeaderName, "t-00001")

	_, clientID, correlationID := serve(r)
	assert.Equal(t, existing, clientID)
	assert.Equal(t, "t-00001", correlationID)
}

func TestMiddlewareRejectsMalformedValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?correlation_id=bad%20id", nil)
	r.AddCookie(&http.Cookie{Name: ClientCookieName, Value: "forged"})

	_, clientID, correlationID := serve(r)
	assert.NotEqual(t, "forged", clientID)
	assert.True(t, isValidClientID(clientID))
	assert.NotEqual(t, "bad id", correlationID)
}

func TestIPFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", IPFromRequest(r))
	r.RemoteAddr = "unix"
	assert.Equal(t, "unix", IPFromRequest(r))
}
