package strategy

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = "8f1e4b7a-2a7c-4d1e-9d55-0f6b2d3c4e5f"

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestNewPublishedBot(t *testing.T) {
	calls := 0
	bot, err := NewPublishedBot(PublishedBotConfig{
		BotSchema:              testSchema,
		EnvironmentEndpointURL: mustURL(t, "https://env.example.com/ignored/path?x=1#frag"),
		GetToken: func(context.Context) (string, error) {
			calls++
			return "token-" + string(rune('0'+calls)), nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t,
		"https://env.example.com/powervirtualagents/dataverse-backed/authenticated/bots/"+testSchema+"/?api-version=2022-03-01-preview",
		bot.BaseURL().String())

	init, err := bot.PrepareStartNewConversation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-1", init.Headers.Get("Authorization"))
	assert.Equal(t, TransportAuto, init.Transport)

	init, err = bot.PrepareExecuteTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-2", init.Headers.Get("Authorization"), "token is fetched per call")

	init.BaseURL.Path = "/mutated"
	assert.NotEqual(t, "/mutated", bot.BaseURL().Path)
}

func TestNewPublishedBotValidation(t *testing.T) {
	env := mustURL(t, "https://env.example.com")

	tests := []struct {
		name string
		cfg  PublishedBotConfig
		want error
	}{
		{"bad schema", PublishedBotConfig{BotSchema: "bot", EnvironmentEndpointURL: env, GetToken: StaticToken("t")}, ErrInvalidBotSchema},
		{"no url", PublishedBotConfig{BotSchema: testSchema, GetToken: StaticToken("t")}, ErrMissingEnvironmentURL},
		{"no token", PublishedBotConfig{BotSchema: testSchema, EnvironmentEndpointURL: env}, ErrMissingTokenSource},
		{"bad transport", PublishedBotConfig{BotSchema: testSchema, EnvironmentEndpointURL: env, GetToken: StaticToken("t"), Transport: "grpc"}, ErrInvalidTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPublishedBot(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPublishedBotTokenError(t *testing.T) {
	boom := errors.New("expired")
	bot, err := NewPublishedBot(PublishedBotConfig{
		BotSchema:              testSchema,
		EnvironmentEndpointURL: mustURL(t, "https://env.example.com"),
		GetToken:               func(context.Context) (string, error) { return "", boom },
		Transport:              TransportREST,
	})
	require.NoError(t, err)

	_, err = bot.PrepareExecuteTurn(context.Background())
	assert.ErrorIs(t, err, boom)
}

type continuing struct {
	Static
	continued bool
}

func (c *continuing) PrepareContinueTurn(context.Context) (RequestInit, error) {
	c.continued = true
	return RequestInit{Transport: TransportREST}, nil
}

func TestPrepareContinueTurn(t *testing.T) {
	static := Static{Transport: TransportAuto}
	init, err := PrepareContinueTurn(context.Background(), static)
	require.NoError(t, err)
	assert.Equal(t, TransportAuto, init.Transport)

	c := &continuing{}
	init, err = PrepareContinueTurn(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, c.continued)
	assert.Equal(t, TransportREST, init.Transport)
}

func TestParseTransport(t *testing.T) {
	for in, want := range map[string]Transport{"": TransportAuto, "auto": TransportAuto, "rest": TransportREST} {
		got, err := ParseTransport(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTransport("sse")
	assert.ErrorIs(t, err, ErrInvalidTransport)
}
