package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// PublishedBotAPIVersion is sent as the api-version query parameter.
const PublishedBotAPIVersion = "2022-03-01-preview"

const publishedBotPath = "/powervirtualagents/dataverse-backed/authenticated/bots/%s/"

var (
	// ErrInvalidBotSchema is returned when the bot schema is not a UUID.
	ErrInvalidBotSchema = errors.New("bot schema must be a UUID")
	// ErrMissingEnvironmentURL is returned when no environment endpoint is set.
	ErrMissingEnvironmentURL = errors.New("environment endpoint URL is required")
	// ErrMissingTokenSource is returned when no token callback is set.
	ErrMissingTokenSource = errors.New("token callback is required")
)

// TokenFunc returns a bearer token. It is called once per prepared request.
type TokenFunc func(ctx context.Context) (string, error)

// PublishedBotConfig configures a PublishedBot strategy.
type PublishedBotConfig struct {
	BotSchema              string
	EnvironmentEndpointURL *url.URL
	GetToken               TokenFunc
	Transport              Transport
}

// PublishedBot talks to a published, authenticated bot through the
// environment's dataverse-backed endpoint.
type PublishedBot struct {
	baseURL   *url.URL
	getToken  TokenFunc
	transport Transport
}

// NewPublishedBot validates cfg and builds the base URL.
func NewPublishedBot(cfg PublishedBotConfig) (*PublishedBot, error) {
	if _, err := uuid.Parse(cfg.BotSchema); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBotSchema, cfg.BotSchema)
	}
	if cfg.EnvironmentEndpointURL == nil {
		return nil, ErrMissingEnvironmentURL
	}
	if cfg.GetToken == nil {
		return nil, ErrMissingTokenSource
	}
	transport, err := ParseTransport(string(cfg.Transport))
	if err != nil {
		return nil, err
	}

	base := cfg.EnvironmentEndpointURL.ResolveReference(&url.URL{Path: fmt.Sprintf(publishedBotPath, cfg.BotSchema)})
	query := base.Query()
	query.Set("api-version", PublishedBotAPIVersion)
	base.RawQuery = query.Encode()
	base.Fragment = ""

	return &PublishedBot{baseURL: base, getToken: cfg.GetToken, transport: transport}, nil
}

// BaseURL returns a copy of the resolved base URL.
func (p *PublishedBot) BaseURL() *url.URL {
	u := *p.baseURL
	return &u
}

// PrepareStartNewConversation returns the init for the start call.
func (p *PublishedBot) PrepareStartNewConversation(ctx context.Context) (RequestInit, error) {
	return p.prepare(ctx)
}

// PrepareExecuteTurn returns the init for turn and continuation calls.
func (p *PublishedBot) PrepareExecuteTurn(ctx context.Context) (RequestInit, error) {
	return p.prepare(ctx)
}

func (p *PublishedBot) prepare(ctx context.Context) (RequestInit, error) {
	token, err := p.getToken(ctx)
	if err != nil {
		return RequestInit{}, fmt.Errorf("get token: %w", err)
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+token)

	return RequestInit{
		BaseURL:   p.BaseURL(),
		Headers:   headers,
		Transport: p.transport,
	}, nil
}

// StaticToken returns a TokenFunc that always yields token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}
