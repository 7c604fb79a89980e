package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ErrGrantRevoked marks a definitive provider answer that the grant
// is no longer valid (invalid_grant and friends). Unlike a transient
// failure, no amount of retrying will bring the token back; the
// caller must tear the credential down.
var ErrGrantRevoked = errors.New("oauth grant revoked by provider")

// revokedErrorCodes are the RFC 6749 error codes that mean the grant
// itself is dead rather than the request being momentarily unlucky.
var revokedErrorCodes = map[string]bool{
	"invalid_grant": true,
	"invalid_token": true,
}

// Token is the provider's answer to a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
}

// Config holds the provider endpoints and client credentials.
type Config struct {
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	Timeout      time.Duration
}

// Client talks to the provider's authorization and token endpoints.
// It is a confidential client: the client secret travels in the
// form-encoded body on both grant types.
type Client struct {
	conf       *oauth2.Config
	httpClient *http.Client
}

// NewClient creates a provider client from config.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetHTTPClient replaces the HTTP client used for token-endpoint
// calls. Test seam.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client == nil {
		client = http.DefaultClient
	}
	c.httpClient = client
}

// AuthCodeURL builds the provider redirect URL embedding the
// handshake state.
func (c *Client) AuthCodeURL(state string) string {
	return c.conf.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token. Codes are
// single-use, so a failure here is final for this flow; the caller
// surfaces it rather than retrying.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code cannot be empty")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", classify(err))
	}
	return convertToken(tok), nil
}

// Refresh trades a refresh token for fresh token material.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token cannot be empty")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", classify(err))
	}

	out := convertToken(tok)
	// Some providers omit the refresh token on refresh responses;
	// keep rotating on the one we have.
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// classify tags terminal provider answers with ErrGrantRevoked while
// leaving transport errors and provider 5xx responses as plain
// (transient) errors.
func classify(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && revokedErrorCodes[retrieveErr.ErrorCode] {
		return fmt.Errorf("%w: %s", ErrGrantRevoked, retrieveErr.ErrorCode)
	}
	return err
}

func convertToken(tok *oauth2.Token) *Token {
	expiresIn := time.Duration(tok.ExpiresIn) * time.Second
	if expiresIn <= 0 && !tok.Expiry.IsZero() {
		expiresIn = time.Until(tok.Expiry)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    expiresIn,
	}
}
