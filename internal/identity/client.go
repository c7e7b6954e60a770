package identity

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const defaultTimeout = 10 * time.Second

// ErrNotConfigured is returned when the identity provider has no domain or client id.
var ErrNotConfigured = errors.New("identity provider not configured")

// Config describes the hosted OAuth2 identity provider.
type Config struct {
	Domain          string            `yaml:"domain"`
	ClientID        string            `yaml:"client_id"`
	ClientSecretRef string            `yaml:"client_secret_ref"`
	JWKSURL         string            `yaml:"jwks_url"`
	Scopes          []string          `yaml:"scopes"`
	Timeout         time.Duration     `yaml:"timeout"`
	Connections     map[string]string `yaml:"connections"`
}

// Configured reports whether enough is set to talk to the provider.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.Domain) != "" && strings.TrimSpace(c.ClientID) != ""
}

// Profile is the subset of the userinfo document the gateway uses.
type Profile struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Locale        string `json:"locale"`
	UpdatedAt     any    `json:"updated_at"`
}

// DisplayName falls back to given and family names.
func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return strings.TrimSpace(p.GivenName + " " + p.FamilyName)
}

// Client performs the authorization-code flow against the provider.
type Client struct {
	oauth       oauth2.Config
	baseURL     string
	jwksURL     string
	connections map[string]string
	httpClient  *http.Client
}

// New builds a client. The secret may be empty for public clients.
func New(cfg Config, clientSecret string) (*Client, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}

	base := strings.TrimRight(cfg.Domain, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = base + "/.well-known/jwks.json"
	}
	connections := cfg.Connections
	if connections == nil {
		connections = map[string]string{
			"google-oauth2": "Google",
			"windowslive":   "LoginWithAmazon",
			"github":        "SignInWithApple",
		}
	}

	return &Client{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: clientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + "/oauth2/authorize",
				TokenURL: base + "/oauth2/token",
			},
		},
		baseURL:     base,
		jwksURL:     jwksURL,
		connections: connections,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// AuthURL returns the authorization URL and the state it carries. A state is
// generated when none is supplied. Known connections select an upstream
// identity provider.
func (c *Client) AuthURL(redirectURI, connection, state string) (string, string) {
	if state == "" {
		state = rand.Text()
	}

	cfg := c.oauth
	cfg.RedirectURL = redirectURI

	var opts []oauth2.AuthCodeOption
	if provider, ok := c.connections[connection]; ok {
		opts = append(opts, oauth2.SetAuthURLParam("identity_provider", provider))
	}
	return cfg.AuthCodeURL(state, opts...), state
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	cfg := c.oauth
	cfg.RedirectURL = redirectURI

	token, err := cfg.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return token, nil
}

// Refresh obtains a new access token from a provider refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	source := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return token, nil
}

// UserInfo fetches the profile of the token's subject.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth2/userInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("construct userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var profile Profile
	if err := c.getJSON(req, &profile); err != nil {
		return nil, fmt.Errorf("get user info: %w", err)
	}
	if profile.Subject == "" {
		return nil, errors.New("get user info: missing subject")
	}
	return &profile, nil
}

// JWKS returns the provider's signing keys document.
func (c *Client) JWKS(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("construct jwks request: %w", err)
	}
	var doc map[string]any
	if err := c.getJSON(req, &doc); err != nil {
		return nil, fmt.Errorf("get jwks: %w", err)
	}
	return doc, nil
}

// LogoutURL returns the hosted logout endpoint.
func (c *Client) LogoutURL(redirectURI string) string {
	params := url.Values{"client_id": {c.oauth.ClientID}}
	if redirectURI != "" {
		params.Set("logout_uri", redirectURI)
	}
	return c.baseURL + "/logout?" + params.Encode()
}

func (c *Client) getJSON(req *http.Request, target any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// Upstream identity providers a session can originate from.
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderSAML      = "saml"
	ProviderGitHub    = "github"
	ProviderHosted    = "auth0"
)

// ProviderFromToken reads the federated identity recorded in an access token.
// The token is not verified; the result is informational only.
func ProviderFromToken(accessToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ProviderHosted
	}

	identities, _ := claims["identities"].([]any)
	if len(identities) == 0 {
		return ProviderHosted
	}
	first, _ := identities[0].(map[string]any)
	name, _ := first["providerName"].(string)
	name = strings.ToLower(name)

	switch {
	case strings.Contains(name, "google"):
		return ProviderGoogle
	case strings.Contains(name, "facebook"), strings.Contains(name, "loginwithamazon"), strings.Contains(name, "microsoft"):
		return ProviderMicrosoft
	case strings.Contains(name, "signinwithapple"), strings.Contains(name, "github"):
		return ProviderGitHub
	case strings.Contains(name, "saml"):
		return ProviderSAML
	default:
		return ProviderHosted
	}
}
