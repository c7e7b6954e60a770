package identity

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" && r.Form.Get("refresh_token") != "rt" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/oauth2/userInfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"sub":"user-1","email":"ada@example.edu","given_name":"Ada","family_name":"Lovelace","email_verified":true}`)
	})
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"keys":[{"kid":"k1"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRequiresDomainAndClient(t *testing.T) {
	_, err := New(Config{Domain: "auth.example.com"}, "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAuthURL(t *testing.T) {
	client, err := New(Config{Domain: "auth.example.com", ClientID: "cid"}, "secret")
	require.NoError(t, err)

	raw, state := client.AuthURL("https://app/cb", "google-oauth2", "")
	assert.NotEmpty(t, state)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "/oauth2/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, "https://app/cb", q.Get("redirect_uri"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, state, q.Get("state"))
	assert.Equal(t, "Google", q.Get("identity_provider"))

	raw, state = client.AuthURL("https://app/cb", "unknown", "fixed")
	assert.Equal(t, "fixed", state)
	u, _ = url.Parse(raw)
	assert.Empty(t, u.Query().Get("identity_provider"))
}

func TestExchangeUserInfoAndJWKS(t *testing.T) {
	srv := fakeProvider(t)
	client, err := New(Config{Domain: srv.URL, ClientID: "cid", Timeout: time.Second}, "secret")
	require.NoError(t, err)
	ctx := context.Background()

	token, err := client.Exchange(ctx, "good-code", "https://app/cb")
	require.NoError(t, err)
	assert.Equal(t, "at", token.AccessToken)

	_, err = client.Exchange(ctx, "bad-code", "https://app/cb")
	assert.Error(t, err)

	refreshed, err := client.Refresh(ctx, "rt")
	require.NoError(t, err)
	assert.Equal(t, "at", refreshed.AccessToken)

	profile, err := client.UserInfo(ctx, "at")
	require.NoError(t, err)
	assert.Equal(t, "user-1", profile.Subject)
	assert.Equal(t, "Ada Lovelace", profile.DisplayName())
	assert.True(t, profile.EmailVerified)

	_, err = client.UserInfo(ctx, "wrong")
	assert.Error(t, err)

	jwks, err := client.JWKS(ctx)
	require.NoError(t, err)
	assert.Contains(t, jwks, "keys")
}

func TestLogoutURL(t *testing.T) {
	client, err := New(Config{Domain: "https://auth.example.com/", ClientID: "cid"}, "")
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com/logout?client_id=cid", client.LogoutURL(""))
	assert.Equal(t, "https://auth.example.com/logout?client_id=cid&logout_uri=https%3A%2F%2Fapp%2F", client.LogoutURL("https://app/"))
}

func TestProviderFromToken(t *testing.T) {
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)
		return s
	}

	assert.Equal(t, ProviderGoogle, ProviderFromToken(sign(jwt.MapClaims{"identities": []any{map[string]any{"providerName": "Google"}}})))
	assert.Equal(t, ProviderMicrosoft, ProviderFromToken(sign(jwt.MapClaims{"identities": []any{map[string]any{"providerName": "LoginWithAmazon"}}})))
	assert.Equal(t, ProviderHosted, ProviderFromToken(sign(jwt.MapClaims{"sub": "x"})))
	assert.Equal(t, ProviderHosted, ProviderFromToken("not-a-jwt"))
}
