package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"unichat/internal/storage"
)

func newAuthority(t *testing.T, secret string, cfg AuthorityConfig) *Authority {
	t.Helper()
	a, err := NewAuthority(secret, cfg, storage.NewMemory(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func sampleUser() UserInfo {
	return UserInfo{
		UserID:      "u-1",
		Email:       "ada@example.edu",
		Name:        "Ada",
		Provider:    "google",
		Role:        RoleStudent,
		Institution: "example",
	}
}

func TestCreateAndVerifyRoundTrip(t *testing.T) {
	a := newAuthority(t, "s3cret", AuthorityConfig{})
	token, err := a.CreateToken(sampleUser())
	require.NoError(t, err)

	user, err := a.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.UserID)
	assert.Equal(t, "ada@example.edu", user.Email)
	assert.Equal(t, RoleStudent, user.Role)
	assert.Equal(t, "example", user.Institution)
	assert.Equal(t, "google", user.Provider)
	assert.NotNil(t, user.LastLogin)
	assert.Equal(t, DefaultTokenTTL, a.TTL())
}

func TestTokenCarriesFixedIssuerAndAudience(t *testing.T) {
	a := newAuthority(t, "s3cret", AuthorityConfig{})
	token, err := a.CreateToken(sampleUser())
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	require.NoError(t, err)
	assert.Equal(t, DefaultIssuer, claims["iss"])
	assert.Equal(t, []any{DefaultAudience}, claims["aud"])
	assert.Equal(t, "student", claims["role"])
}

func TestVerifyCollapsesEveryFailure(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, "s3cret", AuthorityConfig{})

	expiredIssuer := newAuthority(t, "s3cret", AuthorityConfig{})
	expiredIssuer.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	expired, err := expiredIssuer.CreateToken(sampleUser())
	require.NoError(t, err)

	forged, err := newAuthority(t, "other", AuthorityConfig{}).CreateToken(sampleUser())
	require.NoError(t, err)

	wrongIssuer, err := newAuthority(t, "s3cret", AuthorityConfig{Issuer: "elsewhere"}).CreateToken(sampleUser())
	require.NoError(t, err)

	wrongAudience, err := newAuthority(t, "s3cret", AuthorityConfig{Audience: "elsewhere"}).CreateToken(sampleUser())
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u-1", "iss": DefaultIssuer, "aud": DefaultAudience, "exp": time.Now().Add(time.Hour).Unix()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	revoked, err := a.CreateToken(sampleUser())
	require.NoError(t, err)
	require.NoError(t, a.Revoke(ctx, revoked))

	cases := map[string]string{
		"expired":        expired,
		"bad signature":  forged,
		"wrong issuer":   wrongIssuer,
		"wrong audience": wrongAudience,
		"alg none":       unsigned,
		"garbage":        "not.a.token",
		"revoked":        revoked,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(ctx, token)
			assert.True(t, errors.Is(err, ErrAuthentication))
			assert.Equal(t, ErrAuthentication.Error(), err.Error())
		})
	}
}

func TestRefreshIssuesNewToken(t *testing.T) {
	ctx := context.Background()
	a := newAuthority(t, "s3cret", AuthorityConfig{})
	issued := time.Now().Add(-time.Hour)
	a.now = func() time.Time { return issued }
	token, err := a.CreateToken(sampleUser())
	require.NoError(t, err)

	a.now = time.Now
	fresh, user, err := a.Refresh(ctx, token)
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
	assert.Equal(t, "u-1", user.UserID)

	_, _, err = a.Refresh(ctx, "junk")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestRevokeUsesRemainingLifetime(t *testing.T) {
	mr := miniredis.RunT(t)
	store := storage.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "unichat", zaptest.NewLogger(t))
	a, err := NewAuthority("s3cret", AuthorityConfig{TokenTTL: time.Hour}, store, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	token, err := a.CreateToken(sampleUser())
	require.NoError(t, err)
	require.NoError(t, a.Revoke(ctx, token))

	revoked, err := a.IsRevoked(ctx, token)
	require.NoError(t, err)
	assert.True(t, revoked)

	key := "unichat:" + revocationKey(token)
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)
	assert.NotContains(t, key, token)
}

func TestNewAuthorityRequiresSecret(t *testing.T) {
	_, err := NewAuthority(" ", AuthorityConfig{}, storage.NewMemory(), nil)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
	_, ok = BearerToken("")
	assert.False(t, ok)
}
