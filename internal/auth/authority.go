package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"unichat/internal/storage"
)

// Session token defaults.
const (
	DefaultTokenTTL = 24 * time.Hour
	DefaultIssuer   = "unichat-gateway"
	DefaultAudience = "unichat-api"
)

// ErrAuthentication is the only verification failure callers see. The cause
// is logged.
var ErrAuthentication = errors.New("authentication failed")

// ErrMissingSecret is returned when no signing secret is available.
var ErrMissingSecret = errors.New("jwt signing secret is not configured")

const revokedPrefix = "revoked:"

// AuthorityConfig tunes token issuance.
type AuthorityConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
}

type sessionClaims struct {
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Role        Role   `json:"role"`
	Institution string `json:"institution,omitempty"`
	Provider    string `json:"provider,omitempty"`
	jwt.RegisteredClaims
}

// Authority issues and verifies HS256 session tokens and keeps the
// revocation list.
type Authority struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	revoked  storage.Store
	logger   *zap.Logger
	now      func() time.Time
}

// NewAuthority builds an authority. Revoked tokens are recorded in store.
func NewAuthority(secret string, cfg AuthorityConfig, store storage.Store, logger *zap.Logger) (*Authority, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if store == nil {
		return nil, errors.New("auth: revocation store must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}

	return &Authority{
		secret:   []byte(secret),
		ttl:      cfg.TokenTTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		revoked:  store,
		logger:   logger.Named("auth"),
		now:      time.Now,
	}, nil
}

// TTL is the lifetime of newly issued tokens.
func (a *Authority) TTL() time.Duration {
	return a.ttl
}

// CreateToken signs a session token for user.
func (a *Authority) CreateToken(user UserInfo) (string, error) {
	now := a.now()
	claims := sessionClaims{
		Email:       user.Email,
		Name:        user.Name,
		Picture:     user.Picture,
		Role:        user.Role,
		Institution: user.Institution,
		Provider:    user.Provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{a.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, issuer, audience and revocation. Every
// failure yields ErrAuthentication.
func (a *Authority) Verify(ctx context.Context, token string) (UserInfo, error) {
	claims, err := a.parse(token)
	if err != nil {
		a.logger.Info("session token rejected", zap.Error(err))
		return UserInfo{}, ErrAuthentication
	}

	revoked, err := a.IsRevoked(ctx, token)
	if err != nil {
		a.logger.Error("revocation lookup failed", zap.Error(err))
		return UserInfo{}, ErrAuthentication
	}
	if revoked {
		a.logger.Info("session token rejected", zap.String("reason", "revoked"))
		return UserInfo{}, ErrAuthentication
	}

	role, err := ParseRole(string(claims.Role))
	if err != nil {
		a.logger.Info("session token rejected", zap.Error(err))
		return UserInfo{}, ErrAuthentication
	}

	now := a.now()
	return UserInfo{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Name:        claims.Name,
		Picture:     claims.Picture,
		Provider:    claims.Provider,
		Role:        role,
		Institution: claims.Institution,
		LastLogin:   &now,
	}, nil
}

func (a *Authority) parse(token string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Refresh issues a fresh token for the holder of a valid one.
func (a *Authority) Refresh(ctx context.Context, token string) (string, UserInfo, error) {
	user, err := a.Verify(ctx, token)
	if err != nil {
		return "", UserInfo{}, err
	}
	fresh, err := a.CreateToken(user)
	if err != nil {
		return "", UserInfo{}, err
	}
	return fresh, user, nil
}

// Revoke blacklists token until it would have expired anyway. Tokens that no
// longer parse are kept for the full TTL.
func (a *Authority) Revoke(ctx context.Context, token string) error {
	ttl := a.ttl
	if claims, err := a.parse(token); err == nil && claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(a.now())
		if ttl <= 0 {
			return nil
		}
	}
	if err := a.revoked.Set(ctx, revocationKey(token), "1", ttl); err != nil {
		return fmt.Errorf("revoke session token: %w", err)
	}
	return nil
}

// IsRevoked reports whether token was blacklisted.
func (a *Authority) IsRevoked(ctx context.Context, token string) (bool, error) {
	_, found, err := a.revoked.Get(ctx, revocationKey(token))
	return found, err
}

func revocationKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return revokedPrefix + hex.EncodeToString(sum[:])
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
