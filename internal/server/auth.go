package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"unichat/internal/auth"
	"unichat/internal/identity"
	"unichat/internal/logs"
)

const userContextKey = "user"

// IdentityProvider is the hosted login service behind /auth/login and
// /auth/callback.
type IdentityProvider interface {
	AuthURL(redirectURI, connection, state string) (string, string)
	Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error)
	UserInfo(ctx context.Context, accessToken string) (*identity.Profile, error)
	LogoutURL(redirectURI string) string
}

var (
	errAuthUnavailable = requestError{
		Status:  http.StatusServiceUnavailable,
		Message: "Authentication service not configured",
		Type:    "server_error",
	}
	errAuthRequired = requestError{
		Status:  http.StatusUnauthorized,
		Message: "authentication required",
		Type:    "authentication_error",
	}
)

// authenticate guards the configured paths. Paths not listed pass through
// untouched.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.cfg.Auth.Enabled {
			return next(c)
		}
		path := c.Request().URL.Path
		if _, guarded := s.required[path]; !guarded {
			return next(c)
		}

		user, err := s.verifyBearer(c)
		if err != nil {
			return err
		}
		if err := s.permissions.Check(user, path); err != nil {
			s.logger.Info("permission denied",
				zap.String("path", path),
				zap.String("user_id", user.UserID),
				zap.String("role", string(user.Role)),
			)
			return toHTTPError(err)
		}
		c.Set(userContextKey, user)
		return next(c)
	}
}

func (s *Server) verifyBearer(c echo.Context) (auth.UserInfo, error) {
	if s.authority == nil {
		return auth.UserInfo{}, errAuthUnavailable
	}
	token, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
		return auth.UserInfo{}, errAuthRequired
	}
	user, err := s.authority.Verify(c.Request().Context(), token)
	if err != nil {
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
		return auth.UserInfo{}, toHTTPError(err)
	}
	return user, nil
}

// requireUser returns the caller, verifying the bearer token unless the
// middleware already did.
func (s *Server) requireUser(c echo.Context) (auth.UserInfo, error) {
	if user, ok := c.Get(userContextKey).(auth.UserInfo); ok {
		return user, nil
	}
	return s.verifyBearer(c)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *Server) newTokenResponse(token string) tokenResponse {
	return tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.authority.TTL().Seconds()),
	}
}

type callbackResponse struct {
	tokenResponse
	User               auth.UserInfo `json:"user"`
	RequiresOnboarding bool          `json:"requires_onboarding"`
}

type onboardingRequest struct {
	Role          auth.Role `json:"role" validate:"required,oneof=student educator guest"`
	InstitutionID string    `json:"institution_id"`
}

type onboardingResponse struct {
	User        auth.UserInfo `json:"user"`
	AccessToken string        `json:"access_token"`
}

type profileResponse struct {
	User        auth.UserInfo     `json:"user"`
	Institution *auth.Institution `json:"institution,omitempty"`
}

type logoutRequest struct {
	RedirectURI string `json:"redirect_uri"`
}

func (s *Server) handleLogin(c echo.Context) error {
	if s.identity == nil {
		return errAuthUnavailable
	}
	redirectURI := c.QueryParam("redirect_uri")
	if redirectURI == "" {
		return requestError{Status: http.StatusBadRequest, Message: "redirect_uri is required", Type: "invalid_request_error"}
	}

	authURL, state := s.identity.AuthURL(redirectURI, c.QueryParam("connection"), c.QueryParam("state"))
	s.logger.Info("generated login url", zap.String("redirect_uri", redirectURI))
	return c.JSON(http.StatusOK, map[string]string{
		"auth_url": authURL,
		"state":    state,
	})
}

func (s *Server) handleCallback(c echo.Context) error {
	if s.identity == nil || s.authority == nil {
		return errAuthUnavailable
	}

	if providerErr := c.QueryParam("error"); providerErr != "" {
		description := c.QueryParam("error_description")
		s.logger.Warn("auth callback error", zap.String("error", providerErr), zap.String("description", description))
		if description == "" {
			description = "Authentication failed"
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":             providerErr,
			"error_description": description,
		})
	}

	code := c.QueryParam("code")
	redirectURI := c.QueryParam("redirect_uri")
	if code == "" || redirectURI == "" || c.QueryParam("state") == "" {
		return requestError{Status: http.StatusBadRequest, Message: "code, state and redirect_uri are required", Type: "invalid_request_error"}
	}

	ctx := c.Request().Context()
	user, err := s.completeLogin(ctx, code, redirectURI)
	if err != nil {
		s.logger.Error("auth callback failed", zap.Error(err))
		return requestError{Status: http.StatusInternalServerError, Message: "Authentication failed", Type: "server_error"}
	}

	token, err := s.authority.CreateToken(user)
	if err != nil {
		return err
	}
	s.logger.Info("user authenticated", zap.String("user_id", user.UserID), logs.EmailHash(user.Email))

	return c.JSON(http.StatusOK, callbackResponse{
		tokenResponse:      s.newTokenResponse(token),
		User:               user,
		RequiresOnboarding: user.RequiresOnboarding(),
	})
}

// completeLogin exchanges the code and records the user. A role chosen during
// onboarding survives later logins.
func (s *Server) completeLogin(ctx context.Context, code, redirectURI string) (auth.UserInfo, error) {
	token, err := s.identity.Exchange(ctx, code, redirectURI)
	if err != nil {
		return auth.UserInfo{}, err
	}
	profile, err := s.identity.UserInfo(ctx, token.AccessToken)
	if err != nil {
		return auth.UserInfo{}, err
	}
	if profile.Subject == "" || profile.Email == "" {
		return auth.UserInfo{}, errors.New("userinfo is missing sub or email")
	}

	role, institution := s.institution.DefaultRole(profile.Email)
	user := auth.UserInfo{
		UserID:      profile.Subject,
		Email:       profile.Email,
		Name:        profile.DisplayName(),
		Picture:     profile.Picture,
		Provider:    identity.ProviderFromToken(token.AccessToken),
		Role:        role,
		Institution: institution,
		Metadata:    map[string]any{"email_verified": profile.EmailVerified},
	}

	existing, err := s.users.Get(ctx, user.UserID)
	switch {
	case err == nil && existing.Role != auth.RoleGuest:
		user.Role = existing.Role
		user.Institution = existing.Institution
	case err != nil && !errors.Is(err, auth.ErrUserNotFound):
		return auth.UserInfo{}, err
	}

	return s.users.CreateOrUpdate(ctx, user)
}

func (s *Server) handleOnboarding(c echo.Context) error {
	user, err := s.requireUser(c)
	if err != nil {
		return err
	}

	var req onboardingRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := s.validate.Struct(req); err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "role must be one of [student educator guest]",
			Type:    "invalid_request_error",
		}
	}
	if req.InstitutionID != "" {
		inst, ok := s.institution.ByID(req.InstitutionID)
		if !ok || !inst.Enabled {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("Invalid or disabled institution: %s", req.InstitutionID),
				Type:    "invalid_request_error",
			}
		}
	}

	ctx := c.Request().Context()
	updated, err := s.users.UpdateRole(ctx, user.UserID, req.Role, req.InstitutionID)
	if errors.Is(err, auth.ErrUserNotFound) {
		user.Role = req.Role
		user.Institution = req.InstitutionID
		updated, err = s.users.CreateOrUpdate(ctx, user)
	}
	if err != nil {
		return err
	}

	token, err := s.authority.CreateToken(updated)
	if err != nil {
		return err
	}
	s.logger.Info("onboarding completed", zap.String("user_id", updated.UserID), zap.String("role", string(updated.Role)))
	return c.JSON(http.StatusOK, onboardingResponse{User: updated, AccessToken: token})
}

func (s *Server) handleProfile(c echo.Context) error {
	user, err := s.requireUser(c)
	if err != nil {
		return err
	}

	if stored, err := s.users.Get(c.Request().Context(), user.UserID); err == nil {
		user = stored
	} else if !errors.Is(err, auth.ErrUserNotFound) {
		return err
	}

	resp := profileResponse{User: user}
	if user.Institution != "" {
		if inst, ok := s.institution.ByID(user.Institution); ok {
			resp.Institution = &inst
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRefresh(c echo.Context) error {
	if s.authority == nil {
		return errAuthUnavailable
	}
	token, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		return errAuthRequired
	}

	fresh, _, err := s.authority.Refresh(c.Request().Context(), token)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, s.newTokenResponse(fresh))
}

func (s *Server) handleLogout(c echo.Context) error {
	user, err := s.requireUser(c)
	if err != nil {
		return err
	}

	var req logoutRequest
	if err := decodeOptionalBody(c, &req); err != nil {
		return err
	}

	token, _ := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if err := s.authority.Revoke(c.Request().Context(), token); err != nil {
		return err
	}

	resp := map[string]string{"message": "Logout successful"}
	if s.identity != nil {
		resp["logout_url"] = s.identity.LogoutURL(req.RedirectURI)
	}
	s.logger.Info("user logged out", zap.String("user_id", user.UserID))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleInstitutions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"institutions": s.institution.Public(),
	})
}

func (s *Server) handleAuthStatus(c echo.Context) error {
	resp := map[string]any{
		"auth_enabled":        s.cfg.Auth.Enabled,
		"identity_configured": s.identity != nil,
		"protected_endpoints": s.cfg.Auth.RequiredPaths,
		"authenticated":       false,
	}

	if s.authority != nil {
		if token, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization)); ok {
			if user, err := s.authority.Verify(c.Request().Context(), token); err == nil {
				resp["authenticated"] = true
				resp["user"] = user
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}
