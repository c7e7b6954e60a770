package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"unichat/internal/auth"
	"unichat/internal/config"
	"unichat/internal/gateway"
	"unichat/internal/models"
	"unichat/internal/provider/factory"
)

const (
	maxBodyBytes = 1 << 20 // 1 MiB
	readTimeout  = 30 * time.Second
	idleTimeout  = 120 * time.Second
)

// ModelCatalog lists configured models.
type ModelCatalog interface {
	List(enabledOnly bool) []models.ModelConfig
}

// HealthChecker probes every configured provider endpoint.
type HealthChecker interface {
	HealthCheckAll(ctx context.Context) map[string]factory.ProviderHealth
}

// Deps are the collaborators the HTTP surface is built from. Authority and
// Identity may be nil when not configured.
type Deps struct {
	Config       config.Config
	Logger       *zap.Logger
	Catalog      ModelCatalog
	Health       HealthChecker
	Gateway      *gateway.Gateway
	Authority    *auth.Authority
	Users        *auth.UserManager
	Institutions *auth.Institutions
	Identity     IdentityProvider
}

type Server struct {
	cfg         config.Config
	logger      *zap.Logger
	catalog     ModelCatalog
	health      HealthChecker
	gateway     *gateway.Gateway
	authority   *auth.Authority
	users       *auth.UserManager
	institution *auth.Institutions
	identity    IdentityProvider
	permissions auth.Permissions
	required    map[string]struct{}
	validate    *validator.Validate
	started     time.Time
	now         func() time.Time
	app         *echo.Echo
	address     string
}

// New constructs an HTTP server wired with routing and middleware.
func New(deps Deps) (*Server, error) {
	if deps.Gateway == nil {
		return nil, errors.New("gateway must not be nil")
	}
	if deps.Catalog == nil || deps.Health == nil {
		return nil, errors.New("model catalog and health checker must not be nil")
	}
	if deps.Users == nil || deps.Institutions == nil {
		return nil, errors.New("user manager and institutions must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	cfg := deps.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler(logger)

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("panic recovered",
				zap.String("uri", c.Request().RequestURI),
				zap.Error(err),
				zap.ByteString("stack", stack),
			)
			return err
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:  true,
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogError:    true,
		LogRemoteIP: true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	required := make(map[string]struct{}, len(cfg.Auth.RequiredPaths))
	for _, p := range cfg.Auth.RequiredPaths {
		required[p] = struct{}{}
	}

	srv := &Server{
		cfg:         cfg,
		logger:      logger,
		catalog:     deps.Catalog,
		health:      deps.Health,
		gateway:     deps.Gateway,
		authority:   deps.Authority,
		users:       deps.Users,
		institution: deps.Institutions,
		identity:    deps.Identity,
		permissions: auth.Permissions(cfg.Auth.Permissions),
		required:    required,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		started:     time.Now(),
		now:         time.Now,
		app:         e,
		address:     fmt.Sprintf(":%d", cfg.Server.Port),
	}

	e.Use(srv.authenticate)
	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled. In
// flight requests get the configured grace period to drain.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting server",
		zap.String("addr", s.address),
		zap.String("version", s.cfg.Server.Version),
		zap.Bool("auth_enabled", s.cfg.Auth.Enabled),
	)

	// No WriteTimeout: streamed completions are bounded by the provider timeout.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)

	s.app.GET("/health", s.handleHealth)
	s.app.GET("/health/ready", s.handleReady)
	s.app.GET("/health/live", s.handleLive)

	v1 := s.app.Group("/v1")
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.GET("/models", s.handleModels)

	a := s.app.Group("/auth")
	a.GET("/login", s.handleLogin)
	a.GET("/callback", s.handleCallback)
	a.POST("/onboarding", s.handleOnboarding)
	a.GET("/profile", s.handleProfile)
	a.POST("/refresh", s.handleRefresh)
	a.POST("/logout", s.handleLogout)
	a.GET("/institutions", s.handleInstitutions)
	a.GET("/status", s.handleAuthStatus)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"name":        "unichat",
		"version":     s.cfg.Server.Version,
		"description": "A unified interface for multiple AI model providers",
	})
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody[T any](c echo.Context, target *T) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	err := decodeRequestBody(c, target)
	var reqErr requestError
	if errors.As(err, &reqErr) && reqErr.Message == "request body is required" {
		return nil
	}
	return err
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var reqErr requestError
		if errors.As(err, &reqErr) {
			_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			message := http.StatusText(he.Code)
			if m, ok := he.Message.(string); ok {
				message = m
			}
			_ = writeError(c, he.Code, message, "invalid_request_error", "")
			return
		}

		logger.Error("unhandled error",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err),
		)
		_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
	}
}

// toHTTPError classifies gateway and auth failures. Anything unknown is a
// generic 500.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var clientErr *gateway.ClientError
	if errors.As(err, &clientErr) {
		errType := "invalid_request_error"
		code := ""
		if clientErr.Status == http.StatusNotFound {
			code = "model_not_found"
		}
		return requestError{Status: clientErr.Status, Message: clientErr.Message, Type: errType, Code: code}
	}

	if errors.Is(err, gateway.ErrCompletionFailed) {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: gateway.ErrCompletionFailed.Error(),
			Type:    "server_error",
		}
	}

	if errors.Is(err, auth.ErrAuthentication) {
		return requestError{
			Status:  http.StatusUnauthorized,
			Message: auth.ErrAuthentication.Error(),
			Type:    "authentication_error",
		}
	}

	var authzErr *auth.AuthorizationError
	if errors.As(err, &authzErr) {
		return requestError{
			Status:  http.StatusForbidden,
			Message: authzErr.Error(),
			Type:    "permission_error",
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}
