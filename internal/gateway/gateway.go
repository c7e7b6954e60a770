package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"unichat/internal/models"
	"unichat/internal/provider"
	"unichat/internal/translator"
)

// ErrCompletionFailed is the only failure surfaced when an adapter call
// breaks. Provider detail stays in the logs.
var ErrCompletionFailed = errors.New("internal server error during chat completion")

// ClientError is a request problem whose message is safe to return verbatim.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return e.Message
}

// Resolver maps a model id to a live adapter.
type Resolver interface {
	Resolve(modelID string) (provider.Adapter, bool)
}

// Gateway runs one chat request through validation, resolution and dispatch.
type Gateway struct {
	resolver Resolver
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs a gateway.
func New(resolver Resolver, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		resolver: resolver,
		validate: newValidator(),
		logger:   logger.Named("gateway"),
		now:      time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks request shape and bounds.
func (g *Gateway) Validate(req models.ChatRequest) error {
	err := g.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ClientError{Status: http.StatusBadRequest, Message: "invalid request"}
	}
	return &ClientError{Status: http.StatusBadRequest, Message: describe(fieldErrs[0])}
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func (g *Gateway) resolve(modelID string) (provider.Adapter, error) {
	adapter, ok := g.resolver.Resolve(modelID)
	if !ok {
		return nil, &ClientError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("Model '%s' not found or not available", modelID),
		}
	}
	return adapter, nil
}

// Complete serves a non-streaming request.
func (g *Gateway) Complete(ctx context.Context, req models.ChatRequest) (*translator.ChatCompletionResponse, error) {
	if err := g.Validate(req); err != nil {
		return nil, err
	}
	adapter, err := g.resolve(req.ModelID)
	if err != nil {
		return nil, err
	}

	g.logger.Info("chat completion request",
		zap.String("model_id", req.ModelID),
		zap.Int("message_count", len(req.Messages)),
		zap.Int("max_tokens", req.MaxTokens),
		zap.Float64("temperature", req.Temperature),
	)

	start := g.now()
	resp, err := adapter.ChatCompletion(ctx, req)
	duration := g.now().Sub(start)
	if err != nil {
		g.logger.Error("chat completion failed",
			zap.String("model_id", req.ModelID),
			zap.String("provider", adapter.Name()),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, ErrCompletionFailed
	}

	id := translator.NewCompletionID()
	out := translator.FromChatResponse(id, start.Unix(), resp)
	g.logger.Info("chat completion response",
		zap.String("model_id", req.ModelID),
		zap.String("completion_id", id),
		zap.String("finish_reason", string(resp.FinishReason)),
		zap.Int("response_length", len(resp.Content)),
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return &out, nil
}

// StreamCall is a validated, resolved streaming request waiting for its
// response channel.
type StreamCall struct {
	gateway *Gateway
	adapter provider.Adapter
	req     models.ChatRequest
}

// PrepareStream performs every check that can still fail with an HTTP status.
func (g *Gateway) PrepareStream(req models.ChatRequest) (*StreamCall, error) {
	if err := g.Validate(req); err != nil {
		return nil, err
	}
	adapter, err := g.resolve(req.ModelID)
	if err != nil {
		return nil, err
	}
	return &StreamCall{gateway: g, adapter: adapter, req: req}, nil
}

var doneFrame = []byte("data: [DONE]\n\n")

// Run writes the server-sent event sequence to w, calling flush after each
// frame. Every sequence opens with a role frame and ends with a stop frame and
// the [DONE] sentinel, including when the upstream fails. It returns early
// without further frames once ctx is cancelled or w fails.
func (c *StreamCall) Run(ctx context.Context, w io.Writer, flush func()) error {
	g := c.gateway
	start := g.now()
	builder := translator.ChunkBuilder{
		ID:      translator.NewCompletionID(),
		Created: start.Unix(),
		Model:   c.req.ModelID,
	}
	logger := g.logger.With(
		zap.String("model_id", c.req.ModelID),
		zap.String("completion_id", builder.ID),
	)
	logger.Info("chat completion stream request", zap.Int("message_count", len(c.req.Messages)))

	send := func(chunk translator.ChatCompletionChunk) error {
		return writeFrame(w, flush, chunk)
	}

	if err := send(builder.Initial()); err != nil {
		return err
	}

	fragments, streamErr := c.forward(ctx, builder, send)
	if ctx.Err() != nil {
		logger.Info("chat completion stream cancelled by client", zap.Int("fragments", fragments))
		return ctx.Err()
	}

	var writeErr error
	if streamErr != nil {
		var sendErr *sendError
		if errors.As(streamErr, &sendErr) {
			return sendErr.err
		}
		logger.Error("chat completion stream failed",
			zap.String("provider", c.adapter.Name()),
			zap.Int("fragments", fragments),
			zap.Error(streamErr),
		)
		writeErr = send(builder.Failed())
	} else {
		writeErr = send(builder.Final())
	}
	if writeErr != nil {
		return writeErr
	}
	if _, err := w.Write(doneFrame); err != nil {
		return err
	}
	flush()

	logger.Info("chat completion stream finished",
		zap.Int("fragments", fragments),
		zap.Duration("duration", g.now().Sub(start)),
		zap.Bool("failed", streamErr != nil),
	)
	return nil
}

type sendError struct{ err error }

func (e *sendError) Error() string { return e.err.Error() }

func (c *StreamCall) forward(ctx context.Context, builder translator.ChunkBuilder, send func(translator.ChatCompletionChunk) error) (int, error) {
	stream, err := c.adapter.ChatCompletionStream(ctx, c.req)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	fragments := 0
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fragments, nil
		}
		if err != nil {
			return fragments, err
		}
		if err := send(builder.Content(fragment)); err != nil {
			return fragments, &sendError{err: err}
		}
		fragments++
	}
}

func writeFrame(w io.Writer, flush func(), chunk translator.ChatCompletionChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flush()
	return nil
}
