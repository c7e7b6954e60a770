package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"unichat/internal/translator"
)

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	chatReq := req.ToChatRequest()
	ctx := c.Request().Context()

	if !chatReq.Stream {
		resp, err := s.gateway.Complete(ctx, chatReq)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, resp)
	}

	call, err := s.gateway.PrepareStream(chatReq)
	if err != nil {
		return toHTTPError(err)
	}

	res := c.Response()
	header := res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := call.Run(ctx, res, res.Flush); err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("client went away during stream", zap.String("model_id", chatReq.ModelID))
			return nil
		}
		s.logger.Warn("stream write failed", zap.String("model_id", chatReq.ModelID), zap.Error(err))
	}
	return nil
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FromModelConfigs(s.catalog.List(true)))
}
