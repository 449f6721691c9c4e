package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/InRunning/click-translate/internal/relay"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	relayRouteChat   = "chat"
	relayRoutePrompt = "prompt"

	defaultStreamContentType = "text/event-stream"
	relayCacheHeader         = "X-Relay-Cache"
)

func (h *httpHandler) handleChatCompletions(c *gin.Context) {
	body, ok := h.bindRelayBody(c, relayRouteChat)
	if !ok {
		return
	}
	result, err := h.relay.Forward(c.Request.Context(), body)
	h.writeRelayResult(c, relayRouteChat, result, err)
}

func (h *httpHandler) handlePrompt(c *gin.Context) {
	body, ok := h.bindRelayBody(c, relayRoutePrompt)
	if !ok {
		return
	}
	result, err := h.relay.ForwardPrompt(c.Request.Context(), body)
	h.writeRelayResult(c, relayRoutePrompt, result, err)
}

func (h *httpHandler) bindRelayBody(c *gin.Context, route string) (map[string]any, bool) {
	var body map[string]any
	decoder := json.NewDecoder(c.Request.Body)
	decoder.UseNumber()
	err := decoder.Decode(&body)
	if err == nil {
		var trailing json.RawMessage
		if trailingErr := decoder.Decode(&trailing); !errors.Is(trailingErr, io.EOF) {
			err = errors.New("unexpected data after JSON object")
		}
	}
	if err != nil || body == nil {
		h.metrics.RelayRequestsTotal.WithLabelValues(route, "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "request body must be a JSON object"))
		return nil, false
	}
	return body, true
}

func (h *httpHandler) writeRelayResult(c *gin.Context, route string, result *relay.Result, err error) {
	fields := relayLogFields(c)
	if err != nil {
		var upstreamErr *relay.UpstreamError
		var unreachable *relay.UnreachableError
		switch {
		case errors.As(err, &upstreamErr):
			h.metrics.RelayRequestsTotal.WithLabelValues(route, "upstream_error").Inc()
			c.Data(upstreamErr.Status, contentTypeOrJSON(upstreamErr.ContentType), upstreamErr.Body)
		case errors.As(err, &unreachable):
			h.metrics.RelayRequestsTotal.WithLabelValues(route, "unreachable").Inc()
			h.logger.Warn("relay upstream unreachable", append(fields, zap.Error(err))...)
			c.JSON(http.StatusBadGateway, errorBody("upstream_unreachable", unreachable.Err.Error()))
		case errors.Is(err, relay.ErrInvalidArgument):
			h.metrics.RelayRequestsTotal.WithLabelValues(route, "invalid_request").Inc()
			c.JSON(http.StatusBadRequest, errorBody("invalid_argument", err.Error()))
		default:
			h.metrics.RelayRequestsTotal.WithLabelValues(route, "error").Inc()
			h.logger.Error("relay request failed", append(fields, zap.Error(err))...)
			c.JSON(http.StatusInternalServerError, errorBody("relay_failed", err.Error()))
		}
		return
	}

	if result.Stream != nil {
		h.writeStream(c, route, result, fields)
		return
	}

	if result.Cached {
		h.metrics.RelayCacheHitsTotal.Inc()
		c.Header(relayCacheHeader, "hit")
	}
	h.metrics.RelayRequestsTotal.WithLabelValues(route, "success").Inc()
	c.Data(result.Status, contentTypeOrJSON(result.ContentType), result.Body)
}

// relayLogFields identifies the request and, behind the relay gate, the caller.
func relayLogFields(c *gin.Context) []zap.Field {
	fields := []zap.Field{zap.String("request_id", c.GetString(requestIDContextKey))}
	if userID := c.GetString(userIDContextKey); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	return fields
}

func contentTypeOrJSON(contentType string) string {
	if contentType == "" {
		return "application/json"
	}
	return contentType
}

func (h *httpHandler) writeStream(c *gin.Context, route string, result *relay.Result, fields []zap.Field) {
	contentType := result.ContentType
	if contentType == "" {
		contentType = defaultStreamContentType
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(result.Status)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	if err := result.Stream.Pipe(c.Writer, c.Writer.Flush); err != nil {
		h.metrics.RelayRequestsTotal.WithLabelValues(route, "stream_interrupted").Inc()
		if errors.Is(c.Request.Context().Err(), context.Canceled) {
			h.logger.Info("relay stream closed by client", fields...)
			return
		}
		h.logger.Warn("relay stream interrupted", append(fields, zap.Error(err))...)
		return
	}
	h.metrics.RelayRequestsTotal.WithLabelValues(route, "stream_success").Inc()
}
