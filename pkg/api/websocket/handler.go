package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/agentpipe/internal/application/gateway"
	apihttp "github.com/aescanero/agentpipe/pkg/api/http"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	gateway *gateway.Gateway
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(gw *gateway.Gateway, logger *zap.Logger) *Handler {
	return &Handler{
		gateway: gw,
		logger:  logger,
	}
}

// conn adapts a WebSocket connection to a gateway sink
type conn struct {
	ws *websocket.Conn
}

func (c conn) Send(event domain.RunEvent) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(event); err != nil {
		return err
	}
	if gateway.Ends(event) {
		return gateway.ErrStreamEnded
	}
	return nil
}

// HandleRunStream streams a run's events over a WebSocket until the run
// finishes or the client disconnects
func (h *Handler) HandleRunStream(c *gin.Context) {
	runID := c.Param("id")

	run, err := h.gateway.Authorize(c.Request.Context(), runID, apihttp.UserID(c))
	if err != nil {
		status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
		if errors.Is(err, domain.ErrRunNotFound) {
			status, code = http.StatusNotFound, "NOT_FOUND"
		} else {
			h.logger.Error("failed to authorize stream", zap.String("run_id", runID), zap.Error(err))
		}
		c.AbortWithStatusJSON(status, apihttp.ErrorResponse{
			Error: apihttp.ErrorDetail{Code: code, Message: http.StatusText(status)},
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()

	logger := h.logger.With(zap.String("run_id", runID))
	logger.Info("WebSocket connection established", zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads only detect the client going away; incoming messages are ignored
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.gateway.Stream(ctx, run, conn{ws: ws}); err != nil {
		if ctx.Err() == nil {
			logger.Warn("WebSocket stream ended with error", zap.Error(err))
		}
		return
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	logger.Info("WebSocket connection closed")
}
