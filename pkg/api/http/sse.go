package http

import (
	"net/http"

	"github.com/aescanero/agentpipe/internal/application/gateway"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// sseSink writes run events as Server-Sent Events named after their type
type sseSink struct {
	c *gin.Context
}

func (s sseSink) Send(event domain.RunEvent) error {
	s.c.SSEvent(string(event.Type), event)
	s.c.Writer.Flush()
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	if gateway.Ends(event) {
		return gateway.ErrStreamEnded
	}
	return nil
}

// handleRunEvents streams a run's events until the run finishes or the
// client goes away
func (s *Server) handleRunEvents(c *gin.Context) {
	ctx := c.Request.Context()

	run, err := s.gateway.Authorize(ctx, c.Param("id"), UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := s.gateway.Stream(ctx, run, sseSink{c: c}); err != nil && ctx.Err() == nil {
		s.logger.Warn("event stream ended with error",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}
