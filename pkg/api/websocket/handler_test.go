package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/agentpipe/internal/application/gateway"
	"github.com/aescanero/agentpipe/internal/application/orchestrator"
	eventmemory "github.com/aescanero/agentpipe/pkg/adapters/events/memory"
	promcollector "github.com/aescanero/agentpipe/pkg/adapters/metrics/prometheus"
	queuememory "github.com/aescanero/agentpipe/pkg/adapters/queue/memory"
	"github.com/aescanero/agentpipe/pkg/adapters/storage/memory"
	apihttp "github.com/aescanero/agentpipe/pkg/api/http"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupStreamServer(t *testing.T, status domain.RunStatus) (*httptest.Server, *eventmemory.Bus) {
	t.Helper()
	// handlers outlive the test once the connection is hijacked
	logger := zap.NewNop()

	store := memory.NewStore()
	require.NoError(t, store.CreateRun(context.Background(), &domain.Run{
		ID: "r1", PipelineID: "p1", UserID: "u1", Status: status, CreatedAt: time.Now(),
	}))

	metrics := promcollector.NewCollector(prometheus.NewRegistry())
	bus := eventmemory.NewBus(16, metrics, logger)
	gw := gateway.NewGateway(store, bus, metrics, logger)

	api := apihttp.NewServer(&apihttp.Config{
		Manager:  orchestrator.NewManager(store, queuememory.NewQueue(), metrics, logger, domain.JobOptions{}),
		Gateway:  gw,
		Gatherer: prometheus.NewRegistry(),
		Logger:   logger,
	})
	api.SetupWebSocket(NewHandler(gw, logger))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = bus.Close()
	})
	return srv, bus
}

func dial(t *testing.T, srv *httptest.Server, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/r1/ws"
	header := http.Header{}
	header.Set(apihttp.UserIDHeader, userID)
	return websocket.DefaultDialer.Dial(url, header)
}

func TestStreamDeliversEventsThenCloses(t *testing.T) {
	srv, bus := setupStreamServer(t, domain.RunStatusPending)

	ws, _, err := dial(t, srv, "u1")
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return bus.SubscriberCount("r1") == 1 }, 2*time.Second, 5*time.Millisecond)

	step := domain.ExecutionStep{Order: 0, AgentID: "a", AgentName: "Writer"}
	bus.Publish("r1", domain.NewStepStartEvent("r1", step, 1))
	bus.Publish("r1", domain.NewPipelineCompleteEvent("r1", "done", domain.Usage{OutputTokens: 3}, "m"))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	var event domain.RunEvent
	require.NoError(t, ws.ReadJSON(&event))
	assert.Equal(t, domain.EventTypeStepStart, event.Type)
	assert.Equal(t, "Writer", event.AgentName)

	require.NoError(t, ws.ReadJSON(&event))
	assert.Equal(t, domain.EventTypePipelineComplete, event.Type)
	assert.Equal(t, "done", event.FinalOutput)

	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)

	require.Eventually(t, func() bool { return bus.SubscriberCount("r1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamClientDisconnectUnsubscribes(t *testing.T) {
	srv, bus := setupStreamServer(t, domain.RunStatusRunning)

	ws, _, err := dial(t, srv, "u1")
	require.NoError(t, err)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event domain.RunEvent
	require.NoError(t, ws.ReadJSON(&event))
	assert.Equal(t, domain.EventTypeStatus, event.Type)
	assert.Equal(t, domain.RunStatusRunning, event.Status)

	require.Eventually(t, func() bool { return bus.SubscriberCount("r1") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return bus.SubscriberCount("r1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamRejectsForeignRun(t *testing.T) {
	srv, _ := setupStreamServer(t, domain.RunStatusPending)

	_, resp, err := dial(t, srv, "u2")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
