package host_test

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Matlemad/Pandemic-sub000/internal/config"
	"github.com/Matlemad/Pandemic-sub000/internal/host"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(port int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: port},
		Relay: config.RelayConfig{
			MaxFileMB:               10,
			HeartbeatIntervalMs:     1000,
			HeartbeatTimeoutMs:      5000,
			IdleTransferTimeoutMs:   5000,
			SendTimeoutMs:           1000,
			MaxInFlightBytesPerXfer: 1 << 20,
			ChunkSizeBytes:          1 << 16,
			ProgressIntervalMs:      1000,
			ProgressBytes:           1 << 20,
			TransferLingerMs:        100,
			RateLimitPerSec:         100,
			RateLimitBurst:          100,
			MaxTextFrameBytes:       1 << 16,
		},
		Room:    config.RoomConfig{Name: "Test Room"},
		Metrics: config.MetricsConfig{Enabled: false},
		Logging: config.LoggingConfig{Level: "info", Format: "console"},
	}
}

// TestStartStopOrdering exercises the full Start -> Stop lifecycle against a
// real listening socket: Start must serve until Stop asks it to, and must
// return a nil error on a graceful shutdown rather than surfacing
// http.ErrServerClosed as a failure.
func TestStartStopOrdering(t *testing.T) {
	port := freePort(t)
	h := host.New(testConfig(port), zap.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- h.Start() }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond, "health endpoint never became reachable")

	h.Stop()

	select {
	case err := <-errCh:
		assert.NoError(t, err, "Start must return nil on a graceful Stop")
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

// TestRoomAndHealthEndpointsReportLiveCounts exercises the small REST
// surface Start wires in alongside the websocket session endpoint.
func TestRoomAndHealthEndpointsReportLiveCounts(t *testing.T) {
	port := freePort(t)
	h := host.New(testConfig(port), zap.NewNop())

	go h.Start()
	t.Cleanup(h.Stop)

	roomURL := fmt.Sprintf("http://127.0.0.1:%d/api/room", port)
	var body map[string]any
	require.Eventually(t, func() bool {
		resp, err := http.Get(roomURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil
	}, 2*time.Second, 10*time.Millisecond, "/api/room never became reachable")

	assert.Equal(t, "Test Room", body["roomName"])
	assert.Equal(t, float64(0), body["peerCount"])
	assert.Equal(t, float64(0), body["fileCount"])
}
