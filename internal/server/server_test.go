package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/relaynet/relay-core/internal/accounts"
	"github.com/relaynet/relay-core/internal/config"
	"github.com/relaynet/relay-core/internal/kv"
)

func startTestNode(t *testing.T) *NodeServer {
	t.Helper()

	cfg := config.Config{
		Port:                "0",
		AdminAddress:        "127.0.0.1:0",
		InstanceID:          "inst-test",
		ShutdownGracePeriod: time.Second,
		Limits: config.LimitsConfig{
			MaxPayloadBytes:  4096,
			MaxFrameBytes:    8192,
			QueueTTL:         time.Minute,
			MaxQueueLen:      10,
			SyncCodeTTL:      time.Minute,
			InviteTTL:        time.Hour,
			PresenceTTL:      time.Hour,
			MaxTokens:        100,
			RefillRatePerSec: 10,
		},
	}

	node := NewNodeServer(cfg, zaptest.NewLogger(t), kv.NewFake(), accounts.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = node.Start(ctx) }()

	select {
	case <-node.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start in time")
	}

	return node
}

func TestPingEndpointRespondsOK(t *testing.T) {
	node := startTestNode(t)

	resp, err := http.Get("http://" + node.Addr().String() + "/ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	node := startTestNode(t)

	resp, err := http.Get("http://" + node.AdminAddr().String() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	readyResp, err := http.Get("http://" + node.AdminAddr().String() + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer readyResp.Body.Close()
	if readyResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from readyz once started, got %d", readyResp.StatusCode)
	}
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	node := startTestNode(t)

	resp, err := http.Get("http://" + node.AdminAddr().String() + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", resp.StatusCode)
	}
}

func TestShutdownStopsBothListeners(t *testing.T) {
	node := startTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	node.Shutdown(ctx)

	if _, err := http.Get("http://" + node.Addr().String() + "/ping"); err == nil {
		t.Fatal("expected ping endpoint to be unreachable after shutdown")
	}
}
