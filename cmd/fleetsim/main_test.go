package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/fleet-simulator/internal/config"
	"github.com/signalsfoundry/fleet-simulator/internal/health"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "fleetsim dev") {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestSimulateCompletesMissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	data := []byte("sim:\n  blocked_path_rate: 0\n  greedy_assign: true\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	stats, err := simulate(context.Background(), &out, simulateOptions{
		configPath: path,
		duration:   30 * time.Second,
		missions:   2,
		noColor:    true,
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if stats.Completed != 2 || stats.Failed != 0 || stats.Active != 0 {
		t.Fatalf("stats = %+v, want 2 completed", stats)
	}
	text := out.String()
	if strings.Count(text, "completed\n") != 2 {
		t.Fatalf("expected two completion lines, got:\n%s", text)
	}
	if !strings.Contains(text, "Simulation complete: completed=2 failed=0 active=0") {
		t.Fatalf("missing final summary:\n%s", text)
	}
	if got := strings.Count(text, "[t+"); got != 30 {
		t.Fatalf("tick summaries = %d, want 30", got)
	}
}

func TestSimulateRejectsMissingConfig(t *testing.T) {
	_, err := simulate(context.Background(), io.Discard, simulateOptions{
		configPath: filepath.Join(t.TempDir(), "missing.yaml"),
		duration:   time.Second,
	})
	if err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestServeStartupSmoke(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.HTTP.APIKey = "secret"
	cfg.Feeder.Enabled = new(bool)

	lis, err := listen(cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, logging.Noop(), lis) }()

	base := "http://" + lis.http.Addr().String()
	waitFor(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	req, _ := http.NewRequest(http.MethodGet, base+"/robots", nil)
	req.Header.Set("x-api-key", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /robots: %v", err)
	}
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode robots: %v", err)
	}
	if len(body.Data) != 2 {
		t.Fatalf("seeded robots = %d, want 2", len(body.Data))
	}

	conn, err := grpc.NewClient(lis.grpc.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)
	waitFor(t, func() bool {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: health.EngineService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	})

	metricsResp, err := http.Get(fmt.Sprintf("http://%s/metrics", lis.metrics.Addr()))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	metrics, _ := io.ReadAll(metricsResp.Body)
	metricsResp.Body.Close()
	if !bytes.Contains(metrics, []byte("fleet_http_requests_total")) {
		t.Fatalf("metrics output missing fleet_http_requests_total")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestListenReportsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer busy.Close()

	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = busy.Addr().String()
	if _, err := listen(cfg); err == nil {
		t.Fatalf("expected an error for a busy gRPC port")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
