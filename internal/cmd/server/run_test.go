package serverrun

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/satb/internal/config"
	"github.com/rzbill/satb/internal/runtime"
	logpkg "github.com/rzbill/satb/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testOptions() Options {
	cfg := cfgpkg.Default()
	cfg.BufferCapacity = 16
	cfg.ProcessCompletedThreshold = 2
	cfg.Heap.SizeBytes = 1 << 14
	cfg.Heap.Roots = 128
	cfg.Trace.Enabled = true
	cfg.Trace.InMemory = true
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	return Options{
		Config: cfg,
		Logger: logpkg.NewLogger(logpkg.WithOutput(logpkg.NewNullOutput())),
	}
}

type addrs struct{ http, grpc string }

func start(t *testing.T, opts Options) (addrs, context.CancelFunc, <-chan error) {
	t.Helper()
	ready := make(chan addrs, 1)
	opts.Ready = func(h, g string) { ready <- addrs{h, g} }
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, opts) }()
	select {
	case a := <-ready:
		return a, cancel, done
	case err := <-done:
		cancel()
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("servers not ready")
	}
	return addrs{}, cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestRunServesHTTPAndGRPC(t *testing.T) {
	a, cancel, done := start(t, testOptions())

	resp, err := http.Get("http://" + a.http + "/v1/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.StatusCode)
	}

	ctx, cancelRPC := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelRPC()
	conn, err := grpc.NewClient(a.grpc, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status: %v", res.GetStatus())
	}

	stop(t, cancel, done)
}

func TestRunSimulatesOnInterval(t *testing.T) {
	opts := testOptions()
	opts.SimulateEvery = 10 * time.Millisecond
	opts.Sim = runtime.SimOptions{Mutators: 2, Stores: 100, Seed: 1}
	a, cancel, done := start(t, opts)
	defer stop(t, cancel, done)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + a.http + "/v1/satb/state")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		var st runtime.State
		err = json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if st.Stats.Finished > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no simulated cycle finished")
}

func TestRunRejectsBadConfig(t *testing.T) {
	opts := testOptions()
	opts.Config.BufferCapacity = 0
	if err := Run(context.Background(), opts); err == nil {
		t.Fatalf("expected validation error")
	}
}
