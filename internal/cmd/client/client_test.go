package client

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type recorded struct {
	method, path, query string
	body                string
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.calls...)
}

func stubAPI(t *testing.T, status int, reply string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recorded{r.Method, r.URL.Path, r.URL.RawQuery, string(b)})
		rec.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func run(t *testing.T, baseURL string, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(func() string { return baseURL })
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestStatePrintsIndentedJSON(t *testing.T) {
	srv, rec := stubAPI(t, http.StatusOK, `{"marking":false,"threads":2}`)
	out, err := run(t, srv.URL, "state")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	calls := rec.all()
	if len(calls) != 1 || calls[0].path != "/v1/satb/state" || calls[0].method != http.MethodGet {
		t.Fatalf("calls: %+v", calls)
	}
	if !strings.Contains(out, "\n  \"threads\": 2") {
		t.Fatalf("output: %s", out)
	}
}

func TestDumpPassesMessage(t *testing.T) {
	srv, rec := stubAPI(t, http.StatusOK, "SATB buffers: remark\n")
	out, err := run(t, srv.URL, "dump", "--msg", "remark")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	calls := rec.all()
	if calls[0].query != "msg=remark" || out != "SATB buffers: remark\n" {
		t.Fatalf("query %q output %q", calls[0].query, out)
	}
}

func TestFilterSendsExprOnlyWhenSet(t *testing.T) {
	srv, rec := stubAPI(t, http.StatusOK, `{"kept":1,"discarded":0}`)
	if _, err := run(t, srv.URL, "filter"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := run(t, srv.URL, "filter", "--expr", "marked"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	calls := rec.all()
	if len(calls) != 2 {
		t.Fatalf("calls: %+v", calls)
	}
	if calls[0].method != http.MethodPost || calls[0].body != "" {
		t.Fatalf("first call: %+v", calls[0])
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(calls[1].body), &body); err != nil || body["expr"] != "marked" {
		t.Fatalf("second body %q: %v", calls[1].body, err)
	}
}

func TestCyclesByID(t *testing.T) {
	srv, rec := stubAPI(t, http.StatusOK, `{"batches":[]}`)
	if _, err := run(t, srv.URL, "cycles", "--id", "0192abcd"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	calls := rec.all()
	if calls[0].path != "/v1/satb/cycles/0192abcd" {
		t.Fatalf("path: %s", calls[0].path)
	}
}

func TestHTTPErrorSurfacesMessage(t *testing.T) {
	srv, _ := stubAPI(t, http.StatusNotFound, `{"error":"runtime: trace archive disabled"}`)
	_, err := run(t, srv.URL, "cycles")
	if err == nil || !strings.Contains(err.Error(), "trace archive disabled") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestHealthOverGRPC(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()
	t.Setenv("SATB_GRPC", lis.Addr().String())

	out, err := run(t, "http://unused", "health")
	if err != nil || !strings.Contains(out, "SERVING") {
		t.Fatalf("health: %q %v", out, err)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if out, err := run(t, "http://unused", "health"); err == nil || !strings.Contains(out, "NOT_SERVING") {
		t.Fatalf("expected not serving: %q %v", out, err)
	}
}
