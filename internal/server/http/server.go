package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/satb/internal/runtime"
	"github.com/rzbill/satb/internal/tracelog"
	"github.com/rzbill/satb/pkg/id"
	logpkg "github.com/rzbill/satb/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	mu     sync.Mutex
	lis    net.Listener
	logger logpkg.Logger
}

func New(rt *runtime.Runtime, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NewNullOutput()))
	}
	logger = logger.With(logpkg.Component("http"))
	mux := http.NewServeMux()
	s := &Server{
		rt:     rt,
		logger: logger,
		srv: &http.Server{
			Handler:           cors(mux),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logpkg.ToStdLogger(logger, logpkg.WarnLevel),
		},
	}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/satb/state", s.handleState)
	mux.HandleFunc("/v1/satb/dump", s.handleDump)
	mux.HandleFunc("/v1/satb/layout", s.handleLayout)
	mux.HandleFunc("/v1/satb/filter", s.handleFilter)
	mux.HandleFunc("/v1/satb/cycles", s.handleCycles)
	mux.HandleFunc("/v1/satb/cycles/", s.handleCycle)
	mux.HandleFunc("/v1/satb/simulate", s.handleSimulate)
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = l
	s.mu.Unlock()
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the bound listener address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.rt.Snapshot())
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	msg := r.URL.Query().Get("msg")
	if msg == "" {
		msg = "http"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	s.rt.Dump(w, msg)
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.rt.Layout())
}

type filterReq struct {
	Expr *string `json:"expr"`
}

type filterResp struct {
	Expr      string `json:"expr,omitempty"`
	Kept      uint64 `json:"kept"`
	Discarded uint64 `json:"discarded"`
}

// handleFilter optionally replaces the discard expression and then filters
// every thread buffer in place.
func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req filterReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Expr != nil {
		if err := s.rt.SetFilterExpr(*req.Expr); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	s.rt.Housekeep()
	f := s.rt.Snapshot().Filter
	writeJSON(w, http.StatusOK, filterResp{Expr: f.Expr, Kept: f.Kept, Discarded: f.Discarded})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	cycles, err := s.rt.Cycles()
	if err != nil {
		s.cycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

type batchResp struct {
	Seq     uint64   `json:"seq"`
	Kind    string   `json:"kind"`
	Entries []string `json:"entries"`
}

// handleCycle serves /v1/satb/cycles/{id}: every archived buffer of one
// cycle with entries rendered as hex addresses.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	cycle, err := id.Parse(strings.TrimPrefix(r.URL.Path, "/v1/satb/cycles/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batches := []batchResp{}
	err = s.rt.ReadCycle(cycle, func(b tracelog.Batch) bool {
		out := batchResp{Seq: b.Seq, Kind: b.Kind.String(), Entries: make([]string, len(b.Entries))}
		for i, e := range b.Entries {
			out.Entries[i] = fmt.Sprintf("%#x", e)
		}
		batches = append(batches, out)
		return true
	})
	if err != nil {
		s.cycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": cycle, "batches": batches})
}

func (s *Server) cycleError(w http.ResponseWriter, err error) {
	if errors.Is(err, runtime.ErrTraceDisabled) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.logger.Error("read trace archive", logpkg.Err(err))
	writeError(w, http.StatusInternalServerError, err)
}

// Upper bounds on one simulate request.
const (
	maxSimMutators = 64
	maxSimStores   = 1_000_000
)

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	opts := runtime.SimOptions{Mutators: 4, Stores: 1000, Seed: uint64(time.Now().UnixNano())}
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if opts.Mutators > maxSimMutators || opts.Stores > maxSimStores {
		writeError(w, http.StatusBadRequest, fmt.Errorf("simulate: at most %d mutators and %d stores per mutator", maxSimMutators, maxSimStores))
		return
	}
	rep, err := s.rt.Simulate(r.Context(), opts)
	switch {
	case errors.Is(err, runtime.ErrMarkingActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, runtime.ErrInvariantBroken):
		writeJSON(w, http.StatusInternalServerError, rep)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}
