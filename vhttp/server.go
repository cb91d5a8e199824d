// Package vhttp serves the control API of a running session client,
// and contains the [Client] that the command line uses to reach it.
package vhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/flipsession/vsession/vengine"
	"github.com/flipsession/vsession/vepoch"
	"github.com/flipsession/vsession/vflip"
	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vstate"
	"github.com/flipsession/vsession/vstore"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is satisfied by [*vengine.Engine].
type Engine interface {
	State(ctx context.Context) (vstate.State, error)
	Dispatch(ctx context.Context, a vstate.Action) (vstate.State, error)
	Submit(ctx context.Context, k vstate.Kind) (vnode.SubmitResult, error)
}

// EpochSource is satisfied by [*vepoch.Poller].
type EpochSource interface {
	Snapshot() vepoch.Snapshot
}

type Server struct {
	done chan struct{}
}

type ServerConfig struct {
	Listener net.Listener

	Engine Engine
	Epochs EpochSource
	Store  vstore.Store

	// Blobs serves flip pictures; optional.
	Blobs *vflip.Blobs

	// Gatherer backs GET /metrics; optional.
	Gatherer prometheus.Gatherer
}

// NewServer serves the control API on cfg.Listener until ctx is canceled.
func NewServer(ctx context.Context, log *slog.Logger, cfg ServerConfig) *Server {
	srv := &http.Server{
		Handler: NewHandler(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s := &Server{
		done: make(chan struct{}),
	}
	go s.serve(log, cfg.Listener, srv)
	go s.waitForShutdown(ctx, srv)

	return s
}

// Wait blocks until the server has stopped.
func (s *Server) Wait() {
	<-s.done
}

func (s *Server) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-s.done:
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (s *Server) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(s.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("Control API shutting down")
		} else {
			log.Info("Control API shutting down due to error", "err", err)
		}
	}
}

// NewHandler returns the router for the control API.
func NewHandler(log *slog.Logger, cfg ServerConfig) http.Handler {
	h := handlers{log: log, cfg: cfg}

	r := mux.NewRouter()

	r.HandleFunc("/state", h.getState).Methods("GET")
	r.HandleFunc("/epoch", h.getEpoch).Methods("GET")

	s := r.PathPrefix("/sessions/{kind:short|long}").Subrouter()
	s.HandleFunc("/next", h.move(func(k vstate.Kind) vstate.Action { return vstate.Next{Kind: k} })).Methods("POST")
	s.HandleFunc("/prev", h.move(func(k vstate.Kind) vstate.Action { return vstate.Prev{Kind: k} })).Methods("POST")
	s.HandleFunc("/pick/{index:[0-9]+}", h.pick).Methods("POST")
	s.HandleFunc("/answer", h.answer).Methods("POST")
	s.HandleFunc("/submit", h.submit).Methods("POST")

	r.HandleFunc("/sessions/long/words/toggle", h.toggleWords).Methods("POST")

	r.HandleFunc("/blobs/{hash}/{index:[0-9]+}", h.getBlob).Methods("GET")

	r.HandleFunc("/settings", h.getSettings).Methods("GET")
	r.HandleFunc("/settings", h.putSettings).Methods("PUT")

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	return r
}

type handlers struct {
	log *slog.Logger
	cfg ServerConfig
}

// AnswerRequest is the body of POST /sessions/{kind}/answer.
type AnswerRequest struct {
	// Answer is the name of a [vstate.Answer], such as "left".
	Answer string `json:"answer"`
}

func (h handlers) getState(w http.ResponseWriter, req *http.Request) {
	st, err := h.cfg.Engine.State(req.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, st)
}

func (h handlers) getEpoch(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.cfg.Epochs.Snapshot())
}

func (h handlers) move(mk func(vstate.Kind) vstate.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		h.dispatch(w, req, mk(routeKind(req)))
	}
}

func (h handlers) pick(w http.ResponseWriter, req *http.Request) {
	idx, err := strconv.Atoi(mux.Vars(req)["index"])
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	h.dispatch(w, req, vstate.Pick{Kind: routeKind(req), Index: idx})
}

func (h handlers) answer(w http.ResponseWriter, req *http.Request) {
	var body AnswerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	a, err := vstate.ParseAnswer(body.Answer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.dispatch(w, req, vstate.AnswerFlip{Kind: routeKind(req), Option: a})
}

func (h handlers) submit(w http.ResponseWriter, req *http.Request) {
	res, err := h.cfg.Engine.Submit(req.Context(), routeKind(req))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, res)
}

func (h handlers) toggleWords(w http.ResponseWriter, req *http.Request) {
	h.dispatch(w, req, vstate.IrrelevantWordsToggled{})
}

func (h handlers) getBlob(w http.ResponseWriter, req *http.Request) {
	if h.cfg.Blobs == nil {
		http.NotFound(w, req)
		return
	}

	vars := mux.Vars(req)
	idx, err := strconv.Atoi(vars["index"])
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	b, ok := h.cfg.Blobs.Get(vars["hash"], idx)
	if !ok {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	if _, err := w.Write(b); err != nil {
		h.log.Debug("Failed to write blob", "err", err)
	}
}

func (h handlers) getSettings(w http.ResponseWriter, req *http.Request) {
	set, err := vstore.LoadSettings(req.Context(), h.cfg.Store)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, set)
}

func (h handlers) putSettings(w http.ResponseWriter, req *http.Request) {
	var set vstore.Settings
	if err := json.NewDecoder(req.Body).Decode(&set); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	saved, err := vstore.SaveSettings(req.Context(), h.cfg.Store, set)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, saved)
}

func (h handlers) dispatch(w http.ResponseWriter, req *http.Request, a vstate.Action) {
	st, err := h.cfg.Engine.Dispatch(req.Context(), a)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, st)
}

// routeKind is only called on routes whose pattern restricts the kind.
func routeKind(req *http.Request) vstate.Kind {
	k, err := vstate.ParseKind(mux.Vars(req)["kind"])
	if err != nil {
		panic(errors.New("BUG: session route matched an invalid kind"))
	}
	return k
}

func (h handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("Failed to encode response", "err", err)
	}
}

func (h handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vengine.ErrAlreadySubmitted):
		status = http.StatusConflict
	case errors.Is(err, vengine.ErrCannotSubmit):
		status = http.StatusPreconditionFailed
	case errors.Is(err, vengine.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		var se *vengine.SubmitError
		if errors.As(err, &se) {
			status = http.StatusBadGateway
		}
	}

	if status >= http.StatusInternalServerError {
		h.log.Info("Control API request failed", "status", status, "err", err)
	}
	http.Error(w, err.Error(), status)
}
