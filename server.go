package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Server serves the cached reading in the shape of a Shelly Pro 3EM.
// Handlers only read the cache; they never talk to the upstream meter.
type Server struct {
	listen   string
	server   *http.Server
	cache    *Cache
	identity Identity
	started  time.Time
	now      func() time.Time
}

// rpcMethods lists the Gen2 methods served below /rpc.
var rpcMethods = []string{
	"EM.GetStatus",
	"EMData.GetStatus",
	"Shelly.GetDeviceInfo",
	"Shelly.GetStatus",
}

func NewServer(listen string, cache *Cache, identity Identity, accessLog bool) *Server {
	s := &Server{
		listen:   listen,
		cache:    cache,
		identity: identity,
		started:  time.Now(),
		now:      time.Now,
	}
	var h http.Handler = s.router()
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	if accessLog {
		h = handlers.LoggingHandler(os.Stdout, h)
	}
	s.server = &http.Server{
		Addr:    listen,
		Handler: h,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.NotFoundHandler()

	// Gen1
	r.HandleFunc("/shelly", s.handleShelly).Methods(http.MethodGet)
	r.HandleFunc("/settings", s.handleSettings).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/emeter/0", s.handleEMeter).Methods(http.MethodGet)

	// Gen2
	r.HandleFunc("/rpc", s.handleRPCFrame).Methods(http.MethodPost)
	for _, method := range rpcMethods {
		method := method
		r.HandleFunc("/rpc/"+method, func(w http.ResponseWriter, req *http.Request) {
			result, _ := s.rpcResult(method)
			writeJSON(w, http.StatusOK, result)
		}).Methods(http.MethodGet, http.MethodPost)
	}
	return r
}

func (s *Server) Start() {
	log.Printf("[http] Listening on %s", s.listen)
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Printf("[http] Server error: %v", err)
	}
}

func (s *Server) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.server.Shutdown(shutdownCtx)
}

func (s *Server) clock() Clock {
	return Clock{Now: s.now(), Started: s.started}
}

func (s *Server) handleShelly(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildShelly(s.identity))
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildSettings(s.identity))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildStatus(s.cache.Get(), s.identity, s.clock()))
}

func (s *Server) handleEMeter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildEMeter(s.cache.Get()))
}

// rpcResult renders the result of a Gen2 method.
// It reports false if the method is unknown.
func (s *Server) rpcResult(method string) (interface{}, bool) {
	switch method {
	case "EM.GetStatus":
		return BuildEMStatus(s.cache.Get(), s.identity), true
	case "EMData.GetStatus":
		return BuildEMDataStatus(s.cache.Get()), true
	case "Shelly.GetDeviceInfo":
		return BuildDeviceInfo(s.identity), true
	case "Shelly.GetStatus":
		return BuildGen2Status(s.cache.Get(), s.identity, s.clock()), true
	}
	return nil, false
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Src    string          `json:"src"`
	Method string          `json:"method"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Src    string          `json:"src"`
	Dst    string          `json:"dst,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// handleRPCFrame serves a Gen2 JSON-RPC frame posted to /rpc.
func (s *Server) handleRPCFrame(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{
			Src:   s.identity.ID,
			Error: &rpcError{Code: -103, Message: "invalid request frame"},
		})
		return
	}
	resp := rpcResponse{
		ID:  req.ID,
		Src: s.identity.ID,
		Dst: req.Src,
	}
	if result, ok := s.rpcResult(req.Method); ok {
		resp.Result = result
	} else {
		resp.Error = &rpcError{Code: 404, Message: fmt.Sprintf("No handler for %s", req.Method)}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] Cannot write response: %v", err)
	}
}
