// Package rest exposes the diagnostics and administration HTTP API.
package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/commatea/pzem-bridge/pkg/api/middleware"
	"github.com/commatea/pzem-bridge/pkg/api/ws"
	"github.com/commatea/pzem-bridge/pkg/core"
	"github.com/commatea/pzem-bridge/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the REST API server.
type Server struct {
	engine *core.Engine
	hub    *ws.Hub
	srv    *http.Server
	config ServerConfig
	log    *logger.Logger
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Port int
}

// NewServer creates a new REST API server. hub may be nil to disable
// the live stream endpoint.
func NewServer(engine *core.Engine, hub *ws.Hub, config ServerConfig, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	return &Server{
		engine: engine,
		hub:    hub,
		config: config,
		log:    log,
	}
}

// Start starts the API server.
func (s *Server) Start() error {
	r := mux.NewRouter()
	s.registerRoutes(r)

	if auth := s.engine.Config().API.Auth; auth.Enabled {
		r.Use(middleware.NewAPIKeyAuth(auth.Keys, auth.JWTSecret).Handler)
		s.log.Info("api authentication enabled")
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	if s.config.Port == 0 {
		addr = ":8080"
	}

	s.srv = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	s.log.Info("api server listening", "addr", addr)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server", "err", err)
		}
	}()

	return nil
}

// Stop stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/reading", s.handleReading).Methods("GET")
	v1.HandleFunc("/samples", s.handleSamples).Methods("GET")
	v1.HandleFunc("/energy/reset", s.handleEnergyReset).Methods("POST")
	v1.HandleFunc("/address", s.handleChangeAddress).Methods("POST")

	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.Handler()).Methods("GET")
	}
}
