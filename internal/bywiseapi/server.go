// Package bywiseapi serves the node web API: the peer endpoints the overlay
// gossips through and the public endpoints wallets and explorers read.
package bywiseapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/bywise/go-bywise/core"
	"github.com/bywise/go-bywise/log"
	"github.com/bywise/go-bywise/network"
)

// Server exposes the node API over HTTP, optionally TLS.
type Server struct {
	overlay   *network.Overlay
	pipelines map[string]*core.Pipeline
	router    *httprouter.Router
	log       log.Logger

	srv *http.Server
}

// NewServer builds the API surface over the given overlay and pipelines.
func NewServer(overlay *network.Overlay, pipelines map[string]*core.Pipeline) *Server {
	s := &Server{
		overlay:   overlay,
		pipelines: pipelines,
		router:    httprouter.New(),
		log:       log.New("module", "api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.POST("/api/v2/nodes/handshake", s.handshake)
	r.GET("/api/v2/nodes/try-token", s.tryToken)
	r.GET("/api/v2/nodes", s.listNodes)

	r.POST("/api/v2/transactions", s.postTx)
	r.GET("/api/v2/transactions/hash/:hash", s.getTx)
	r.GET("/api/v2/transactions/last/:chain", s.getLastTxs)

	r.POST("/api/v2/slices", s.postSlice)
	r.GET("/api/v2/slices/hash/:hash", s.getSlice)
	r.GET("/api/v2/slices/last/:chain", s.getLastSlices)

	r.POST("/api/v2/blocks", s.postBlock)
	r.GET("/api/v2/blocks/hash/:hash", s.getBlock)
	r.GET("/api/v2/blocks/last/:chain", s.getLastBlock)
	r.GET("/api/v2/blocks/pack/:chain/:height", s.getBlocksPack)

	r.GET("/api/v2/wallets/:address/:chain", s.getWallet)
	r.GET("/api/v2/contracts/:chain/:address", s.getContract)
	r.POST("/api/v2/contracts/simulate", s.simulate)
	r.GET("/api/v2/events/:chain/:contract/:event", s.getEvents)
}

// Handler returns the routed handler with CORS applied, for serving and for
// tests.
func (s *Server) Handler() http.Handler {
	return cors.AllowAll().Handler(s.router)
}

// Start serves the API on addr; certFile and keyFile enable TLS when both
// are set. Serving errors after startup are logged, not returned.
func (s *Server) Start(addr, certFile, keyFile string) {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = s.srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("API server stopped", "err", err)
		}
	}()
	s.log.Info("API server started", "addr", addr, "tls", certFile != "" && keyFile != "")
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// --- helpers ---

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// nodeToken extracts the bearer token of a "Node <token>" authorization.
func nodeToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Node ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Node ")
}

func (s *Server) pipeline(chain string) *core.Pipeline {
	return s.pipelines[chain]
}

func senderHost(r *http.Request) string {
	return r.Header.Get(network.HostHeader)
}
