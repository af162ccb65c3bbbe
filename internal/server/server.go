// Package server exposes the pairing and session HTTP API.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/talvik/pairline/internal/credstore"
	"github.com/talvik/pairline/internal/history"
	"github.com/talvik/pairline/internal/pairing"
)

// Connection is the slice of the connection supervisor the API needs.
type Connection interface {
	Connected() bool
	PairingMaterial() string
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)
	Terminate()
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Pairing   *pairing.Registry
	Store     credstore.Store
	SessionID string
	Conn      Connection
	History   *history.Log // optional
	Port      int
	Out       io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewEngine(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 3000
	}

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Pairline API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewEngine builds the Gin engine with all routes registered. Split out from
// Start so tests can drive it with httptest.
func NewEngine(opts StartOpts) (*gin.Engine, error) {
	if opts.Pairing == nil {
		return nil, fmt.Errorf("server: pairing registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("server: credential store is required")
	}
	if opts.SessionID == "" {
		return nil, fmt.Errorf("server: session ID is required")
	}
	if opts.Conn == nil {
		return nil, fmt.Errorf("server: connection is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}
