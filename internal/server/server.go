// Package server exposes the chat relay and conversation history over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chatrelay/internal/relay"
	"github.com/zulandar/chatrelay/internal/store"
)

const shutdownTimeout = 10 * time.Second

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Store *store.Store
	Relay *relay.Relay
	Addr  string // defaults to ":5000"
	Out   io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(st *store.Store, rl *relay.Relay) *gin.Engine {
	router := gin.New()
	router.Use(requestID())
	router.Use(gin.LoggerWithFormatter(logFormat))
	router.Use(gin.Recovery())
	registerRoutes(router, st, rl)
	return router
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully, letting in-flight streams finish for a while.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("server: store is required")
	}
	if opts.Relay == nil {
		return fmt.Errorf("server: relay is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":5000"
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           NewRouter(opts.Store, opts.Relay),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown: %v", err)
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "chatrelay listening on %s\n", opts.Addr)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
