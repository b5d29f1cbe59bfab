// Package dashboard serves live training curves recorded in a progress store.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-voxnet/config"
	"github.com/tsawler/go-voxnet/progress"
)

// ErrPortsExhausted is returned when every attempted port is already bound.
var ErrPortsExhausted = errors.New("no free dashboard port")

// Store is the read side of a curve store.
type Store interface {
	Runs() ([]progress.RunInfo, error)
	Run(id string) (progress.RunInfo, error)
	Events(runID string) ([]progress.Event, error)
}

// Server is a running dashboard.
type Server struct {
	srv    *http.Server
	addr   net.Addr
	done   chan error
	logger zerolog.Logger
}

// Start binds the configured port, moving to the next one while it is in
// use, up to cfg.Attempts ports. The server runs until Shutdown.
func Start(cfg config.Dashboard, store Store, logger zerolog.Logger) (*Server, error) {
	ln, err := listen(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		srv: &http.Server{
			Handler:           NewRouter(store, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		addr:   ln.Addr(),
		done:   make(chan error, 1),
		logger: logger,
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	logger.Info().Str("url", s.URL()).Msg("Dashboard started")
	return s, nil
}

func listen(cfg config.Dashboard, logger zerolog.Logger) (net.Listener, error) {
	attempts := max(cfg.Attempts, 1)
	if cfg.Port == 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		port := cfg.Port
		if port != 0 {
			port += i
		}
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		logger.Debug().Str("addr", addr).Msg("Port in use, trying the next one")
	}
	return nil, fmt.Errorf("%w: tried %d port(s) from %d", ErrPortsExhausted, attempts, cfg.Port)
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.addr }

// URL returns the dashboard root URL.
func (s *Server) URL() string { return "http://" + s.addr.String() + "/" }

// Shutdown stops the server and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
