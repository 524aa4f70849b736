package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"bridgectl/internal/portforwarding"
	"bridgectl/pkg/logging"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// runUntilInterrupted runs g together with a signal actor. SIGINT and SIGTERM
// end the group cleanly.
func runUntilInterrupted(ctx context.Context, g *run.Group) error {
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	err := g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logging.Info("CLI", "Received %s, shutting down", sigErr.Signal)
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// addStopper adds an actor that blocks until the group is interrupted and then
// calls stop.
func addStopper(g *run.Group, stop func()) {
	done := make(chan struct{})
	g.Add(func() error {
		<-done
		return nil
	}, func(error) {
		stop()
		close(done)
	})
}

func newRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return reg, nil
}

// addHTTPServer serves handler on addr for the lifetime of the group.
func addHTTPServer(g *run.Group, name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s for %s: %w", addr, name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	logging.Info("CLI", "Serving %s on %s", name, ln.Addr())
	g.Add(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return nil
}

// addMetricsServer exposes the forwarding metrics when --metrics-address is set.
func addMetricsServer(g *run.Group) error {
	if rootMetricsAddress == "" {
		return nil
	}
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	if err := portforwarding.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return addHTTPServer(g, "metrics", rootMetricsAddress, mux)
}
