// Package supervisor owns the listening sockets, signal handling, graceful
// shutdown and the hot binary handover.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/frontend"
	"github.com/pgdoorman/pgdoorman/pkg/observability"
)

// drainPollInterval is how often the drain loop checks for the last session
// to finish.
const drainPollInterval = 250 * time.Millisecond

// Supervisor wires the frontend service to the operating system.
type Supervisor struct {
	service *frontend.Service
	metrics *observability.Metrics
	logger  *slog.Logger

	listener      net.Listener
	metricsServer *http.Server

	shutdownCh chan os.Signal
}

// New creates a Supervisor for the given service.
func New(service *frontend.Service, metrics *observability.Metrics, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		service:    service,
		metrics:    metrics,
		logger:     logger,
		shutdownCh: make(chan os.Signal, 4),
	}
}

// Run listens, serves and blocks until shutdown. The listening socket is
// opened with SO_REUSEPORT so a graceful binary upgrade can bind the same
// port before this process stops accepting.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.service.Config()

	runtime.GOMAXPROCS(cfg.General.WorkerThreads)
	if cfg.General.WorkerCPUAffinityPinning {
		s.pinCPUs(cfg.General.WorkerThreads)
	}

	addr := net.JoinHostPort(cfg.General.Host, fmt.Sprint(cfg.General.Port))
	listener, err := listenReusePort(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("listening", "addr", addr)

	if cfg.Prometheus != nil {
		s.startMetricsServer(cfg.Prometheus)
	}

	s.service.OnShutdownRequest(func() {
		s.shutdownCh <- syscall.SIGTERM
	})

	go s.acceptLoop(ctx)
	go s.gaugeLoop(ctx)

	signal.Notify(s.shutdownCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(s.shutdownCh)

	for {
		select {
		case <-ctx.Done():
			s.immediateShutdown()
			return ctx.Err()

		case sig := <-s.shutdownCh:
			switch sig {
			case syscall.SIGHUP:
				if err := s.service.ReloadFromDisk(); err != nil {
					s.logger.Error("reload failed", "error", err)
				}

			case syscall.SIGTERM:
				s.logger.Info("received SIGTERM, shutting down")
				s.immediateShutdown()
				return nil

			case syscall.SIGINT:
				s.logger.Info("received SIGINT, starting graceful binary upgrade")
				return s.gracefulUpgrade()
			}
		}
	}
}

func (s *Supervisor) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
		}
		go s.service.HandleConn(ctx, conn)
	}
}

// gaugeLoop refreshes the gauges that mirror live state.
func (s *Supervisor) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.ClientConnectionsActive.Set(float64(s.service.SessionCount()))
			s.metrics.MemoryUsedBytes.Set(float64(s.service.Accountant().Used()))
		}
	}
}

// immediateShutdown closes the listener, aborts client sessions and closes
// every backend.
func (s *Supervisor) immediateShutdown() {
	_ = s.listener.Close()
	s.stopMetricsServer()
	s.service.BeginDrain()
	s.service.ForceDrain()
	s.service.Shutdown()
}

// gracefulUpgrade execs a fresh copy of the binary, which binds the same
// port via SO_REUSEPORT. This process stops accepting but keeps serving
// in-flight sessions; any session still bound after shutdown_timeout gets
// SQLSTATE 58006 at its next statement boundary. Cancel routing keeps
// working here until the last session ends.
func (s *Supervisor) gracefulUpgrade() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate executable for upgrade: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start new binary: %w", err)
	}
	s.logger.Info("started replacement process", "pid", cmd.Process.Pid)

	// Stop accepting; the new process owns the port now.
	_ = s.listener.Close()
	s.stopMetricsServer()
	s.service.BeginDrain()

	timeout := s.service.Config().General.ShutdownTimeout.Std()
	deadline := time.After(timeout)

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			s.logger.Info("shutdown timeout elapsed, disconnecting remaining sessions",
				"sessions", s.service.SessionCount())
			s.service.ForceDrain()
			// Give forced sessions a moment to flush their 58006 errors.
			time.Sleep(drainPollInterval)
			s.service.Shutdown()
			return nil
		case <-ticker.C:
			if s.service.SessionCount() == 0 {
				s.service.Shutdown()
				return nil
			}
		}
	}
}

func (s *Supervisor) startMetricsServer(cfg *config.PrometheusConfig) {
	mux := http.NewServeMux()
	mux.Handle(cfg.GetPath(), promhttp.Handler())
	s.metricsServer = &http.Server{Addr: cfg.GetListen(), Handler: mux}
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	s.logger.Info("prometheus metrics listening", "addr", cfg.GetListen(), "path", cfg.GetPath())
}

func (s *Supervisor) stopMetricsServer() {
	if s.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.metricsServer.Shutdown(ctx)
}

// pinCPUs restricts the process to the first n CPUs.
func (s *Supervisor) pinCPUs(n int) {
	var set unix.CPUSet
	for i := 0; i < n && i < runtime.NumCPU(); i++ {
		set.Set(i)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		s.logger.Warn("cpu affinity pinning failed", "error", err)
	}
}

// listenReusePort opens a TCP listener with SO_REUSEPORT set, allowing a
// replacement process to bind before this one releases the port.
func listenReusePort(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
