package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentbus/agentbus/internal/breaker"
	"github.com/agentbus/agentbus/internal/broker"
	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/maintenance"
	"github.com/agentbus/agentbus/internal/otel"
	"github.com/agentbus/agentbus/internal/ratelimit"
	"github.com/agentbus/agentbus/internal/registry"
	"github.com/agentbus/agentbus/internal/store"
)

var errNotRunning = errors.New("agentbus is not running")

// StartForeground opens the store, wires the engine layer, starts the
// maintenance sweep loop, and serves /healthz (plus /metrics when
// opts.EnableOtel is set and metrics init succeeds) until ctx is cancelled
// or the listener fails. There is no user-facing HTTP API: agents
// talk to the bus exclusively through the CLI.
func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	if opts.Port == 0 {
		opts.Port = 3548
	}

	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	startPprof(opts.PprofAddr)

	th, err := config.LoadThresholds(opts.Home)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	if opts.MaintenanceCron != "" {
		th.MaintenanceCron = opts.MaintenanceCron
	}

	s, err := store.Open(opts.Home)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = s.Close() }()

	b := broker.New(s, ratelimit.New(th.RateLimitCapacity, th.RateLimitRefillRate), breaker.New(th.BreakerThreshold, th.BreakerOpenDuration))
	reg := registry.New(s, th.HeartbeatActive, th.HeartbeatDegraded)

	loop, err := maintenance.NewLoop(s, th.MaintenanceCron)
	if err != nil {
		return fmt.Errorf("maintenance loop: %w", err)
	}
	loop.Start(ctx)

	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	addr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	if err := checkPortAvailable(opts.Port); err != nil {
		return err
	}

	mux := http.NewServeMux()
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "agentbus")
		if err != nil {
			slog.Warn("otel init failed, metrics endpoint disabled", "err", err)
		} else {
			mux.Handle("/metrics", metricsHandler)
			_ = otel.InitMetricsWithAgentCount(ctx, func() (active, degraded, stale int64) {
				a, d, s, _ := reg.LivenessCounts(context.Background())
				return a, d, s
			})
		}
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	// b is otherwise unused here beyond keeping the rate limiter and
	// circuit breaker alive for the lifetime of the process; the CLI opens
	// its own short-lived Broker per invocation over the same database.
	_ = b

	slog.Info("daemon starting", "addr", addr, "home", opts.Home, "maintenance_cron", th.MaintenanceCron)
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("agentbus already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(protectedDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	args := []string{
		"daemon",
		"--home", opts.Home,
		"--port", strconv.Itoa(opts.Port),
	}
	if opts.Dev {
		args = append(args, "--dev")
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}
	if opts.MaintenanceCron != "" {
		args = append(args, "--maintenance-cron", opts.MaintenanceCron)
	}
	args = append(args, "--otel="+strconv.FormatBool(opts.EnableOtel))

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return cmd.Process.Pid, nil
}

func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		// On unix FindProcess always succeeds; keep this for completeness.
		return false, errNotRunning
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pidStr := strings.TrimSpace(string(pb))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	// kill(pid, 0) checks existence/permission on unix.
	if err := syscall.Kill(pid, 0); err != nil {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}
