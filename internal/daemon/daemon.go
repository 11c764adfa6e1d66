package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cmdward/cmdward/internal/allowlist"
	"github.com/cmdward/cmdward/internal/config"
	"github.com/cmdward/cmdward/internal/history"
	"github.com/cmdward/cmdward/internal/logging"
)

const daemonModeEnv = "CMDWARD_DAEMON_MODE"

// ServerOptions configures daemon lifecycle behavior.
type ServerOptions struct {
	Config *config.Config
	Logger *log.Logger
}

// StartDaemon starts the daemon.
//
// If CMDWARD_DAEMON_MODE=1, it runs in-process (blocks until shutdown).
// Otherwise it forks a detached subprocess with CMDWARD_DAEMON_MODE=1 and
// returns.
func StartDaemon(ctx context.Context, opts ServerOptions) error {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		opts.Config = cfg
	}

	if daemonModeEnabled() {
		return RunDaemon(ctx, opts)
	}

	// Prevent duplicates via PID file.
	if running, pid := daemonRunning(cfg.Daemon.PidPath); running {
		return fmt.Errorf("daemon already running (pid=%d)", pid)
	}

	// Fork this binary with the same args, but in daemon mode.
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonModeEnv+"=1")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon subprocess: %w", err)
	}

	if err := writePIDFile(cfg.Daemon.PidPath, cmd.Process.Pid); err != nil {
		return err
	}

	// Detach so the daemon keeps running after the parent exits.
	_ = cmd.Process.Release()
	return nil
}

// StopDaemon attempts to stop the daemon gracefully.
func StopDaemon(cfg *config.Config, timeout time.Duration) error {
	pid, err := readPIDFile(cfg.Daemon.PidPath)
	if err != nil {
		return fmt.Errorf("reading pid file: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Signal(os.Interrupt)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			_ = os.Remove(cfg.Daemon.PidPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("daemon did not exit within %s (pid=%d)", timeout, pid)
}

// RunDaemon runs the daemon main loop in-process (daemon mode).
func RunDaemon(ctx context.Context, opts ServerOptions) error {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := opts.Logger
	if logger == nil {
		l, closer, err := logging.NewFile(cfg.Log.Level, cfg.Log.File)
		if err != nil {
			return fmt.Errorf("init daemon logger: %w", err)
		}
		defer closer.Close()
		logger = l
	}

	// Ensure PID file exists for clients.
	if err := writePIDFile(cfg.Daemon.PidPath, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(cfg.Daemon.PidPath)
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.SocketPath), 0750); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer hist.Close()

	gate, err := NewGate(GateOptions{
		AllowlistPath:  cfg.Allowlist.Path,
		SafeBins:       cfg.Allowlist.SafeBins,
		DefaultTimeout: time.Duration(cfg.Approvals.DefaultTimeoutMs) * time.Millisecond,
		History:        hist,
		Notifier:       NewNotifier(cfg.Notifications, logger),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating gate: %w", err)
	}

	ipcServer, err := NewIPCServer(cfg.Daemon.SocketPath, gate, logger)
	if err != nil {
		return fmt.Errorf("creating ipc server: %w", err)
	}

	// Stop on signal or context cancellation.
	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Live-reload the allowlist while running.
	watcher, err := allowlist.NewWatcher(cfg.Allowlist.Path, logger)
	if err != nil {
		logger.Warn("allowlist watcher unavailable", "error", err)
	} else {
		if err := watcher.Start(signalCtx); err != nil {
			logger.Warn("allowlist watcher start failed", "error", err)
		} else {
			defer watcher.Stop()
			go func() {
				for {
					select {
					case <-signalCtx.Done():
						return
					case _, ok := <-watcher.Events():
						if !ok {
							return
						}
						if err := gate.Reload(); err != nil {
							logger.Warn("allowlist reload failed", "error", err)
						}
					case err, ok := <-watcher.Errors():
						if !ok {
							return
						}
						logger.Warn("allowlist watcher error", "error", err)
					}
				}
			}()
		}
	}

	logger.Info("daemon started",
		"pid", os.Getpid(),
		"pid_file", cfg.Daemon.PidPath,
		"socket", cfg.Daemon.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ipcServer.Start(signalCtx)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("daemon stopping", "reason", "signal_or_context")
		if err := ipcServer.Stop(); err != nil {
			logger.Warn("ipc server stop error", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("ipc server failed", "error", err)
			return fmt.Errorf("ipc server: %w", err)
		}
		return nil
	}
}

// DaemonStatus describes the running daemon from the client's perspective.
type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// CheckDaemon reports whether a daemon is alive per the PID file.
func CheckDaemon(cfg *config.Config) DaemonStatus {
	running, pid := daemonRunning(cfg.Daemon.PidPath)
	return DaemonStatus{Running: running, PID: pid}
}

func daemonModeEnabled() bool {
	v := strings.TrimSpace(os.Getenv(daemonModeEnv))
	return v == "1" || strings.EqualFold(v, "true")
}

func daemonRunning(pidPath string) (bool, int) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return false, 0
	}
	if pid <= 0 {
		return false, 0
	}
	if !processAlive(pid) {
		return false, 0
	}
	return true, pid
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func writePIDFile(path string, pid int) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("pid file path is required")
	}
	if pid <= 0 {
		return fmt.Errorf("pid must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating pid file dir: %w", err)
	}
	data := []byte(fmt.Sprintf("%d\n", pid))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty pid file")
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pid: %w", err)
	}
	return pid, nil
}
