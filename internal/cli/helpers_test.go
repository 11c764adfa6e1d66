package cli

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cmdward/cmdward/internal/allowlist"
	"github.com/cmdward/cmdward/internal/config"
	"github.com/cmdward/cmdward/internal/daemon"
	"github.com/cmdward/cmdward/internal/history"
)

// runCLI executes the command tree with args and captures combined output.
// Package-level flag state is reset afterwards so tests stay independent.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlags()
	}()

	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func resetFlags() {
	flagConfigDir = ""
	flagLogLevel = ""
	flagInitForce = false
	flagInitJSON = false
	flagPendingJSON = false
	flagResolveBy = ""
	flagResolveJSON = false
	flagRequestID = ""
	flagRequestCwd = ""
	flagRequestAgent = ""
	flagRequestHost = ""
	flagRequestTimeout = 0
	flagRequestJSON = false
	flagAllowlistAgent = allowlist.DefaultAgent
	flagAllowlistJSON = false
	flagHistoryLimit = 20
	flagHistoryJSON = false
	flagIntegrateProject = ""
	flagIntegrateMerge = true
}

// startTestDaemon runs a gate and IPC server on dir's default paths. mutate
// may seed the allowlist before the gate loads it.
func startTestDaemon(t *testing.T, dir string, mutate func(*allowlist.File)) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig(dir)
	logger := log.NewWithOptions(io.Discard, log.Options{})

	file := &allowlist.File{Version: allowlist.SchemaVersion}
	if mutate != nil {
		mutate(file)
	}
	if err := allowlist.Save(cfg.Allowlist.Path, file); err != nil {
		t.Fatalf("saving allowlist: %v", err)
	}

	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		t.Fatalf("opening history: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	gate, err := daemon.NewGate(daemon.GateOptions{
		AllowlistPath:  cfg.Allowlist.Path,
		DefaultTimeout: 5 * time.Second,
		History:        hist,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("creating gate: %v", err)
	}

	srv, err := daemon.NewIPCServer(cfg.Daemon.SocketPath, gate, logger)
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	waitForDaemon(t, cfg.Daemon.SocketPath)
	return cfg
}

func waitForDaemon(t *testing.T, socketPath string) {
	t.Helper()
	client := daemon.NewIPCClient(socketPath)
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		err := client.Ping(ctx)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon did not come up")
}

// parkRequest submits command on its own connection and reports the id once
// the daemon holds it pending.
func parkRequest(t *testing.T, cfg *config.Config, id, command string) {
	t.Helper()

	client := daemon.NewIPCClient(cfg.Daemon.SocketPath)
	go func() {
		defer client.Close()
		client.RequestApproval(context.Background(), daemon.ApprovalRequest{
			ID:      id,
			Command: command,
			AgentID: "builder",
		})
	}()

	poller := daemon.NewIPCClient(cfg.Daemon.SocketPath)
	defer poller.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		result, err := poller.Pending(context.Background())
		if err == nil {
			for _, p := range result.Pending {
				if p.ID == id {
					return
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never parked", id)
}
