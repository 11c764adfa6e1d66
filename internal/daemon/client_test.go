package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cmdward/cmdward/internal/approval"
)

func TestIPCClientPingAndStatus(t *testing.T) {
	t.Parallel()

	socketPath := startTestServer(t)
	ctx := context.Background()

	client := NewIPCClient(socketPath)
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	info, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if info.PendingCount != 0 {
		t.Errorf("PendingCount = %d, want 0", info.PendingCount)
	}
}

func TestIPCClientRequestAndResolve(t *testing.T) {
	t.Parallel()

	socketPath := startTestServer(t)
	ctx := context.Background()

	requester := NewIPCClient(socketPath)
	defer requester.Close()
	resolver := NewIPCClient(socketPath)
	defer resolver.Close()

	type reqOutcome struct {
		result *approval.RequestResult
		err    error
	}
	resultCh := make(chan reqOutcome, 1)
	go func() {
		result, err := requester.RequestApproval(ctx, ApprovalRequest{
			ID:      "cli-1",
			Command: "kubectl delete ns prod",
			AgentID: "deployer",
		})
		resultCh <- reqOutcome{result, err}
	}()

	// Wait until the request is visible, then approve it.
	deadline := time.Now().Add(3 * time.Second)
	for {
		pending, err := resolver.Pending(ctx)
		if err != nil {
			t.Fatalf("Pending() error = %v", err)
		}
		if len(pending.Pending) == 1 {
			if pending.Pending[0].ID != "cli-1" {
				t.Fatalf("pending id = %q, want cli-1", pending.Pending[0].ID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, err := resolver.Resolve(ctx, "cli-1", approval.DecisionAllowAlways, "operator")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.OK {
		t.Error("Resolve() ok = false")
	}

	select {
	case o := <-resultCh:
		if o.err != nil {
			t.Fatalf("RequestApproval() error = %v", o.err)
		}
		if o.result.Decision == nil || *o.result.Decision != approval.DecisionAllowAlways {
			t.Errorf("decision = %v, want allow-always", o.result.Decision)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestIPCClientResolveUnknownID(t *testing.T) {
	t.Parallel()

	socketPath := startTestServer(t)

	client := NewIPCClient(socketPath)
	defer client.Close()

	_, err := client.Resolve(context.Background(), "ghost", approval.DecisionDeny, "op")
	if err == nil {
		t.Fatal("expected not-found error")
	}
	var herr *approval.Error
	if !errors.As(err, &herr) || herr.Code != approval.CodeNotFound {
		t.Errorf("error = %v, want approval not-found", err)
	}
}

func TestIPCClientSubscribe(t *testing.T) {
	t.Parallel()

	socketPath := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := NewIPCClient(socketPath)
	defer watcher.Close()
	events, err := watcher.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	requester := NewIPCClient(socketPath)
	defer requester.Close()
	go requester.RequestApproval(ctx, ApprovalRequest{ID: "sub-1", Command: "reboot"})

	select {
	case evt := <-events:
		if evt.Type != approval.EventRequested {
			t.Errorf("event type = %q, want %q", evt.Type, approval.EventRequested)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no requested event received")
	}

	resolver := NewIPCClient(socketPath)
	defer resolver.Close()
	if _, err := resolver.Resolve(ctx, "sub-1", approval.DecisionDeny, "op"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != approval.EventResolved {
			t.Errorf("event type = %q, want %q", evt.Type, approval.EventResolved)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no resolved event received")
	}
}

func TestIPCClientSubscribeSurvivesIdleGap(t *testing.T) {
	t.Parallel()

	socketPath := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := NewIPCClient(socketPath)
	defer watcher.Close()
	events, err := watcher.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// A human-paced session sits idle between events. The stream must
	// still deliver after a quiet stretch.
	time.Sleep(400 * time.Millisecond)

	requester := NewIPCClient(socketPath)
	defer requester.Close()
	go requester.RequestApproval(ctx, ApprovalRequest{ID: "idle-1", Command: "shutdown -h now"})

	select {
	case evt := <-events:
		if evt.Type != approval.EventRequested {
			t.Errorf("event type = %q, want %q", evt.Type, approval.EventRequested)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered after idle gap")
	}

	// A second idle stretch before the terminal event.
	time.Sleep(300 * time.Millisecond)

	resolver := NewIPCClient(socketPath)
	defer resolver.Close()
	if _, err := resolver.Resolve(ctx, "idle-1", approval.DecisionDeny, "op"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != approval.EventResolved {
			t.Errorf("event type = %q, want %q", evt.Type, approval.EventResolved)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no resolved event delivered after idle gap")
	}
}

func TestIPCClientSubscribeStopsOnCancel(t *testing.T) {
	t.Parallel()

	socketPath := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	watcher := NewIPCClient(socketPath)
	defer watcher.Close()
	events, err := watcher.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected channel close, got event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event channel not closed after cancel")
	}
}

func TestIPCClientNotConnected(t *testing.T) {
	t.Parallel()

	client := NewIPCClient("/nonexistent/daemon.sock")
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected connection error")
	}
}
