package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/peerctl/internal/exec"
	"github.com/danmuck/peerctl/internal/node"
	"github.com/danmuck/peerctl/internal/protocol/wire"
	"github.com/danmuck/peerctl/internal/testutil/testlog"
)

func testIdentity(id string, port uint32) node.Identity {
	return node.Identity{
		ID:          id,
		DisplayName: id,
		HostAddress: "127.0.0.1",
		CommandPort: port,
	}
}

// startListener binds a listener on an ephemeral port and returns its
// identity with the real port filled in.
func startListener(t *testing.T, id string, runner exec.Runner) (*Listener, node.Identity) {
	t.Helper()
	self := testIdentity(id, 0)
	ln := NewListener(self, runner, DefaultConfig())
	if err := ln.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	t.Cleanup(ln.Stop)

	addr := ln.Addr().(*net.TCPAddr)
	self.CommandPort = uint32(addr.Port)
	return ln, self
}

func testDialer(t *testing.T, id string, peers ...node.Identity) (*Dialer, *node.Registry) {
	t.Helper()
	reg := node.NewRegistry(time.Minute)
	for _, p := range peers {
		reg.Upsert(p, time.Now())
	}
	d := NewDialer(testIdentity(id, 9001), reg, DefaultConfig())
	t.Cleanup(d.CloseAll)
	return d, reg
}

func TestOpenUnknownNodeFailsWithoutDialing(t *testing.T) {
	testlog.Start(t)
	d, _ := testDialer(t, "ue-a")
	if _, err := d.Open(context.Background(), "ue-ghost"); !errors.Is(err, node.ErrNotFound) {
		t.Fatalf("expected node.ErrNotFound, got %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	testlog.Start(t)
	_, peer := startListener(t, "ue-b", exec.NewStatementRunner())
	d, _ := testDialer(t, "ue-a", peer)

	first, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same channel on repeated open")
	}
	if got := d.OpenPeers(); len(got) != 1 || got[0] != "ue-b" {
		t.Fatalf("open peers: %v", got)
	}
}

func TestOpenUnreachablePeerFails(t *testing.T) {
	testlog.Start(t)
	// Reserve a port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := uint32(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()

	d, _ := testDialer(t, "ue-a", testIdentity("ue-b", port))
	if _, err := d.Open(context.Background(), "ue-b"); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
}

func TestSendReceivesCorrelatedResponse(t *testing.T) {
	testlog.Start(t)
	_, peer := startListener(t, "ue-b", exec.NewStatementRunner())
	d, _ := testDialer(t, "ue-a", peer)

	ch, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resp, err := ch.Send("2+2", wire.ExecuteStatement, false, 2*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success || resp.Output != "4" {
		t.Fatalf("response: %+v", resp)
	}
	if resp.SourceID != "ue-b" {
		t.Fatalf("source: %q", resp.SourceID)
	}
}

func TestConcurrentSendsCorrelateUnderReordering(t *testing.T) {
	testlog.Start(t)
	// Slow every third command so responses come back out of order.
	runner := exec.RunnerFunc(func(_ context.Context, req exec.Request) exec.Result {
		if strings.HasPrefix(req.Command, "3*") {
			time.Sleep(50 * time.Millisecond)
		}
		out, err := exec.EvalStatement(req.Command)
		if err != nil {
			return exec.Result{Errors: []string{err.Error()}}
		}
		return exec.Result{Success: true, Output: out}
	})
	_, peer := startListener(t, "ue-b", runner)
	d, _ := testDialer(t, "ue-a", peer)
	ch, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 1; i <= 30; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := ch.Send(fmt.Sprintf("%d*%d", n%5+1, n), wire.EvaluateStatement, false, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			want := fmt.Sprintf("%d", (n%5+1)*n)
			if resp.Output != want {
				errs <- fmt.Errorf("command %d: got %q want %q", n, resp.Output, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent send: %v", err)
	}
}

func TestZeroTimeoutTimesOutAndChannelSurvives(t *testing.T) {
	testlog.Start(t)
	runner := exec.RunnerFunc(func(_ context.Context, req exec.Request) exec.Result {
		time.Sleep(20 * time.Millisecond)
		out, _ := exec.EvalStatement(req.Command)
		return exec.Result{Success: true, Output: out}
	})
	_, peer := startListener(t, "ue-b", runner)
	d, _ := testDialer(t, "ue-a", peer)
	ch, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := ch.Send("1+1", wire.ExecuteStatement, false, 0); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	// The late response must not poison the channel.
	resp, err := ch.Send("2+2", wire.ExecuteStatement, false, 2*time.Second)
	if err != nil {
		t.Fatalf("send after timeout: %v", err)
	}
	if resp.Output != "4" {
		t.Fatalf("output: %q", resp.Output)
	}
}

func TestUnattendedSendCompletesOnAck(t *testing.T) {
	testlog.Start(t)
	started := make(chan struct{}, 1)
	runner := exec.RunnerFunc(func(_ context.Context, req exec.Request) exec.Result {
		started <- struct{}{}
		time.Sleep(100 * time.Millisecond)
		return exec.Result{Success: true, Output: "late"}
	})
	_, peer := startListener(t, "ue-b", runner)
	d, _ := testDialer(t, "ue-a", peer)
	ch, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// The ack comes back before the command finishes executing.
	resp, err := ch.Send("9*9", wire.ExecuteStatement, true, 2*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success || resp.Output != "" {
		t.Fatalf("ack response: %+v", resp)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("unattended command never ran")
	}
}

func TestListenerStopFailsWaitersWithConnectionLost(t *testing.T) {
	testlog.Start(t)
	runner := exec.RunnerFunc(func(ctx context.Context, _ exec.Request) exec.Result {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return exec.Result{Success: true}
	})
	ln, peer := startListener(t, "ue-b", runner)
	d, _ := testDialer(t, "ue-a", peer)
	ch, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ch.Send("1+1", wire.ExecuteStatement, false, 10*time.Second)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	ln.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("waiter never failed")
	}
	if !ch.Closed() {
		t.Fatalf("channel must be closed after transport loss")
	}
	if _, err := ch.Send("1+1", wire.ExecuteStatement, false, time.Second); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("send on dead channel: %v", err)
	}
}

func TestExplicitCloseYieldsChannelClosed(t *testing.T) {
	testlog.Start(t)
	_, peer := startListener(t, "ue-b", exec.NewStatementRunner())
	d, _ := testDialer(t, "ue-a", peer)
	ch, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := d.Close("ue-b"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := ch.Send("1+1", wire.ExecuteStatement, false, time.Second); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	// Closing an already-closed peer is a no-op.
	if err := d.Close("ue-b"); err != nil {
		t.Fatalf("double close: %v", err)
	}

	// Reopen establishes a fresh channel.
	fresh, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if fresh == ch {
		t.Fatalf("reopen returned the closed channel")
	}
	resp, err := fresh.Send("6*7", wire.ExecuteStatement, false, 2*time.Second)
	if err != nil || resp.Output != "42" {
		t.Fatalf("send on fresh channel: %v %+v", err, resp)
	}
}

func TestCommandErrorsTravelBack(t *testing.T) {
	testlog.Start(t)
	_, peer := startListener(t, "ue-b", exec.NewStatementRunner())
	d, _ := testDialer(t, "ue-a", peer)
	ch, err := d.Open(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resp, err := ch.Send("2+", wire.ExecuteStatement, false, 2*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || len(resp.Errors) == 0 {
		t.Fatalf("expected a failed response with errors, got %+v", resp)
	}
}
