package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/peerctl/internal/channel"
	"github.com/danmuck/peerctl/internal/config"
	"github.com/danmuck/peerctl/internal/exec"
	"github.com/danmuck/peerctl/internal/node"
	"github.com/danmuck/peerctl/internal/protocol/wire"
	"github.com/danmuck/peerctl/internal/testutil/testlog"
)

const (
	testGroup = "239.83.17.251"
	testPort  = 28917
)

func testConfig(id string, port int) config.NodeConfig {
	cfg := config.DefaultNodeConfig()
	cfg.ID = id
	cfg.CommandBind = "127.0.0.1:0"
	cfg.MulticastGroup = testGroup
	cfg.MulticastPort = port
	cfg.BeaconInterval = 100 * time.Millisecond
	cfg.TTL = time.Second
	cfg.DefaultTimeout = 2 * time.Second
	return cfg
}

func startSession(t *testing.T, id string, port int) *Session {
	t.Helper()
	s, err := NewSession(testConfig(id, port), nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(s.Stop)
	return s
}

func waitForPeer(t *testing.T, s *Session, peerID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records, err := s.DiscoveredNodes()
		if err != nil {
			t.Fatalf("discovered nodes: %v", err)
		}
		for _, rec := range records {
			if rec.Identity.ID == peerID {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never discovered %s", s.Self().ID, peerID)
}

func TestTwoNodesDiscoverAndRunCommand(t *testing.T) {
	testlog.Start(t)
	a := startSession(t, "ue-a", testPort)
	b := startSession(t, "ue-b", testPort)

	waitForPeer(t, a, "ue-b")
	waitForPeer(t, b, "ue-a")

	ch, err := a.OpenCommandConnection(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resp, err := a.RunCommand(ch, "2+2", wire.ExecuteStatement, 2*time.Second)
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !resp.Success || resp.Output != "4" || len(resp.Errors) != 0 {
		t.Fatalf("response: %+v", resp)
	}
}

func TestStartIsNotReentrant(t *testing.T) {
	testlog.Start(t)
	s := startSession(t, "ue-solo", testPort+1)
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	s.Stop()
	s.Stop() // safe to repeat

	if _, err := s.DiscoveredNodes(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestOpenConnectionToUnknownNode(t *testing.T) {
	testlog.Start(t)
	s := startSession(t, "ue-solo", testPort+2)
	if _, err := s.OpenCommandConnection(context.Background(), "ue-ghost"); !errors.Is(err, node.ErrNotFound) {
		t.Fatalf("expected node.ErrNotFound, got %v", err)
	}
}

func TestPeerStopResolvesPendingRunWithConnectionLost(t *testing.T) {
	testlog.Start(t)
	a := startSession(t, "ue-a", testPort+3)

	// B never answers, so A's run is guaranteed to be in flight when B
	// goes away.
	blocker := exec.RunnerFunc(func(ctx context.Context, _ exec.Request) exec.Result {
		<-ctx.Done()
		return exec.Result{}
	})
	b, err := NewSession(testConfig("ue-b", testPort+3), blocker)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	t.Cleanup(b.Stop)

	waitForPeer(t, a, "ue-b")
	ch, err := a.OpenCommandConnection(context.Background(), "ue-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.RunCommand(ch, "1+1", wire.ExecuteStatement, 10*time.Second)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	b.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, channel.ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("pending run never resolved")
	}
}

func TestSelfReportsBoundPort(t *testing.T) {
	testlog.Start(t)
	s := startSession(t, "ue-a", testPort+4)
	if s.Self().CommandPort == 0 {
		t.Fatalf("command port not advertised after start")
	}
}

func TestNodeLostEventDelivered(t *testing.T) {
	testlog.Start(t)
	a := startSession(t, "ue-a", testPort+5)
	b := startSession(t, "ue-b", testPort+5)

	waitForPeer(t, a, "ue-b")
	events, cancel, err := a.Events(16)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer cancel()

	b.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == node.EventLost && ev.Identity.ID == "ue-b" {
				return
			}
		case <-deadline:
			t.Fatalf("node lost event never delivered")
		}
	}
}
