package node

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/peerctl/internal/testutil/testlog"
)

func identity(id string, port uint32) Identity {
	return Identity{ID: id, DisplayName: id, HostAddress: "127.0.0.1", CommandPort: port}
}

func TestUpsertReportsNewOnce(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(5 * time.Second)
	now := time.Now()

	if !reg.Upsert(identity("ue-a", 9001), now) {
		t.Fatalf("first upsert must be new")
	}
	if reg.Upsert(identity("ue-a", 9001), now.Add(time.Second)) {
		t.Fatalf("refresh must not be new")
	}
}

func TestLookupNotFound(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(5 * time.Second)
	if _, err := reg.Lookup("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(5 * time.Second)
	reg.Upsert(identity("ue-a", 9001), time.Now())

	snap := reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 record, got %d", len(snap))
	}
	snap[0].Identity.DisplayName = "mutated"

	rec, err := reg.Lookup("ue-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Identity.DisplayName != "ue-a" {
		t.Fatalf("snapshot mutation leaked into registry: %q", rec.Identity.DisplayName)
	}
}

func TestUpsertRefreshKeepsNewestEndpoint(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(5 * time.Second)
	reg.Upsert(identity("ue-a", 9001), time.Now())
	moved := identity("ue-a", 9002)
	reg.Upsert(moved, time.Now())

	rec, err := reg.Lookup("ue-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Identity.CommandPort != 9002 {
		t.Fatalf("expected refreshed endpoint, got port %d", rec.Identity.CommandPort)
	}
}

func TestEvictExpiredFiresLostExactlyOnce(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(100 * time.Millisecond)
	events, cancel := reg.Subscribe(8)
	defer cancel()

	start := time.Now()
	reg.Upsert(identity("ue-b", 9002), start)

	// Found event from the upsert.
	select {
	case ev := <-events:
		if ev.Kind != EventFound || ev.Identity.ID != "ue-b" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected a found event")
	}

	removed := reg.EvictExpired(start.Add(200 * time.Millisecond))
	if len(removed) != 1 || removed[0] != "ue-b" {
		t.Fatalf("unexpected eviction set: %v", removed)
	}
	if len(reg.Snapshot()) != 0 {
		t.Fatalf("record still present after eviction")
	}

	select {
	case ev := <-events:
		if ev.Kind != EventLost || ev.Identity.ID != "ue-b" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected a lost event")
	}

	// A second sweep must not fire again.
	if removed := reg.EvictExpired(start.Add(time.Second)); len(removed) != 0 {
		t.Fatalf("double eviction: %v", removed)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second lost event: %+v", ev)
	default:
	}
}

func TestStaleStateBeforeSweep(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(10 * time.Millisecond)
	reg.Upsert(identity("ue-c", 9003), time.Now().Add(-time.Second))

	rec, err := reg.Lookup("ue-c")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.State != StateStale {
		t.Fatalf("expected stale record, got %q", rec.State)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(5 * time.Second)
	_, cancel := reg.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 16; i++ {
			reg.Upsert(identity(string(rune('a'+i)), 9001), time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("notify blocked on a full subscriber")
	}
}

func TestIdentityValidate(t *testing.T) {
	testlog.Start(t)
	if err := (Identity{ID: "x", CommandPort: 9001}).Validate(); err != nil {
		t.Fatalf("valid identity rejected: %v", err)
	}
	if err := (Identity{CommandPort: 9001}).Validate(); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	if err := (Identity{ID: "x"}).Validate(); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity for port 0, got %v", err)
	}
}

func TestCommandAddr(t *testing.T) {
	testlog.Start(t)
	id := Identity{ID: "x", HostAddress: "192.168.1.20", CommandPort: 9001}
	if got := id.CommandAddr(); got != "192.168.1.20:9001" {
		t.Fatalf("command addr: %q", got)
	}
}
