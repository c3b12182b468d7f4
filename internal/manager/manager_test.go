package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/snippetd/internal/bus"
	"github.com/matheus3301/snippetd/internal/cache"
	"github.com/matheus3301/snippetd/internal/status"
	"github.com/matheus3301/snippetd/internal/wa"
	"go.uber.org/zap"
)

type fakeHandle struct {
	loggedIn     bool
	connectErr   error
	disconnected atomic.Bool

	mu    sync.Mutex
	sent  []string
	names map[string]string
}

func (h *fakeHandle) Connect() error { return h.connectErr }

func (h *fakeHandle) Disconnect() { h.disconnected.Store(true) }

func (h *fakeHandle) IsLoggedIn() bool { return h.loggedIn }

func (h *fakeHandle) SendText(_ context.Context, jid, text string) (*wa.Ack, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, jid+": "+text)
	return &wa.Ack{ID: "srv-1", Timestamp: time.Now()}, nil
}

func (h *fakeHandle) SendMedia(_ context.Context, jid string, _ wa.OutboundMedia) (*wa.Ack, error) {
	return &wa.Ack{ID: "srv-2", Timestamp: time.Now()}, nil
}

func (h *fakeHandle) DownloadMedia(_ context.Context, _ *cache.Media) ([]byte, error) {
	return []byte{1, 2, 3}, nil
}

func (h *fakeHandle) GroupName(_ context.Context, jid string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name, ok := h.names[jid]
	if !ok {
		return "", errors.New("unknown group")
	}
	return name, nil
}

type fakeDialer struct {
	handle *fakeHandle
	err    error
	dials  atomic.Int64
}

func (d *fakeDialer) Dial(_ context.Context) (Handle, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.handle, nil
}

type fixture struct {
	manager *Manager
	machine *status.Machine
	bus     *bus.Bus
	dialer  *fakeDialer
	flusher *cache.Flusher
}

func newFixture(t *testing.T, handle *fakeHandle) *fixture {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	c := cache.New(filepath.Join(t.TempDir(), "store.json"))
	flusher := cache.NewFlusher(c, time.Minute, func() bool {
		return machine.Current() == status.Open
	}, zap.NewNop())
	dialer := &fakeDialer{handle: handle}

	m := New(dialer, machine, c, flusher, b, zap.NewNop())
	m.Start()
	t.Cleanup(m.Stop)

	return &fixture{manager: m, machine: machine, bus: b, dialer: dialer, flusher: flusher}
}

func waitForState(t *testing.T, machine *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for machine.Current() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", machine.Current(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) emit(kind string, payload any) {
	f.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func TestConnectLoggedIn(t *testing.T) {
	f := newFixture(t, &fakeHandle{loggedIn: true})

	if err := f.manager.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := f.machine.Current(); got != status.Connecting {
		t.Errorf("state = %s, want CONNECTING", got)
	}

	f.emit("wa.connected", nil)
	waitForState(t, f.machine, status.Open)
	if !f.manager.IsConnected() {
		t.Error("IsConnected() = false after open")
	}
	if !f.flusher.Running() {
		t.Error("flusher not running after connect")
	}
}

func TestConnectNeedsPairing(t *testing.T) {
	f := newFixture(t, &fakeHandle{loggedIn: false})

	if err := f.manager.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.machine.Current(); got != status.Pairing {
		t.Fatalf("state = %s, want PAIRING", got)
	}

	f.emit("wa.pairing_code", "2@abc123")
	deadline := time.Now().Add(2 * time.Second)
	for f.manager.PairingToken() != "2@abc123" {
		if time.Now().After(deadline) {
			t.Fatalf("token = %q, want 2@abc123", f.manager.PairingToken())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Linking completes: PAIRING walks through CONNECTING to OPEN and the
	// token becomes unavailable.
	f.emit("wa.connected", nil)
	waitForState(t, f.machine, status.Open)
	if f.manager.PairingToken() != "" {
		t.Errorf("token = %q after open, want empty", f.manager.PairingToken())
	}
}

func TestTransientDisconnectReconnects(t *testing.T) {
	f := newFixture(t, &fakeHandle{loggedIn: true})

	if err := f.manager.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.manager.mu.Lock()
	f.manager.backoff = 10 * time.Millisecond
	f.manager.mu.Unlock()

	f.emit("wa.disconnected", wa.DisconnectCause{Reason: "stream error"})

	deadline := time.Now().Add(2 * time.Second)
	for f.dialer.dials.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, want redial", f.dialer.dials.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitForState(t, f.machine, status.Connecting)
}

// freshDialer returns a new handle per dial, mirroring how every dial builds
// a new protocol client.
type freshDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (d *freshDialer) Dial(_ context.Context) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &fakeHandle{loggedIn: true}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *freshDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *freshDialer) handle(i int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

func TestRedialTearsDownPreviousHandle(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	c := cache.New(filepath.Join(t.TempDir(), "store.json"))
	flusher := cache.NewFlusher(c, time.Minute, func() bool {
		return machine.Current() == status.Open
	}, zap.NewNop())
	dialer := &freshDialer{}
	m := New(dialer, machine, c, flusher, b, zap.NewNop())
	m.Start()
	t.Cleanup(m.Stop)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.Publish(bus.Event{Kind: "wa.connected", Timestamp: time.Now()})
	waitForState(t, machine, status.Open)

	m.mu.Lock()
	m.backoff = 10 * time.Millisecond
	m.mu.Unlock()

	b.Publish(bus.Event{Kind: "wa.disconnected", Timestamp: time.Now(),
		Payload: wa.DisconnectCause{Reason: "stream error"}})

	deadline := time.Now().Add(2 * time.Second)
	for dialer.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("handles = %d, want redial", dialer.count())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Only one handle may stay live: the replaced one is disconnected and
	// the manager points at the new one.
	if !dialer.handle(0).disconnected.Load() {
		t.Error("previous handle not disconnected after redial")
	}
	if m.currentHandle() != Handle(dialer.handle(1)) {
		t.Error("manager does not hold the freshly dialed handle")
	}
}

func TestInitialConnectFailureRetries(t *testing.T) {
	f := newFixture(t, &fakeHandle{loggedIn: true, connectErr: errors.New("socket refused")})

	f.manager.mu.Lock()
	f.manager.backoff = 5 * time.Millisecond
	f.manager.mu.Unlock()

	if err := f.manager.Connect(context.Background()); err == nil {
		t.Fatal("Connect() = nil, want error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.dialer.dials.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, want retry after failed connect", f.dialer.dials.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitialDialFailureRetries(t *testing.T) {
	f := newFixture(t, &fakeHandle{loggedIn: true})
	f.dialer.err = errors.New("offline")

	f.manager.mu.Lock()
	f.manager.backoff = 5 * time.Millisecond
	f.manager.mu.Unlock()

	if err := f.manager.Connect(context.Background()); err == nil {
		t.Fatal("Connect() = nil, want error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.dialer.dials.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, want retry after failed dial", f.dialer.dials.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectBeforeStart(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	c := cache.New(filepath.Join(t.TempDir(), "store.json"))
	flusher := cache.NewFlusher(c, time.Minute, func() bool {
		return machine.Current() == status.Open
	}, zap.NewNop())
	m := New(&fakeDialer{handle: &fakeHandle{loggedIn: true}}, machine, c, flusher, b, zap.NewNop())
	t.Cleanup(m.Stop)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() before Start error = %v", err)
	}
	if !flusher.Running() {
		t.Error("flusher not running after connect")
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	f := newFixture(t, &fakeHandle{loggedIn: true})

	if err := f.manager.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.emit("wa.connected", nil)
	waitForState(t, f.machine, status.Open)

	f.emit("wa.disconnected", wa.DisconnectCause{LoggedOut: true, Reason: "logged out"})
	waitForState(t, f.machine, status.Terminal)

	// No automatic redial from a terminal state.
	time.Sleep(100 * time.Millisecond)
	if got := f.dialer.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if f.flusher.Running() {
		t.Error("flusher still running after terminal disconnect")
	}
}

func TestBackoffDoublesAndResets(t *testing.T) {
	f := newFixture(t, &fakeHandle{loggedIn: true})
	m := f.manager

	if got := m.nextBackoff(); got != initialBackoff {
		t.Errorf("first backoff = %v, want %v", got, initialBackoff)
	}
	if got := m.nextBackoff(); got != 2*initialBackoff {
		t.Errorf("second backoff = %v, want %v", got, 2*initialBackoff)
	}

	m.mu.Lock()
	m.backoff = maxBackoff
	m.mu.Unlock()
	m.nextBackoff()
	if got := m.nextBackoff(); got != maxBackoff {
		t.Errorf("capped backoff = %v, want %v", got, maxBackoff)
	}

	m.resetBackoff()
	if got := m.nextBackoff(); got != initialBackoff {
		t.Errorf("backoff after reset = %v, want %v", got, initialBackoff)
	}
}

func TestSendRequiresOpenSession(t *testing.T) {
	f := newFixture(t, &fakeHandle{loggedIn: true})

	_, err := f.manager.SendText(context.Background(), "555@s.whatsapp.net", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	if err := f.manager.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Connecting but not yet open.
	_, err = f.manager.SendText(context.Background(), "555@s.whatsapp.net", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected while connecting", err)
	}

	f.emit("wa.connected", nil)
	waitForState(t, f.machine, status.Open)

	ack, err := f.manager.SendText(context.Background(), "555@s.whatsapp.net", "hi")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if ack == nil || ack.ID == "" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestConnectWhileOpenIsNoop(t *testing.T) {
	f := newFixture(t, &fakeHandle{loggedIn: true})

	if err := f.manager.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.emit("wa.connected", nil)
	waitForState(t, f.machine, status.Open)

	if err := f.manager.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.dialer.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestListChatsResolvesGroupNames(t *testing.T) {
	handle := &fakeHandle{loggedIn: true, names: map[string]string{"123-456@g.us": "Book Club"}}
	f := newFixture(t, handle)

	f.manager.cache.Append(&cache.Message{ID: "m1", ChatJID: "123-456@g.us", Text: "hi"})
	f.manager.cache.Append(&cache.Message{ID: "m2", ChatJID: "999@g.us", Text: "yo"})

	if err := f.manager.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	chats := f.manager.ListChats(context.Background())
	byJID := make(map[string]cache.ChatSummary, len(chats))
	for _, c := range chats {
		byJID[c.JID] = c
	}
	if byJID["123-456@g.us"].Name != "Book Club" {
		t.Errorf("resolved name = %q, want Book Club", byJID["123-456@g.us"].Name)
	}
	// Lookup failure leaves the name unset without failing the listing.
	if byJID["999@g.us"].Name != "" {
		t.Errorf("unresolvable group name = %q, want empty", byJID["999@g.us"].Name)
	}
}
