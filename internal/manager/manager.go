package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/snippetd/internal/bus"
	"github.com/matheus3301/snippetd/internal/cache"
	"github.com/matheus3301/snippetd/internal/status"
	"github.com/matheus3301/snippetd/internal/wa"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by send and retrieval paths when no usable
// connection handle exists. Callers retry after reconnect or surface it.
var ErrNotConnected = errors.New("not connected to WhatsApp")

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Handle is one connection to the protocol client. A new handle invalidates
// the previous one for sends.
type Handle interface {
	Connect() error
	Disconnect()
	IsLoggedIn() bool
	SendText(ctx context.Context, jid, text string) (*wa.Ack, error)
	SendMedia(ctx context.Context, jid string, media wa.OutboundMedia) (*wa.Ack, error)
	DownloadMedia(ctx context.Context, media *cache.Media) ([]byte, error)
	GroupName(ctx context.Context, jid string) (string, error)
}

// Dialer constructs fresh connection handles.
type Dialer interface {
	Dial(ctx context.Context) (Handle, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Handle, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Handle, error) { return f(ctx) }

// Manager owns the session: exactly one logical connection, the lifecycle
// state machine, automatic reconnection with capped backoff, and the cache
// flusher. It reacts to wa.* events published by the adapter.
type Manager struct {
	dialer  Dialer
	machine *status.Machine
	cache   *cache.Cache
	flusher *cache.Flusher
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.RWMutex
	handle  Handle
	backoff time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a session manager. Call Start before Connect.
func New(dialer Dialer, machine *status.Machine, c *cache.Cache, flusher *cache.Flusher, b *bus.Bus, logger *zap.Logger) *Manager {
	m := &Manager{
		dialer:  dialer,
		machine: machine,
		cache:   c,
		flusher: flusher,
		bus:     b,
		logger:  logger,
		backoff: initialBackoff,
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Start subscribes to protocol events and begins driving the lifecycle.
func (m *Manager) Start() {
	ch, unsub := m.bus.Subscribe("wa.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEvent(evt)
			case <-m.baseCtx.Done():
				return
			}
		}
	}()
}

// Stop halts event handling, the flusher and the connection.
func (m *Manager) Stop() {
	m.cancel()
	m.flusher.Stop()
	if h := m.currentHandle(); h != nil {
		h.Disconnect()
	}
}

// Connect builds a fresh connection handle, tears down the previous one and
// initiates establishment. The connection outcome is observed via state-change
// events, not the return value; on failure a retry is scheduled with backoff.
func (m *Manager) Connect(ctx context.Context) error {
	if m.machine.Current() == status.Open {
		return nil
	}

	handle, err := m.dialer.Dial(ctx)
	if err != nil {
		m.scheduleRetry()
		return fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	prev := m.handle
	m.handle = handle
	m.mu.Unlock()
	if prev != nil {
		// At most one live handle: the replaced one must not keep its
		// socket or publish further events.
		prev.Disconnect()
	}

	next := status.Connecting
	if !handle.IsLoggedIn() {
		next = status.Pairing
	}
	if err := m.machine.Transition(next); err != nil {
		m.logger.Warn("unexpected lifecycle state on connect", zap.Error(err))
	}

	if err := handle.Connect(); err != nil {
		m.scheduleRetry()
		return fmt.Errorf("connect: %w", err)
	}

	m.flusher.Start(m.baseCtx)
	return nil
}

// IsConnected reports whether the session is usable for sends.
func (m *Manager) IsConnected() bool {
	return m.machine.Current() == status.Open
}

// PairingToken returns the current pairing token, empty when unavailable.
func (m *Manager) PairingToken() string {
	return m.machine.PairingToken()
}

// SendText sends a text message through the current handle and returns the
// protocol acknowledgement unmodified.
func (m *Manager) SendText(ctx context.Context, to, text string) (*wa.Ack, error) {
	h, err := m.usableHandle()
	if err != nil {
		return nil, err
	}
	return h.SendText(ctx, to, text)
}

// SendMedia sends a typed media payload through the current handle.
func (m *Manager) SendMedia(ctx context.Context, to string, media wa.OutboundMedia) (*wa.Ack, error) {
	h, err := m.usableHandle()
	if err != nil {
		return nil, err
	}
	return h.SendMedia(ctx, to, media)
}

// DownloadMedia retrieves a media binary through the current handle.
func (m *Manager) DownloadMedia(ctx context.Context, media *cache.Media) ([]byte, error) {
	h := m.currentHandle()
	if h == nil {
		return nil, ErrNotConnected
	}
	return h.DownloadMedia(ctx, media)
}

// GroupName resolves a group display name through the current handle.
func (m *Manager) GroupName(ctx context.Context, jid string) (string, error) {
	h := m.currentHandle()
	if h == nil {
		return "", ErrNotConnected
	}
	return h.GroupName(ctx, jid)
}

// ListChats enumerates known conversations, resolving group names
// best-effort. Lookup failures leave the name unset.
func (m *Manager) ListChats(ctx context.Context) []cache.ChatSummary {
	chats := m.cache.Chats()
	for i, c := range chats {
		if !c.IsGroup || c.Name != "" {
			continue
		}
		name, err := m.GroupName(ctx, c.JID)
		if err != nil {
			m.logger.Warn("failed to resolve group name",
				zap.String("chat_jid", c.JID), zap.Error(err))
			continue
		}
		chats[i].Name = name
		m.cache.SetName(c.JID, name)
	}
	return chats
}

func (m *Manager) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "wa.pairing_code":
		code, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if err := m.machine.SetPairingToken(code); err != nil {
			m.logger.Warn("discarding pairing token", zap.Error(err))
			return
		}
		m.logger.Info("pairing token issued, awaiting link")
	case "wa.connected":
		if m.machine.Current() == status.Pairing {
			_ = m.machine.Transition(status.Connecting)
		}
		if err := m.machine.Transition(status.Open); err != nil {
			m.logger.Warn("unexpected lifecycle state on open", zap.Error(err))
			return
		}
		m.resetBackoff()
		m.logger.Info("session open")
	case "wa.disconnected":
		cause, _ := evt.Payload.(wa.DisconnectCause)
		m.handleDisconnect(cause)
	}
}

func (m *Manager) handleDisconnect(cause wa.DisconnectCause) {
	if err := m.machine.Transition(status.Closed); err != nil {
		// Already closed (duplicate disconnect event for a dead handle).
		return
	}

	if cause.LoggedOut {
		m.logger.Warn("terminal disconnect, credentials invalidated",
			zap.String("reason", cause.Reason))
		_ = m.machine.Transition(status.Terminal)
		m.flusher.Stop()
		return
	}

	delay := m.nextBackoff()
	m.logger.Warn("transient disconnect, scheduling reconnect",
		zap.Duration("backoff", delay))
	go m.reconnectAfter(delay)
}

// scheduleRetry arms the next reconnect attempt unless the session is
// terminal. Connect failures funnel through here so boot-time and mid-life
// failures share one backoff policy.
func (m *Manager) scheduleRetry() {
	if m.machine.Current() == status.Terminal {
		return
	}
	delay := m.nextBackoff()
	m.logger.Warn("connect failed, scheduling retry", zap.Duration("backoff", delay))
	go m.reconnectAfter(delay)
}

func (m *Manager) reconnectAfter(delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-m.baseCtx.Done():
		return
	}
	if m.machine.Current() == status.Terminal {
		return
	}

	// Connect schedules the next retry itself when it fails.
	if err := m.Connect(m.baseCtx); err != nil {
		m.logger.Error("reconnect failed", zap.Error(err))
	}
}

func (m *Manager) usableHandle() (Handle, error) {
	m.mu.RLock()
	h := m.handle
	m.mu.RUnlock()
	if h == nil || m.machine.Current() != status.Open {
		return nil, ErrNotConnected
	}
	return h, nil
}

func (m *Manager) currentHandle() Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

func (m *Manager) nextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.backoff
	m.backoff = min(m.backoff*2, maxBackoff)
	return d
}

func (m *Manager) resetBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoff = initialBackoff
}
