package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/rollcall/internal/types"
)

// Options controls reconnection of one channel.
type Options struct {
	MaxAttempts int           // reconnect attempts before giving up (default: 5)
	BaseDelay   time.Duration // delay before attempt n is BaseDelay*n (default: 2s)
	// OnError is called once the channel gives up reconnecting.
	OnError func(channelKey string, err error)
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

func (o Options) withDefaults(d Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.OnError == nil {
		o.OnError = d.OnError
	}
	return o
}

// errGaveUp is reported to OnError when reconnection is abandoned.
var errGaveUp = errors.New("live channel: reconnect attempts exhausted")

// Manager owns every live channel of the process.
type Manager struct {
	feed     Feed
	defaults Options
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channel
	seq      map[string]int
	closed   bool
}

type channel struct {
	key           string
	resource      types.ResourceType
	scopeID       string
	onChange      func(types.ChangeEvent)
	onReconnected func()
	opts          Options

	// Guarded by Manager.mu.
	state           types.ChannelState
	attempts        int
	lastErr         string
	lastConnectedAt *time.Time
	everConnected   bool
	gen             uint64
	sub             FeedSubscription
	timer           *time.Timer
	done            bool
}

// NewManager creates a Manager. defaults fills unset per-channel options.
func NewManager(feed Feed, defaults Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		feed:     feed,
		defaults: defaults.withDefaults(DefaultOptions()),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
		seq:      make(map[string]int),
	}
}

// Subscribe opens a channel for (resource, scopeID) and returns its
// unsubscribe function. onChange receives every change. onReconnected fires
// once each time the channel re-enters subscribed after a lost connection.
// The first connection attempt starts asynchronously.
func (m *Manager) Subscribe(scopeID string, resource types.ResourceType, onChange func(types.ChangeEvent), onReconnected func(), opts Options) (unsubscribe func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	base := fmt.Sprintf("%s:%s", resource, scopeID)
	m.seq[base]++
	key := base
	if n := m.seq[base]; n > 1 {
		key = fmt.Sprintf("%s#%d", base, n)
	}
	ch := &channel{
		key:           key,
		resource:      resource,
		scopeID:       scopeID,
		onChange:      onChange,
		onReconnected: onReconnected,
		opts:          opts.withDefaults(m.defaults),
		state:         types.StateUnsubscribed,
	}
	m.channels[key] = ch
	m.mu.Unlock()

	go m.connect(ch)

	return func() { m.unsubscribe(ch) }
}

func (m *Manager) connect(ch *channel) {
	m.mu.Lock()
	if ch.done {
		m.mu.Unlock()
		return
	}
	ch.timer = nil
	ch.gen++
	gen := ch.gen
	ch.state = types.StateConnecting
	stale := ch.sub
	ch.sub = nil
	attempt := ch.attempts
	m.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	slog.Debug("live channel connecting",
		"component", "live",
		"channel", ch.key,
		"attempt", attempt,
	)

	sub, err := m.feed.Subscribe(m.ctx, ch.resource, ch.scopeID, FeedHandler{
		OnEvent: func(ev types.ChangeEvent) { m.onEvent(ch, gen, ev) },
		OnState: func(state types.ChannelState, err error) { m.onState(ch, gen, state, err) },
	})
	if err != nil {
		m.onState(ch, gen, types.StateError, err)
		return
	}

	m.mu.Lock()
	if ch.done || ch.gen != gen {
		m.mu.Unlock()
		sub.Close()
		return
	}
	ch.sub = sub
	m.mu.Unlock()
}

func (m *Manager) onEvent(ch *channel, gen uint64, ev types.ChangeEvent) {
	m.mu.Lock()
	live := !ch.done && ch.gen == gen
	m.mu.Unlock()
	if live && ch.onChange != nil {
		ch.onChange(ev)
	}
}

func (m *Manager) onState(ch *channel, gen uint64, state types.ChannelState, err error) {
	m.mu.Lock()
	if ch.done || ch.gen != gen {
		m.mu.Unlock()
		return
	}

	if state == types.StateSubscribed {
		reconnected := ch.everConnected
		ch.everConnected = true
		ch.attempts = 0
		ch.state = types.StateSubscribed
		ch.lastErr = ""
		now := m.now()
		ch.lastConnectedAt = &now
		m.mu.Unlock()

		slog.Info("live channel subscribed",
			"component", "live",
			"channel", ch.key,
			"reconnected", reconnected,
		)
		if reconnected && ch.onReconnected != nil {
			ch.onReconnected()
		}
		return
	}

	m.failLocked(ch, state, err)
}

// failLocked handles a lost or failed connection. Called with m.mu held;
// releases it.
func (m *Manager) failLocked(ch *channel, observed types.ChannelState, err error) {
	if err == nil {
		err = fmt.Errorf("channel %s", observed)
	}
	ch.gen++
	sub := ch.sub
	ch.sub = nil
	ch.lastErr = err.Error()

	if ch.attempts >= ch.opts.MaxAttempts {
		ch.state = types.StateError
		onError := ch.opts.OnError
		attempts := ch.attempts
		m.mu.Unlock()

		if sub != nil {
			sub.Close()
		}
		slog.Error("live channel gave up",
			"component", "live",
			"channel", ch.key,
			"attempts", attempts,
			"error", err,
		)
		if onError != nil {
			onError(ch.key, fmt.Errorf("%w: %w", errGaveUp, err))
		}
		return
	}

	ch.attempts++
	delay := ch.opts.BaseDelay * time.Duration(ch.attempts)
	ch.state = types.StateReconnecting
	ch.timer = time.AfterFunc(delay, func() { m.connect(ch) })
	attempt := ch.attempts
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	slog.Warn("live channel lost",
		"component", "live",
		"channel", ch.key,
		"state", string(observed),
		"attempt", attempt,
		"retry_in", delay.String(),
		"error", err,
	)
}

func (m *Manager) unsubscribe(ch *channel) {
	m.mu.Lock()
	if ch.done {
		m.mu.Unlock()
		return
	}
	ch.done = true
	ch.gen++
	ch.state = types.StateClosed
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	sub := ch.sub
	ch.sub = nil
	delete(m.channels, ch.key)
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	slog.Debug("live channel closed", "component", "live", "channel", ch.key)
}

// Statuses returns a snapshot of every open channel, ordered by key.
func (m *Manager) Statuses() []types.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.ConnectionStatus, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.statusLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelKey < out[j].ChannelKey })
	return out
}

// Status returns one channel's status.
func (m *Manager) Status(key string) (types.ConnectionStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[key]
	if !ok {
		return types.ConnectionStatus{}, false
	}
	return ch.statusLocked(), true
}

func (ch *channel) statusLocked() types.ConnectionStatus {
	return types.ConnectionStatus{
		ChannelKey:        ch.key,
		State:             ch.state,
		IsConnected:       ch.state == types.StateSubscribed,
		ReconnectAttempts: ch.attempts,
		LastError:         ch.lastErr,
		LastConnectedAt:   ch.lastConnectedAt,
	}
}

// Close tears down every channel. Later Subscribe calls are no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	chans := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		m.unsubscribe(ch)
	}
	m.cancel()
}
