package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager connects every registered channel, merges their inbound streams
// and routes outbound messages by channel name.
type Manager struct {
	channels map[string]Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	listenWg sync.WaitGroup
	stopOnce sync.Once

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects all channels and begins forwarding their messages.
// Channels that fail to connect are logged and skipped; Start fails only if
// channels were registered and none connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect channel", "channel", name, "error", err)
			continue
		}
		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listen(c)
		}(ch)
	}

	if connected == 0 {
		return errors.New("no channel connected")
	}
	return nil
}

// Stop disconnects every channel and closes the merged stream. Calls after
// the first are no-ops.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.stop)
}

func (m *Manager) stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("failed to disconnect channel", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()

	m.listenWg.Wait()
	close(m.messages)
	m.logger.Info("channels stopped")
}

// Messages returns the merged inbound stream.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Channel returns a channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Send delivers a text message through the named channel.
func (m *Manager) Send(ctx context.Context, channelName, to string, msg *OutgoingMessage) error {
	ch, err := m.connected(channelName)
	if err != nil {
		return err
	}
	return ch.Send(ctx, to, msg)
}

// SendMedia delivers a file through the named channel.
func (m *Manager) SendMedia(ctx context.Context, channelName, to string, media *MediaMessage) error {
	ch, err := m.connected(channelName)
	if err != nil {
		return err
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return fmt.Errorf("%s: %w", channelName, ErrMediaNotSupported)
	}
	return mc.SendMedia(ctx, to, media)
}

// DownloadMedia fetches the attachment of msg from its channel.
func (m *Manager) DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error) {
	ch, err := m.connected(msg.Channel)
	if err != nil {
		return nil, "", err
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", msg.Channel, ErrMediaNotSupported)
	}
	return mc.DownloadMedia(ctx, msg)
}

// SendTyping shows a typing indicator when the channel supports it.
func (m *Manager) SendTyping(ctx context.Context, channelName, to string) {
	ch, err := m.connected(channelName)
	if err != nil {
		return
	}
	if pc, ok := ch.(PresenceChannel); ok {
		if err := pc.SendTyping(ctx, to); err != nil {
			m.logger.Debug("typing indicator failed", "channel", channelName, "error", err)
		}
	}
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

// HasChannels reports whether any channel is registered.
func (m *Manager) HasChannels() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels) > 0
}

func (m *Manager) connected(name string) (Channel, error) {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channel %q not found", name)
	}
	if !ch.IsConnected() {
		return nil, fmt.Errorf("%s: %w", name, ErrChannelDisconnected)
	}
	return ch, nil
}

func (m *Manager) listen(ch Channel) {
	in := ch.Receive()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}
