// Package client implements the device-side counterpart of a Parley voice
// session: it owns microphone capture, speaker playback, the connection
// state machine, reconnection backoff, and the heartbeat.
//
// A [Session] connects to `<platformURL>/session`, streams mono PCM16
// microphone frames up, and plays the PCM16 reply audio it receives.
// Consumers observe the session through the typed event bus ([Session.On]
// and the On* convenience methods); every subscription returns an
// unsubscribe function.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parleyvoice/parley/internal/wire"
	"github.com/parleyvoice/parley/pkg/audio"
)

// State is the client-side connection state.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// Message is one entry of the local conversation view.
type Message struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the message text.
	Content string

	// Steps lists tool-use descriptions for assistant messages.
	Steps []string
}

// TranscriptUpdate is the payload of [EventTranscript].
type TranscriptUpdate struct {
	Text  string
	Final bool
}

const (
	defaultBackoffBase  = time.Second
	defaultBackoffCap   = 30 * time.Second
	defaultMaxAttempts  = 5
	defaultPingInterval = 30 * time.Second

	// sendTimeout bounds every outbound write so a stalled socket cannot
	// block the microphone callback or the heartbeat.
	sendTimeout = 5 * time.Second
)

// Option configures a [Session].
type Option func(*Session)

// WithDialer replaces the WebSocket dialer. Tests use this to connect the
// session to an in-memory pipe.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithSlug routes the session to a deployed agent by slug.
func WithSlug(slug string) Option {
	return func(s *Session) { s.slug = slug }
}

// WithBackoff overrides the reconnect schedule. delay(k) = min(base·2^k, cap)
// for the k-th scheduled attempt; after maxAttempts a terminal error is
// emitted.
func WithBackoff(base, ceiling time.Duration, maxAttempts int) Option {
	return func(s *Session) {
		s.backoffBase = base
		s.backoffCap = ceiling
		s.maxAttempts = maxAttempts
	}
}

// WithPingInterval overrides the heartbeat interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) { s.pingInterval = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Session is a reconnecting voice session. Create one with [New], start it
// with [Session.Connect], and observe it through the event bus. All methods
// are safe for concurrent use.
type Session struct {
	url     string
	slug    string
	dialer  Dialer
	capture audio.Capture
	player  audio.Player
	log     *slog.Logger
	bus     *bus

	backoffBase  time.Duration
	backoffCap   time.Duration
	maxAttempts  int
	pingInterval time.Duration

	// afterFunc schedules reconnects; tests replace it to control time.
	afterFunc func(time.Duration, func()) *time.Timer

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            int
	ctx            context.Context
	ctxCancel      context.CancelFunc
	messages       []Message
	partial        string
	cancelPending  bool
	intentional    bool
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	pongPending    bool
	resetAck       chan struct{}
	audioLive      bool
}

// New creates a session for the platform at platformURL using the given
// audio devices. The session does not connect until [Session.Connect].
func New(platformURL string, capture audio.Capture, player audio.Player, opts ...Option) *Session {
	s := &Session{
		url:          strings.TrimSuffix(platformURL, "/"),
		dialer:       defaultDialer,
		capture:      capture,
		player:       player,
		log:          slog.Default(),
		bus:          newBus(),
		backoffBase:  defaultBackoffBase,
		backoffCap:   defaultBackoffCap,
		maxAttempts:  defaultMaxAttempts,
		pingInterval: defaultPingInterval,
		afterFunc:    time.AfterFunc,
		state:        StateConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sessionURL is the full WebSocket endpoint including the optional slug.
func (s *Session) sessionURL() string {
	u := s.url + "/session"
	if s.slug != "" {
		u += "?slug=" + s.slug
	}
	return u
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Connect opens the WebSocket and starts the session. ctx bounds the whole
// session lifetime including reconnects; cancel it or call
// [Session.Disconnect] to stop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.ctxCancel != nil {
		s.mu.Unlock()
		return errors.New("client: session already started")
	}
	sctx, cancel := context.WithCancel(ctx)
	s.ctx = sctx
	s.ctxCancel = cancel
	s.intentional = false
	s.attempts = 0
	s.mu.Unlock()

	return s.dial()
}

// dial opens one connection attempt and, on success, starts the read loop
// and heartbeat.
func (s *Session) dial() error {
	s.setState(StateConnecting)

	conn, err := s.dialer(s.ctx, s.sessionURL())
	if err != nil {
		s.bus.emit(EventError, err)
		s.scheduleReconnect()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.gen++
	gen := s.gen
	s.pongPending = false
	s.mu.Unlock()

	s.setState(StateReady)
	s.bus.emit(EventConnected, nil)
	s.startHeartbeat()
	go s.readLoop(conn, gen)
	return nil
}

// readLoop pumps inbound frames until the connection dies.
func (s *Session) readLoop(conn Conn, gen int) {
	for {
		data, binary, err := conn.Read(s.ctx)
		if err != nil {
			s.onClose(gen)
			return
		}
		if binary {
			s.onAudio(data)
			continue
		}
		if f, ok := wire.Decode(data); ok {
			s.handleFrame(f)
		}
	}
}

// onClose tears down per-connection state. gen guards against a stale read
// loop racing a newer connection.
func (s *Session) onClose(gen int) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.gen++
	intentional := s.intentional
	s.mu.Unlock()

	s.stopHeartbeat()
	s.stopAudio()
	s.bus.emit(EventDisconnected, nil)

	if !intentional {
		s.scheduleReconnect()
	}
}

// Disconnect closes the session on purpose: no reconnect is scheduled.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.intentional = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	cancel := s.ctxCancel
	s.ctxCancel = nil
	s.mu.Unlock()

	s.stopHeartbeat()
	s.stopAudio()
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// ─── Reconnection ─────────────────────────────────────────────────────────────

// backoffDelay returns min(base·2^k, cap) for the k-th attempt.
func (s *Session) backoffDelay(k int) time.Duration {
	d := s.backoffBase << k
	if d > s.backoffCap || d <= 0 {
		d = s.backoffCap
	}
	return d
}

// scheduleReconnect arms the reconnect timer, or gives up after
// maxAttempts and parks the session in the error state.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.intentional || s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.maxAttempts {
		s.mu.Unlock()
		s.setState(StateError)
		s.bus.emit(EventError, fmt.Errorf("client: giving up after %d reconnect attempts", s.maxAttempts))
		return
	}
	delay := s.backoffDelay(s.attempts)
	s.attempts++
	s.reconnectTimer = s.afterFunc(delay, func() { s.dial() })
	s.mu.Unlock()

	s.log.Info("reconnect scheduled", "delay", delay, "attempt", s.attempts)
}

// ─── Heartbeat ────────────────────────────────────────────────────────────────

func (s *Session) startHeartbeat() {
	stop := make(chan struct{})
	s.mu.Lock()
	s.heartbeatStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.heartbeatTick()
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	stop := s.heartbeatStop
	s.heartbeatStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// heartbeatTick closes the socket when the previous ping went unanswered,
// otherwise sends the next ping. Reconnect logic takes over after the close.
func (s *Session) heartbeatTick() {
	s.mu.Lock()
	conn := s.conn
	missed := s.pongPending
	if conn != nil && !missed {
		s.pongPending = true
	}
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if missed {
		s.log.Warn("heartbeat: pong missed, closing connection")
		conn.Close()
		return
	}
	s.send(wire.Ping())
}

// ─── Frame handling ───────────────────────────────────────────────────────────

func (s *Session) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeReady:
		s.mu.Lock()
		s.attempts = 0
		gen := s.gen
		s.mu.Unlock()
		go s.setupAudio(gen, f.SampleRate, f.TTSSampleRate)

	case wire.TypeGreeting:
		s.appendMessage(Message{Role: "assistant", Content: f.Text})
		s.setState(StateSpeaking)

	case wire.TypeTranscript:
		s.mu.Lock()
		s.partial = f.Text
		s.mu.Unlock()
		s.bus.emit(EventTranscript, TranscriptUpdate{Text: f.Text, Final: f.Final})

	case wire.TypeTurn:
		s.mu.Lock()
		s.partial = ""
		s.mu.Unlock()
		s.appendMessage(Message{Role: "user", Content: f.Text})

	case wire.TypeThinking:
		s.setState(StateThinking)

	case wire.TypeChat:
		s.appendMessage(Message{Role: "assistant", Content: f.Text, Steps: f.Steps})
		s.setState(StateSpeaking)

	case wire.TypeTTSDone:
		s.setState(StateListening)

	case wire.TypeCancelled:
		s.mu.Lock()
		s.cancelPending = false
		s.mu.Unlock()
		s.player.Clear()
		s.setState(StateListening)

	case wire.TypeReset:
		s.player.Clear()
		s.mu.Lock()
		s.messages = nil
		s.partial = ""
		ack := s.resetAck
		s.resetAck = nil
		s.mu.Unlock()
		if ack != nil {
			close(ack)
		}
		s.bus.emit(EventReset, nil)

	case wire.TypePong:
		s.mu.Lock()
		s.pongPending = false
		s.mu.Unlock()

	case wire.TypeError:
		s.setState(StateError)
		s.bus.emit(EventError, errors.New(f.Message))
	}
}

// onAudio routes a binary PCM frame to the player, unless a local cancel is
// pending — then late audio from the interrupted reply is dropped until the
// server acknowledges with CANCELLED.
func (s *Session) onAudio(pcm []byte) {
	s.mu.Lock()
	drop := s.cancelPending
	s.mu.Unlock()
	if drop {
		return
	}
	s.player.Enqueue(pcm)
}

// ─── Audio setup ──────────────────────────────────────────────────────────────

// setupAudio starts capture and playback concurrently; both must succeed
// before AUDIO_READY is sent. gen identifies the connection the READY came
// from — if it died during setup, the half-built audio is torn down.
func (s *Session) setupAudio(gen, sampleRate, ttsSampleRate int) {
	var g errgroup.Group
	g.Go(func() error {
		return s.capture.Start(s.ctx, sampleRate, s.onMicFrame)
	})
	g.Go(func() error {
		return s.player.Start(ttsSampleRate)
	})
	if err := g.Wait(); err != nil {
		s.capture.Stop()
		s.player.Close()
		s.setState(StateError)
		s.bus.emit(EventError, fmt.Errorf("client: audio setup failed: %w", err))
		return
	}

	s.mu.Lock()
	if s.conn == nil || s.gen != gen {
		s.mu.Unlock()
		s.capture.Stop()
		s.player.Close()
		return
	}
	s.audioLive = true
	s.mu.Unlock()

	s.send(wire.AudioReady())
	s.setState(StateListening)
	s.bus.emit(EventAudioReady, nil)
}

// onMicFrame forwards one captured frame to the server. Write errors are
// dropped; a dead socket surfaces through the read loop.
func (s *Session) onMicFrame(pcm []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	conn.Write(ctx, pcm, true)
}

func (s *Session) stopAudio() {
	s.mu.Lock()
	live := s.audioLive
	s.audioLive = false
	s.mu.Unlock()
	if live {
		s.capture.Stop()
		s.player.Close()
	}
}

// ─── Commands ─────────────────────────────────────────────────────────────────

// Cancel interrupts the in-flight reply (barge-in): it flushes playback,
// sets the local cancel flag that drops late audio, notifies the server,
// and returns to listening immediately. The flag clears when the server's
// CANCELLED acknowledgement arrives.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelPending = true
	s.mu.Unlock()
	s.player.Clear()
	s.send(wire.Cancel())
	s.setState(StateListening)
}

// Reset truncates the conversation. With an open socket it sends RESET and
// waits for the server acknowledgement, which clears the local messages.
// With a closed socket it clears locally and performs a
// disconnect-then-connect cycle.
func (s *Session) Reset(ctx context.Context) error {
	s.player.Clear()

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.messages = nil
		s.partial = ""
		s.cancelPending = false
		s.intentional = false
		s.attempts = 0
		if s.reconnectTimer != nil {
			s.reconnectTimer.Stop()
			s.reconnectTimer = nil
		}
		// After Disconnect the session context is cancelled; rebuild it so
		// the new connect cycle gets a live one.
		if s.ctx == nil || s.ctx.Err() != nil {
			sctx, cancel := context.WithCancel(context.Background())
			s.ctx = sctx
			s.ctxCancel = cancel
		}
		s.mu.Unlock()
		s.bus.emit(EventReset, nil)
		return s.dial()
	}
	ack := make(chan struct{})
	s.resetAck = ack
	s.mu.Unlock()

	if err := s.send(wire.ResetRequest()); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send writes one control frame with a bounded timeout.
func (s *Session) send(f wire.Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("client: not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return conn.Write(ctx, f.Encode(), false)
}

// ─── Observers ────────────────────────────────────────────────────────────────

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the local conversation view.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Partial returns the current partial transcript, empty outside a turn.
func (s *Session) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}

// On subscribes fn to ev and returns an unsubscribe function. The payload
// type depends on the event; prefer the typed On* helpers.
func (s *Session) On(ev Event, fn func(payload any)) func() {
	return s.bus.on(ev, fn)
}

// OnStateChange subscribes to state transitions.
func (s *Session) OnStateChange(fn func(State)) func() {
	return s.bus.on(EventStateChange, func(p any) { fn(p.(State)) })
}

// OnMessage subscribes to conversation growth.
func (s *Session) OnMessage(fn func(Message)) func() {
	return s.bus.on(EventMessage, func(p any) { fn(p.(Message)) })
}

// OnTranscript subscribes to partial transcript updates.
func (s *Session) OnTranscript(fn func(TranscriptUpdate)) func() {
	return s.bus.on(EventTranscript, func(p any) { fn(p.(TranscriptUpdate)) })
}

// OnError subscribes to connection, audio, and server errors.
func (s *Session) OnError(fn func(error)) func() {
	return s.bus.on(EventError, func(p any) { fn(p.(error)) })
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.bus.emit(EventStateChange, st)
}

func (s *Session) appendMessage(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.bus.emit(EventMessage, m)
}
