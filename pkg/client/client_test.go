package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/wire"
	audiomock "github.com/parleyvoice/parley/pkg/audio/mock"
)

const waitTimeout = 2 * time.Second

// ─── Fakes ────────────────────────────────────────────────────────────────────

type inboundMsg struct {
	data   []byte
	binary bool
}

type writtenMsg struct {
	data   []byte
	binary bool
}

// fakeConn is an in-memory connection: tests push server frames into inbound
// and inspect what the client wrote.
type fakeConn struct {
	inbound chan inboundMsg

	mu     sync.Mutex
	writes []writtenMsg

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan inboundMsg, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, bool, error) {
	select {
	case m := <-c.inbound:
		return m.data, m.binary, nil
	case <-c.closed:
		return nil, false, errors.New("connection closed")
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte, binary bool) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.writes = append(c.writes, writtenMsg{data: cp, binary: binary})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) pushFrame(f wire.Frame) {
	c.inbound <- inboundMsg{data: f.Encode()}
}

func (c *fakeConn) pushAudio(pcm []byte) {
	c.inbound <- inboundMsg{data: pcm, binary: true}
}

// sentTypes returns the control tags written so far, in order.
func (c *fakeConn) sentTypes() []wire.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Type
	for _, w := range c.writes {
		if w.binary {
			continue
		}
		if f, ok := wire.Decode(w.data); ok {
			out = append(out, f.Type)
		}
	}
	return out
}

func (c *fakeConn) sentBinaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.writes {
		if w.binary {
			n++
		}
	}
	return n
}

// ─── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	sess    *Session
	conn    *fakeConn
	capture *audiomock.Capture
	player  *audiomock.Player

	mu     sync.Mutex
	delays []time.Duration
	timers []func()
}

// newHarness builds a session wired to a fake connection with a manual
// reconnect clock. The dial function returns conns from the queue, or an
// error once the queue is empty.
func newHarness(t *testing.T, conns ...*fakeConn) *harness {
	t.Helper()
	h := &harness{
		capture: &audiomock.Capture{},
		player:  &audiomock.Player{},
	}
	if len(conns) > 0 {
		h.conn = conns[0]
	}

	queue := conns
	dial := func(_ context.Context, _ string) (Conn, error) {
		if len(queue) == 0 {
			return nil, errors.New("dial refused")
		}
		c := queue[0]
		queue = queue[1:]
		return c, nil
	}

	h.sess = New("ws://localhost:8080", h.capture, h.player,
		WithDialer(dial),
		WithBackoff(time.Second, 30*time.Second, 5),
	)
	h.sess.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.timers = append(h.timers, fn)
		h.mu.Unlock()
		return time.NewTimer(time.Hour)
	}
	t.Cleanup(h.sess.Disconnect)
	return h
}

// fireTimer runs the i-th scheduled reconnect immediately.
func (h *harness) fireTimer(i int) {
	h.mu.Lock()
	fn := h.timers[i]
	h.mu.Unlock()
	fn()
}

func (h *harness) scheduled() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]time.Duration, len(h.delays))
	copy(out, h.delays)
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	eventually(t, "state "+string(want), func() bool { return s.State() == want })
}

// goListening connects and walks the session to listening via READY.
func (h *harness) goListening(t *testing.T) {
	t.Helper()
	if err := h.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.conn.pushFrame(wire.Ready(16000, 24000, 1))
	waitState(t, h.sess, StateListening)
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestConnect_ReadyStartsAudioAndConfirms(t *testing.T) {
	h := newHarness(t, newFakeConn())

	var events []Event
	var evMu sync.Mutex
	h.sess.On(EventConnected, func(any) {
		evMu.Lock()
		events = append(events, EventConnected)
		evMu.Unlock()
	})
	h.sess.On(EventAudioReady, func(any) {
		evMu.Lock()
		events = append(events, EventAudioReady)
		evMu.Unlock()
	})

	if err := h.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h.sess.State() != StateReady {
		t.Errorf("state after open = %q, want ready", h.sess.State())
	}

	h.conn.pushFrame(wire.Ready(16000, 24000, 1))
	waitState(t, h.sess, StateListening)

	if h.capture.StartedRate != 16000 {
		t.Errorf("capture rate = %d, want 16000", h.capture.StartedRate)
	}
	if h.player.StartedRate != 24000 {
		t.Errorf("player rate = %d, want 24000", h.player.StartedRate)
	}

	eventually(t, "audio_ready frame", func() bool {
		for _, typ := range h.conn.sentTypes() {
			if typ == wire.TypeAudioReady {
				return true
			}
		}
		return false
	})

	evMu.Lock()
	defer evMu.Unlock()
	if len(events) != 2 || events[0] != EventConnected || events[1] != EventAudioReady {
		t.Errorf("events = %v, want [connected audioReady]", events)
	}
}

func TestConnect_AudioSetupFailure(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.capture.StartError = errors.New("no input device")

	var got error
	h.sess.OnError(func(err error) { got = err })

	if err := h.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.conn.pushFrame(wire.Ready(16000, 24000, 1))
	waitState(t, h.sess, StateError)

	if got == nil {
		t.Fatal("no error event emitted")
	}
	for _, typ := range h.conn.sentTypes() {
		if typ == wire.TypeAudioReady {
			t.Error("audio_ready sent despite setup failure")
		}
	}
	eventually(t, "player torn down", func() bool { return h.player.CallCountClose >= 1 })
}

func TestConversationFlow(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	var transcripts []TranscriptUpdate
	var trMu sync.Mutex
	h.sess.OnTranscript(func(u TranscriptUpdate) {
		trMu.Lock()
		transcripts = append(transcripts, u)
		trMu.Unlock()
	})

	h.conn.pushFrame(wire.Transcript("what is", false))
	h.conn.pushFrame(wire.Turn("what is the weather"))
	h.conn.pushFrame(wire.Thinking())
	waitState(t, h.sess, StateThinking)

	h.conn.pushFrame(wire.Chat("Sunny today.", []string{"Using get_weather"}))
	waitState(t, h.sess, StateSpeaking)
	h.conn.pushFrame(wire.TTSDone())
	waitState(t, h.sess, StateListening)

	msgs := h.sess.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "what is the weather" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Sunny today." {
		t.Errorf("second message = %+v", msgs[1])
	}
	if len(msgs[1].Steps) != 1 || msgs[1].Steps[0] != "Using get_weather" {
		t.Errorf("steps = %v", msgs[1].Steps)
	}
	if h.sess.Partial() != "" {
		t.Errorf("partial = %q, want cleared after turn", h.sess.Partial())
	}

	trMu.Lock()
	defer trMu.Unlock()
	if len(transcripts) != 1 || transcripts[0].Text != "what is" || transcripts[0].Final {
		t.Errorf("transcripts = %+v", transcripts)
	}
}

func TestGreeting_AppendsAssistantAndSpeaks(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	h.conn.pushFrame(wire.Greeting("Hi! How can I help?"))
	waitState(t, h.sess, StateSpeaking)

	msgs := h.sess.Messages()
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].Content != "Hi! How can I help?" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestAudio_EnqueuedForPlayback(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	h.conn.pushAudio([]byte{1, 2, 3, 4})
	eventually(t, "audio enqueued", func() bool { return h.player.QueuedBytes() == 4 })
}

func TestCancel_DropsLateAudioUntilAcknowledged(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	h.conn.pushAudio([]byte{1, 2})
	eventually(t, "pre-cancel audio", func() bool { return h.player.QueuedBytes() == 2 })

	h.sess.Cancel()
	if h.sess.State() != StateListening {
		t.Errorf("state after cancel = %q, want listening", h.sess.State())
	}
	if h.player.CallCountClear == 0 {
		t.Error("cancel did not flush playback")
	}
	eventually(t, "cancel frame", func() bool {
		for _, typ := range h.conn.sentTypes() {
			if typ == wire.TypeCancel {
				return true
			}
		}
		return false
	})

	// Late audio from the interrupted reply is dropped.
	h.conn.pushAudio([]byte{3, 4})
	h.conn.pushFrame(wire.Thinking())
	waitState(t, h.sess, StateThinking)
	if h.player.QueuedBytes() != 0 {
		t.Errorf("queued = %d bytes, want 0 while cancel pending", h.player.QueuedBytes())
	}

	// The acknowledgement clears the flag; audio flows again.
	h.conn.pushFrame(wire.Cancelled())
	waitState(t, h.sess, StateListening)
	h.conn.pushAudio([]byte{5, 6})
	eventually(t, "post-ack audio", func() bool { return h.player.QueuedBytes() == 2 })
}

func TestReset_OverOpenSocket(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	h.conn.pushFrame(wire.Turn("hello"))
	eventually(t, "message recorded", func() bool { return len(h.sess.Messages()) == 1 })

	resetSeen := false
	h.sess.On(EventReset, func(any) { resetSeen = true })

	// Acknowledge the reset as soon as the server would receive it.
	go func() {
		deadline := time.Now().Add(waitTimeout)
		for time.Now().Before(deadline) {
			for _, typ := range h.conn.sentTypes() {
				if typ == wire.TypeResetRequest {
					h.conn.pushFrame(wire.Reset())
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.sess.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if len(h.sess.Messages()) != 0 {
		t.Errorf("messages after reset = %d, want 0", len(h.sess.Messages()))
	}
	if !resetSeen {
		t.Error("reset event not emitted")
	}
}

func TestReset_AfterDisconnectReconnects(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	h := newHarness(t, first, second)
	h.goListening(t)

	h.conn.pushFrame(wire.Turn("hello"))
	eventually(t, "message recorded", func() bool { return len(h.sess.Messages()) == 1 })

	resetSeen := false
	h.sess.On(EventReset, func(any) { resetSeen = true })

	h.sess.Disconnect()
	eventually(t, "socket torn down", func() bool {
		h.sess.mu.Lock()
		defer h.sess.mu.Unlock()
		return h.sess.conn == nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.sess.Reset(ctx); err != nil {
		t.Fatalf("Reset after Disconnect: %v", err)
	}

	if len(h.sess.Messages()) != 0 {
		t.Errorf("messages after reset = %d, want 0", len(h.sess.Messages()))
	}
	if !resetSeen {
		t.Error("reset event not emitted")
	}

	// The reset dialed a fresh connection; READY walks it back to listening.
	second.pushFrame(wire.Ready(16000, 24000, 1))
	waitState(t, h.sess, StateListening)
}

func TestReconnect_BackoffScheduleAndGiveUp(t *testing.T) {
	h := newHarness(t) // empty queue: every dial fails

	var terminal error
	h.sess.OnError(func(err error) { terminal = err })

	h.sess.Connect(context.Background())
	for i := 0; i < 5; i++ {
		eventually(t, "reconnect scheduled", func() bool { return len(h.scheduled()) == i+1 })
		h.fireTimer(i)
	}

	waitState(t, h.sess, StateError)
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	got := h.scheduled()
	if len(got) != len(want) {
		t.Fatalf("scheduled %d reconnects, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
	if terminal == nil {
		t.Error("no terminal error emitted")
	}
}

func TestReconnect_DelayCappedAtMax(t *testing.T) {
	h := newHarness(t)
	h.sess.backoffCap = 4 * time.Second
	h.sess.maxAttempts = 4

	h.sess.Connect(context.Background())
	for i := 0; i < 4; i++ {
		eventually(t, "reconnect scheduled", func() bool { return len(h.scheduled()) == i+1 })
		h.fireTimer(i)
	}

	got := h.scheduled()
	if got[3] != 4*time.Second {
		t.Errorf("fourth delay = %v, want capped at 4s", got[3])
	}
}

func TestReconnect_AttemptsResetOnReady(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	h := newHarness(t, first, second)

	h.sess.Connect(context.Background())
	first.Close() // unintentional drop

	eventually(t, "first reconnect scheduled", func() bool { return len(h.scheduled()) == 1 })
	h.fireTimer(0)
	eventually(t, "reconnected", func() bool { return h.sess.State() == StateReady })

	second.pushFrame(wire.Ready(16000, 24000, 1))
	waitState(t, h.sess, StateListening)

	h.sess.mu.Lock()
	attempts := h.sess.attempts
	h.sess.mu.Unlock()
	if attempts != 0 {
		t.Errorf("attempts after READY = %d, want 0", attempts)
	}
}

func TestHeartbeat_PingThenCloseOnMissedPong(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	h.sess.heartbeatTick()
	types := h.conn.sentTypes()
	if len(types) == 0 || types[len(types)-1] != wire.TypePing {
		t.Fatalf("sent types = %v, want trailing ping", types)
	}

	// No pong arrives before the next tick: the socket is closed and a
	// reconnect is scheduled.
	h.sess.heartbeatTick()
	eventually(t, "reconnect after missed pong", func() bool { return len(h.scheduled()) == 1 })
}

func TestHeartbeat_PongKeepsConnectionAlive(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	h.sess.heartbeatTick()
	h.conn.pushFrame(wire.Pong())
	eventually(t, "pong processed", func() bool {
		h.sess.mu.Lock()
		defer h.sess.mu.Unlock()
		return !h.sess.pongPending
	})

	h.sess.heartbeatTick()
	if len(h.scheduled()) != 0 {
		t.Error("reconnect scheduled despite healthy heartbeat")
	}
}

func TestDisconnect_IsIntentional(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	h.sess.Disconnect()
	eventually(t, "audio released", func() bool {
		return h.capture.CallCountStop >= 1 && h.player.CallCountClose >= 1
	})

	time.Sleep(20 * time.Millisecond)
	if len(h.scheduled()) != 0 {
		t.Error("reconnect scheduled after intentional disconnect")
	}
}

func TestServerError_SurfacesAndParksInError(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	var got error
	h.sess.OnError(func(err error) { got = err })

	h.conn.pushFrame(wire.Error("Chat failed"))
	waitState(t, h.sess, StateError)
	if got == nil || got.Error() != "Chat failed" {
		t.Errorf("error = %v, want Chat failed", got)
	}
}

func TestUnknownFrameTypesAreDropped(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	h.conn.inbound <- inboundMsg{data: []byte(`{"type":"mystery"}`)}
	h.conn.pushFrame(wire.Thinking())
	waitState(t, h.sess, StateThinking)
}

func TestOn_UnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t, newFakeConn())

	calls := 0
	off := h.sess.OnStateChange(func(State) { calls++ })
	off()
	off() // double-unsubscribe is safe

	h.sess.Connect(context.Background())
	if calls != 0 {
		t.Errorf("calls = %d, want 0 after unsubscribe", calls)
	}
}

func TestOn_UnknownEventPanics(t *testing.T) {
	h := newHarness(t, newFakeConn())
	defer func() {
		if recover() == nil {
			t.Error("subscribing to an unknown event did not panic")
		}
	}()
	h.sess.On(Event("bogus"), func(any) {})
}

func TestMicFramesForwardedAsBinary(t *testing.T) {
	h := newHarness(t, newFakeConn())
	h.goListening(t)

	h.capture.EmitFrame([]byte{1, 2, 3, 4})
	eventually(t, "binary frame written", func() bool { return h.conn.sentBinaryCount() == 1 })
}

func TestSessionURL_IncludesSlug(t *testing.T) {
	s := New("ws://host:1234/", nil, nil, WithSlug("concierge"))
	if got := s.sessionURL(); got != "ws://host:1234/session?slug=concierge" {
		t.Errorf("sessionURL = %q", got)
	}
	s = New("ws://host:1234", nil, nil)
	if got := s.sessionURL(); got != "ws://host:1234/session" {
		t.Errorf("sessionURL = %q", got)
	}
}
