package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/agent"
	"github.com/parleyvoice/parley/internal/tools/builtin"
	"github.com/parleyvoice/parley/internal/wire"
	llmpkg "github.com/parleyvoice/parley/pkg/provider/llm"
	llmmock "github.com/parleyvoice/parley/pkg/provider/llm/mock"
	"github.com/parleyvoice/parley/pkg/provider/stt"
	sttmock "github.com/parleyvoice/parley/pkg/provider/stt/mock"
	ttsmock "github.com/parleyvoice/parley/pkg/provider/tts/mock"
	"github.com/parleyvoice/parley/pkg/types"
)

const waitTimeout = 3 * time.Second

// fakeTransport is an in-memory Transport. Tests feed inbound messages via
// Push and observe outbound traffic on buffered notification channels.
type fakeTransport struct {
	inbound chan Inbound
	frames  chan wire.Frame
	audio   chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan Inbound, 64),
		frames:  make(chan wire.Frame, 256),
		audio:   make(chan []byte, 256),
	}
}

func (f *fakeTransport) Push(msg Inbound) { f.inbound <- msg }

func (f *fakeTransport) PushFrame(fr wire.Frame) { f.Push(Inbound{Frame: fr}) }

// Disconnect simulates the browser going away.
func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
}

func (f *fakeTransport) Read(ctx context.Context) (Inbound, error) {
	select {
	case msg, ok := <-f.inbound:
		if !ok {
			return Inbound{}, errors.New("connection closed")
		}
		return msg, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

func (f *fakeTransport) WriteFrame(_ context.Context, fr wire.Frame) error {
	f.frames <- fr
	return nil
}

func (f *fakeTransport) WriteAudio(_ context.Context, chunk []byte) error {
	f.audio <- chunk
	return nil
}

func (f *fakeTransport) Close(int, string) error { return nil }

// waitFrame consumes frames until one with the wanted type arrives.
func (f *fakeTransport) waitFrame(t *testing.T, want wire.Type) wire.Frame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case fr := <-f.frames:
			if fr.Type == want {
				return fr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", want)
			return wire.Frame{}
		}
	}
}

// expectNoFrame asserts that no frame of the given type is pending.
func (f *fakeTransport) expectNoFrame(t *testing.T, reject wire.Type) {
	t.Helper()
	for {
		select {
		case fr := <-f.frames:
			if fr.Type == reject {
				t.Fatalf("unexpected %q frame", reject)
			}
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

// fakeExecutor implements ToolExecutor with a per-name result function.
type fakeExecutor struct {
	mu      sync.Mutex
	fn      func(name string, args map[string]any) string
	calls   []string
	dispose int
}

func (e *fakeExecutor) Execute(_ context.Context, name string, args map[string]any) string {
	e.mu.Lock()
	e.calls = append(e.calls, name)
	fn := e.fn
	e.mu.Unlock()
	if fn == nil {
		return "ok"
	}
	return fn(name, args)
}

func (e *fakeExecutor) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispose++
}

func (e *fakeExecutor) callNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// harness wires an Orchestrator to fakes and runs it in the background.
type harness struct {
	t       *testing.T
	tr      *fakeTransport
	sttSess *sttmock.Session
	llm     *llmmock.Provider
	tts     *ttsmock.Provider
	exec    *fakeExecutor
	orch    *Orchestrator
	runErr  chan error
}

func testAgent() *agent.Definition {
	return &agent.Definition{
		Slug:         "helper",
		Instructions: "You are a helpful voice assistant.",
		Voice:        types.VoiceProfile{ID: "luna", Provider: "assemblyai"},
		Tools: []agent.ToolSpec{{
			Name:        "lookup",
			Description: "Look something up.",
			JSONSchema:  map[string]any{"type": "object"},
		}},
	}
}

func start(t *testing.T, def *agent.Definition, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		t:  t,
		tr: newFakeTransport(),
		sttSess: &sttmock.Session{
			PartialsCh: make(chan types.Transcript, 16),
			TurnsCh:    make(chan string, 16),
		},
		llm:    &llmmock.Provider{},
		tts:    &ttsmock.Provider{Chunks: [][]byte{{1, 2}, {3, 4}}},
		exec:   &fakeExecutor{},
		runErr: make(chan error, 1),
	}

	cfg := Config{
		Agent:     def,
		Transport: h.tr,
		STT:       &sttmock.Provider{Session: h.sttSess},
		TTS:       h.tts,
		LLM:       h.llm,
		Executor:  h.exec,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- orch.Run(ctx) }()
	t.Cleanup(func() {
		h.tr.Disconnect()
		select {
		case <-h.runErr:
		case <-time.After(waitTimeout):
			t.Error("session did not shut down")
		}
		cancel()
	})
	return h
}

// goListening walks the session through the handshake to listening.
func (h *harness) goListening() {
	h.t.Helper()
	h.tr.waitFrame(h.t, wire.TypeReady)
	h.tr.PushFrame(wire.AudioReady())
	h.waitState(StateListening)
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if h.orch.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("state = %q, want %q", h.orch.State(), want)
}

// ─── handshake and audio plumbing ─────────────────────────────────────────────

func TestRun_ReadyHandshake(t *testing.T) {
	h := start(t, testAgent(), nil)

	fr := h.tr.waitFrame(t, wire.TypeReady)
	if fr.SampleRate != defaultSampleRate {
		t.Errorf("sampleRate = %d, want %d", fr.SampleRate, defaultSampleRate)
	}
	if fr.TTSSampleRate != 24000 {
		t.Errorf("ttsSampleRate = %d, want 24000", fr.TTSSampleRate)
	}
	if h.orch.State() != StateReady {
		t.Errorf("state = %q, want ready", h.orch.State())
	}
}

func TestRun_AudioForwardedToSTT(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.tr.Push(Inbound{Binary: true, Audio: []byte{9, 9, 9}})

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) && h.sttSess.SendAudioCallCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if h.sttSess.SendAudioCallCount() != 1 {
		t.Fatalf("SendAudio calls = %d, want 1", h.sttSess.SendAudioCallCount())
	}
}

func TestRun_PingPong(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.tr.waitFrame(t, wire.TypeReady)

	h.tr.PushFrame(wire.Ping())
	h.tr.waitFrame(t, wire.TypePong)
}

func TestRun_STTConnectFailure(t *testing.T) {
	h := start(t, testAgent(), func(cfg *Config) {
		cfg.STT = &sttmock.Provider{StartStreamErr: errors.New("dial refused")}
	})

	fr := h.tr.waitFrame(t, wire.TypeError)
	if fr.Message != "Failed to connect to speech recognition" {
		t.Errorf("message = %q", fr.Message)
	}
	h.waitState(StateError)

	// The connection stays up for heartbeats.
	h.tr.PushFrame(wire.Ping())
	h.tr.waitFrame(t, wire.TypePong)
}

// flakySTT fails the first StartStream calls, then delegates to inner.
type flakySTT struct {
	mu    sync.Mutex
	fails int
	inner stt.Provider
}

func (p *flakySTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	if p.fails > 0 {
		p.fails--
		p.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	p.mu.Unlock()
	return p.inner.StartStream(ctx, cfg)
}

func TestRun_STTConnectFailureRecoversViaReset(t *testing.T) {
	h := start(t, testAgent(), func(cfg *Config) {
		cfg.STT = &flakySTT{fails: 1, inner: cfg.STT}
	})

	h.tr.waitFrame(t, wire.TypeError)
	h.waitState(StateError)

	// A reset retries the connection and completes the handshake.
	h.tr.PushFrame(wire.ResetRequest())
	h.tr.waitFrame(t, wire.TypeReset)
	h.tr.waitFrame(t, wire.TypeReady)
	h.waitState(StateReady)

	// The recovered stream carries turns end to end.
	h.tr.PushFrame(wire.AudioReady())
	h.waitState(StateListening)
	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "Recovered."})
	h.sttSess.TurnsCh <- "hello"
	chat := h.tr.waitFrame(t, wire.TypeChat)
	if chat.Text != "Recovered." {
		t.Errorf("chat text = %q", chat.Text)
	}
}

// ─── greeting ─────────────────────────────────────────────────────────────────

func TestRun_GreetingSpokenAfterAudioReady(t *testing.T) {
	def := testAgent()
	def.Greeting = "Hello! How can I help?"
	h := start(t, def, nil)

	h.tr.waitFrame(t, wire.TypeReady)
	h.tr.PushFrame(wire.AudioReady())

	fr := h.tr.waitFrame(t, wire.TypeGreeting)
	if fr.Text != def.Greeting {
		t.Errorf("greeting = %q", fr.Text)
	}
	h.tr.waitFrame(t, wire.TypeTTSDone)
	h.waitState(StateListening)

	msgs := h.orch.Messages()
	if len(msgs) != 2 || msgs[1].Role != "assistant" || msgs[1].Content != def.Greeting {
		t.Errorf("transcript = %+v, want greeting recorded", msgs)
	}
}

func TestRun_NoGreetingWithoutText(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()
	h.tr.expectNoFrame(t, wire.TypeGreeting)
}

func TestRun_DuplicateAudioReadyIgnored(t *testing.T) {
	def := testAgent()
	def.Greeting = "Hello! How can I help?"
	h := start(t, def, nil)

	h.tr.waitFrame(t, wire.TypeReady)
	h.tr.PushFrame(wire.AudioReady())
	h.tr.waitFrame(t, wire.TypeGreeting)
	h.tr.waitFrame(t, wire.TypeTTSDone)
	h.waitState(StateListening)

	// A second audio_ready must not replay the greeting or grow the
	// transcript.
	h.tr.PushFrame(wire.AudioReady())
	h.tr.expectNoFrame(t, wire.TypeGreeting)
	h.waitState(StateListening)

	msgs := h.orch.Messages()
	if len(msgs) != 2 {
		t.Errorf("transcript length = %d, want 2", len(msgs))
	}
}

// ─── plain turns ──────────────────────────────────────────────────────────────

func TestRun_PlainTurn(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "The capital of France is Paris."})
	h.sttSess.TurnsCh <- "what is the capital of france"

	turn := h.tr.waitFrame(t, wire.TypeTurn)
	if turn.Text != "what is the capital of france" {
		t.Errorf("turn text = %q", turn.Text)
	}
	h.tr.waitFrame(t, wire.TypeThinking)

	chat := h.tr.waitFrame(t, wire.TypeChat)
	if chat.Text != "The capital of France is Paris." {
		t.Errorf("chat text = %q", chat.Text)
	}
	if chat.Steps == nil || len(chat.Steps) != 0 {
		t.Errorf("steps = %#v, want empty non-nil", chat.Steps)
	}

	h.tr.waitFrame(t, wire.TypeTTSDone)
	h.waitState(StateListening)

	msgs := h.orch.Messages()
	if len(msgs) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[2].Role != "assistant" {
		t.Errorf("transcript roles = %q, %q", msgs[1].Role, msgs[2].Role)
	}
}

func TestRun_PartialTranscriptForwarded(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.sttSess.PartialsCh <- types.Transcript{Text: "what is", IsFinal: false}

	fr := h.tr.waitFrame(t, wire.TypeTranscript)
	if fr.Text != "what is" || fr.Final {
		t.Errorf("transcript frame = %+v", fr)
	}
}

func TestRun_EmptyReplyFallback(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.llm.Enqueue(&llmpkg.CompletionResponse{})
	h.sttSess.TurnsCh <- "hello"

	chat := h.tr.waitFrame(t, wire.TypeChat)
	if chat.Text != fallbackReply {
		t.Errorf("chat text = %q, want fallback", chat.Text)
	}
}

// ─── tool calls ───────────────────────────────────────────────────────────────

func TestRun_ToolCallLoop(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.exec.fn = func(name string, args map[string]any) string { return "42" }
	h.goListening()

	h.llm.Enqueue(&llmpkg.CompletionResponse{ToolCalls: []types.ToolCall{
		{ID: "call-1", Name: "lookup", Arguments: `{"q":"meaning"}`},
	}})
	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "The answer is 42."})

	h.sttSess.TurnsCh <- "look up the meaning"

	chat := h.tr.waitFrame(t, wire.TypeChat)
	if chat.Text != "The answer is 42." {
		t.Errorf("chat text = %q", chat.Text)
	}
	if len(chat.Steps) != 1 || chat.Steps[0] != "Using lookup" {
		t.Errorf("steps = %v", chat.Steps)
	}

	if got := h.exec.callNames(); len(got) != 1 || got[0] != "lookup" {
		t.Errorf("executor calls = %v", got)
	}

	// The second completion saw the tool result.
	if h.llm.CompleteCallCount() != 2 {
		t.Fatalf("Complete calls = %d, want 2", h.llm.CompleteCallCount())
	}
	second := h.llm.CompleteCalls[1].Req.Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "42" || last.ToolCallID != "call-1" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestRun_ParallelToolCallsPreserveOrder(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.exec.fn = func(name string, _ map[string]any) string {
		// The first call sleeps so a naive implementation would reorder.
		if name == "lookup" {
			time.Sleep(50 * time.Millisecond)
		}
		return "result:" + name
	}
	h.goListening()

	h.llm.Enqueue(&llmpkg.CompletionResponse{ToolCalls: []types.ToolCall{
		{ID: "c1", Name: "lookup", Arguments: `{}`},
		{ID: "c2", Name: "other", Arguments: `{}`},
	}})
	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "done"})

	h.sttSess.TurnsCh <- "do both"

	chat := h.tr.waitFrame(t, wire.TypeChat)
	if len(chat.Steps) != 2 || chat.Steps[0] != "Using lookup" || chat.Steps[1] != "Using other" {
		t.Errorf("steps = %v, want call order preserved", chat.Steps)
	}

	second := h.llm.CompleteCalls[1].Req.Messages
	n := len(second)
	if second[n-2].ToolCallID != "c1" || second[n-2].Content != "result:lookup" {
		t.Errorf("first tool message = %+v", second[n-2])
	}
	if second[n-1].ToolCallID != "c2" || second[n-1].Content != "result:other" {
		t.Errorf("second tool message = %+v", second[n-1])
	}
}

func TestRun_InvalidToolArguments(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.llm.Enqueue(&llmpkg.CompletionResponse{ToolCalls: []types.ToolCall{
		{ID: "c1", Name: "lookup", Arguments: `{not json`},
	}})
	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "sorry"})

	h.sttSess.TurnsCh <- "go"
	h.tr.waitFrame(t, wire.TypeChat)

	if got := h.exec.callNames(); len(got) != 0 {
		t.Errorf("executor ran despite bad arguments: %v", got)
	}
	second := h.llm.CompleteCalls[1].Req.Messages
	last := second[len(second)-1]
	want := `Error: Invalid JSON arguments for tool "lookup"`
	if last.Content != want {
		t.Errorf("tool result = %q, want %q", last.Content, want)
	}
}

func TestRun_BuiltinToolRunsNatively(t *testing.T) {
	def := testAgent()
	def.BuiltinToolNames = []string{"current_time"}
	fixed := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	h := start(t, def, func(cfg *Config) {
		cfg.Builtins = builtin.NewRegistry(builtin.WithClock(func() time.Time { return fixed }))
	})
	h.goListening()

	h.llm.Enqueue(&llmpkg.CompletionResponse{ToolCalls: []types.ToolCall{
		{ID: "c1", Name: "current_time", Arguments: `{}`},
	}})
	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "it is morning"})

	h.sttSess.TurnsCh <- "what time is it"
	h.tr.waitFrame(t, wire.TypeChat)

	if got := h.exec.callNames(); len(got) != 0 {
		t.Errorf("builtin leaked into the sandbox executor: %v", got)
	}
	second := h.llm.CompleteCalls[1].Req.Messages
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "2026") {
		t.Errorf("builtin result = %q", last.Content)
	}
}

func TestRun_ToolLoopExhausted(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	for i := 0; i < maxToolIterations; i++ {
		h.llm.Enqueue(&llmpkg.CompletionResponse{ToolCalls: []types.ToolCall{
			{ID: fmt.Sprintf("c%d", i), Name: "lookup", Arguments: `{}`},
		}})
	}

	h.sttSess.TurnsCh <- "loop forever"

	chat := h.tr.waitFrame(t, wire.TypeChat)
	if chat.Text != exhaustedReply {
		t.Errorf("chat text = %q, want the exhaustion reply", chat.Text)
	}
	if len(chat.Steps) != maxToolIterations {
		t.Errorf("steps = %v, want %d entries", chat.Steps, maxToolIterations)
	}
	if h.llm.CompleteCallCount() != maxToolIterations {
		t.Errorf("Complete calls = %d, want %d", h.llm.CompleteCallCount(), maxToolIterations)
	}
	h.tr.waitFrame(t, wire.TypeTTSDone)
	h.waitState(StateListening)
}

// ─── cancel and reset ─────────────────────────────────────────────────────────

func TestRun_CancelDuringThinking(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.llm.Block = true
	h.goListening()

	h.sttSess.TurnsCh <- "long question"
	h.tr.waitFrame(t, wire.TypeThinking)
	h.waitState(StateThinking)

	h.tr.PushFrame(wire.Cancel())
	h.tr.waitFrame(t, wire.TypeCancelled)
	h.waitState(StateListening)

	if h.sttSess.ClearCallCount == 0 {
		t.Error("expected STT Clear on cancel")
	}
	h.tr.expectNoFrame(t, wire.TypeChat)

	// The user turn stays in the transcript after cancel.
	msgs := h.orch.Messages()
	if len(msgs) != 2 || msgs[1].Content != "long question" {
		t.Errorf("transcript = %+v, want user turn kept", msgs)
	}
}

func TestRun_BargeInTurnReplacesInflight(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.llm.Block = true
	h.goListening()

	h.sttSess.TurnsCh <- "first question"
	h.tr.waitFrame(t, wire.TypeThinking)

	// A new turn lands while the first is still thinking: the first dies,
	// the second completes normally.
	h.llm.Block = false
	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "second answer"})
	h.sttSess.TurnsCh <- "second question"

	chat := h.tr.waitFrame(t, wire.TypeChat)
	if chat.Text != "second answer" {
		t.Errorf("chat text = %q", chat.Text)
	}
	h.waitState(StateListening)
}

func TestRun_ResetTruncatesTranscript(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "first answer"})
	h.sttSess.TurnsCh <- "first question"
	h.tr.waitFrame(t, wire.TypeTTSDone)

	h.tr.PushFrame(wire.ResetRequest())
	h.tr.waitFrame(t, wire.TypeReset)

	msgs := h.orch.Messages()
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Errorf("transcript after reset = %+v, want system message only", msgs)
	}
	h.waitState(StateListening)

	// The session keeps working after reset.
	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "fresh answer"})
	h.sttSess.TurnsCh <- "new question"
	chat := h.tr.waitFrame(t, wire.TypeChat)
	if chat.Text != "fresh answer" {
		t.Errorf("chat text = %q", chat.Text)
	}
}

func TestRun_ResetIsIdempotent(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.tr.PushFrame(wire.ResetRequest())
	h.tr.waitFrame(t, wire.TypeReset)
	h.tr.PushFrame(wire.ResetRequest())
	h.tr.waitFrame(t, wire.TypeReset)

	if got := len(h.orch.Messages()); got != 1 {
		t.Errorf("transcript length = %d, want 1", got)
	}
}

// ─── failure propagation ──────────────────────────────────────────────────────

func TestRun_LLMFailure(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.llm.EnqueueError(errors.New("upstream 500"))
	h.sttSess.TurnsCh <- "hello"

	fr := h.tr.waitFrame(t, wire.TypeError)
	if fr.Message != "Chat failed" {
		t.Errorf("message = %q", fr.Message)
	}
	h.waitState(StateError)
}

func TestRun_TTSFailure(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.tts.Chunks = nil
	h.tts.SynthesizeErr = errors.New("vendor closed stream")
	h.goListening()

	h.llm.Enqueue(&llmpkg.CompletionResponse{Content: "doomed reply"})
	h.sttSess.TurnsCh <- "hello"

	h.tr.waitFrame(t, wire.TypeChat)
	fr := h.tr.waitFrame(t, wire.TypeError)
	if fr.Message != "TTS synthesis failed" {
		t.Errorf("message = %q", fr.Message)
	}
	h.waitState(StateError)
	h.tr.expectNoFrame(t, wire.TypeTTSDone)
}

func TestRun_ErrorStateRecoversViaReset(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.llm.EnqueueError(errors.New("boom"))
	h.sttSess.TurnsCh <- "hello"
	h.tr.waitFrame(t, wire.TypeError)
	h.waitState(StateError)

	h.tr.PushFrame(wire.ResetRequest())
	h.tr.waitFrame(t, wire.TypeReset)
	h.waitState(StateListening)
}

// ─── shutdown ─────────────────────────────────────────────────────────────────

func TestRun_DisconnectReleasesResources(t *testing.T) {
	h := start(t, testAgent(), nil)
	h.goListening()

	h.tr.Disconnect()
	select {
	case err := <-h.runErr:
		h.runErr <- err
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return on disconnect")
	}

	if h.sttSess.CloseCallCount == 0 {
		t.Error("STT session not closed")
	}
	h.exec.mu.Lock()
	disposed := h.exec.dispose
	h.exec.mu.Unlock()
	if disposed == 0 {
		t.Error("executor not disposed")
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	_, err = New(Config{Agent: testAgent()})
	if err == nil {
		t.Fatal("expected error for missing collaborators")
	}
}
