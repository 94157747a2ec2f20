// Package session drives one browser WebSocket through its lifetime: the
// state machine, audio fan-in to STT, the turn loop against the LLM and
// tool executor, TTS fan-out, and cancel/reset semantics.
//
// One Orchestrator exists per open connection and is shared-nothing: no
// session touches another's state. A single driver goroutine owns the
// message loop; turns run in a spawned goroutine tracked as the session's
// one in-flight task, cancelled before a successor starts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parleyvoice/parley/internal/agent"
	"github.com/parleyvoice/parley/internal/tools/builtin"
	"github.com/parleyvoice/parley/internal/transcript"
	"github.com/parleyvoice/parley/internal/wire"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/provider/stt"
	"github.com/parleyvoice/parley/pkg/provider/tts"
	"github.com/parleyvoice/parley/pkg/types"
)

const (
	// maxToolIterations bounds the tool-call loop per turn.
	maxToolIterations = 3

	// defaultSampleRate is the microphone capture rate advertised to the
	// browser.
	defaultSampleRate = 16000

	// protocolVersion is advertised on the ready frame.
	protocolVersion = 1

	// writeTimeout bounds a single outbound write.
	writeTimeout = 10 * time.Second
)

// fallbackReply is spoken when the model produced no content.
const fallbackReply = "Sorry, I couldn't generate a response."

// exhaustedReply is spoken when the tool loop hits its iteration cap
// without the model settling on a final answer.
const exhaustedReply = "Sorry, I wasn't able to finish that request. Could you try rephrasing?"

// ToolExecutor runs agent-supplied tool handlers. The sandbox implements
// it; tests substitute fakes.
type ToolExecutor interface {
	// Execute runs the named handler and folds every failure into the
	// returned result string.
	Execute(ctx context.Context, name string, args map[string]any) string

	// Dispose releases the executor. Idempotent.
	Dispose()
}

// Recorder receives session-level measurements. Implementations must be
// safe for concurrent use; a nil Recorder disables recording.
type Recorder interface {
	TurnStarted(ctx context.Context)
	TurnCompleted(ctx context.Context, d time.Duration)
	ToolExecuted(ctx context.Context, name string, d time.Duration)
	SessionClosed(ctx context.Context, d time.Duration)
}

// Config carries the collaborators for one session.
type Config struct {
	Agent     *agent.Definition
	Transport Transport
	STT       stt.Provider
	TTS       tts.Provider
	LLM       llm.Provider
	Executor  ToolExecutor

	// Builtins resolves the agent's builtinToolNames. Optional.
	Builtins *builtin.Registry

	// Corrector rewrites recognised turns against the agent vocabulary.
	// Optional.
	Corrector *transcript.Corrector

	// SampleRate is the microphone rate advertised to the browser.
	// Defaults to 16000.
	SampleRate int

	Logger  *slog.Logger
	Metrics Recorder
}

// Orchestrator is one live session.
type Orchestrator struct {
	id      string
	agent   *agent.Definition
	tr      Transport
	stt     stt.Provider
	tts     tts.Provider
	llm     llm.Provider
	exec    ToolExecutor
	builtin map[string]builtin.Tool
	correct *transcript.Corrector
	log     *slog.Logger
	metrics Recorder

	sampleRate int
	machine    *machine

	// greeted is set when the first audio_ready arrives. Duplicates are
	// dropped so the greeting never replays mid-session. Driver goroutine
	// only.
	greeted bool

	// messages is the conversation transcript. messages[0] is always the
	// system message; reset truncates to messages[0:1]. Guarded by msgMu
	// because the turn goroutine appends while the driver may truncate.
	msgMu    sync.Mutex
	messages []types.Message

	// turn tracking: at most one in-flight turn task at any moment.
	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnDone   chan struct{}
}

// New builds an Orchestrator. The session does not touch the network until
// Run.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Agent == nil {
		return nil, errors.New("session: agent definition is required")
	}
	if cfg.Transport == nil || cfg.STT == nil || cfg.TTS == nil || cfg.LLM == nil || cfg.Executor == nil {
		return nil, errors.New("session: transport and all providers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}

	id := uuid.NewString()
	log := cfg.Logger.With(slog.String("session_id", id), slog.String("agent", cfg.Agent.Slug))

	o := &Orchestrator{
		id:         id,
		agent:      cfg.Agent,
		tr:         cfg.Transport,
		stt:        cfg.STT,
		tts:        cfg.TTS,
		llm:        cfg.LLM,
		exec:       cfg.Executor,
		builtin:    map[string]builtin.Tool{},
		correct:    cfg.Corrector,
		log:        log,
		metrics:    cfg.Metrics,
		sampleRate: cfg.SampleRate,
		machine:    newMachine(log),
		messages:   []types.Message{types.SystemMessage(cfg.Agent.SystemPrompt())},
	}

	if cfg.Builtins != nil {
		resolved, err := cfg.Builtins.Resolve(cfg.Agent.BuiltinToolNames)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		for _, t := range resolved {
			o.builtin[t.Definition.Name] = t
		}
	}

	return o, nil
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current session state.
func (o *Orchestrator) State() State { return o.machine.Current() }

// Run drives the session until the browser connection closes or ctx is
// cancelled. It always returns after releasing the STT stream and the tool
// executor.
func (o *Orchestrator) Run(ctx context.Context) error {
	started := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		o.cancelInflight()
		o.exec.Dispose()
		if o.metrics != nil {
			o.metrics.SessionClosed(ctx, time.Since(started))
		}
		o.log.Info("session closed", slog.Duration("lifetime", time.Since(started)))
	}()

	var sttSession stt.SessionHandle
	for {
		handle, err := o.stt.StartStream(ctx, stt.StreamConfig{
			SampleRate: o.sampleRate,
			Keywords:   o.vocabulary(),
		})
		if err == nil {
			sttSession = handle
			break
		}
		o.log.Error("stt connect failed", slog.Any("error", err))
		o.machine.To(StateError)
		o.writeFrame(ctx, wire.Error("Failed to connect to speech recognition"))
		// The session stays open so the client can observe the error and
		// disconnect, or request a reset to retry the connection.
		if !o.drainControl(ctx) {
			return nil
		}
		o.machine.To(StateConnecting)
	}
	defer sttSession.Close()

	if err := o.writeFrame(ctx, wire.Ready(o.sampleRate, o.tts.SampleRate(), protocolVersion)); err != nil {
		return err
	}
	o.machine.To(StateReady)

	inbound := make(chan Inbound)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := o.tr.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			o.log.Debug("browser connection gone", slog.Any("error", err))
			return nil

		case msg := <-inbound:
			o.handleInbound(ctx, msg, sttSession)

		case partial, ok := <-sttSession.Partials():
			if !ok {
				continue
			}
			o.writeFrame(ctx, wire.Transcript(partial.Text, partial.IsFinal))

		case turnText, ok := <-sttSession.Turns():
			if !ok {
				continue
			}
			o.onTurn(ctx, turnText, sttSession)
		}
	}
}

// drainControl keeps reading control frames after an STT connect failure so
// the client sees the error frame and heartbeats stay answered. It reports
// whether the client asked for a reset, in which case the caller retries
// the connection.
func (o *Orchestrator) drainControl(ctx context.Context) bool {
	for {
		msg, err := o.tr.Read(ctx)
		if err != nil {
			return false
		}
		if msg.Binary {
			continue
		}
		switch msg.Frame.Type {
		case wire.TypePing:
			o.writeFrame(ctx, wire.Pong())
		case wire.TypeResetRequest:
			o.truncateTranscript()
			o.writeFrame(ctx, wire.Reset())
			return true
		}
	}
}

// handleInbound dispatches one browser message on the driver goroutine.
func (o *Orchestrator) handleInbound(ctx context.Context, msg Inbound, sttSession stt.SessionHandle) {
	if msg.Binary {
		// Fan audio straight into STT. SendAudio never blocks; ordering
		// is preserved by the single driver goroutine.
		if err := sttSession.SendAudio(msg.Audio); err != nil {
			o.log.Debug("audio dropped", slog.Any("error", err))
		}
		return
	}

	switch msg.Frame.Type {
	case wire.TypeAudioReady:
		// Only the first audio_ready arms the session. A duplicate must not
		// replay the greeting or cancel an in-flight turn.
		if o.greeted {
			return
		}
		if o.machine.To(StateListening) {
			o.greeted = true
			o.startGreeting(ctx)
		}

	case wire.TypeCancel:
		o.cancelInflight()
		sttSession.Clear()
		o.writeFrame(ctx, wire.Cancelled())
		o.machine.To(StateListening)

	case wire.TypeResetRequest:
		o.cancelInflight()
		o.truncateTranscript()
		o.writeFrame(ctx, wire.Reset())
		o.recoverToListening()

	case wire.TypePing:
		o.writeFrame(ctx, wire.Pong())

	default:
		// Known tag that is not client-to-server; ignore.
	}
}

// onTurn handles a completed user turn from STT.
func (o *Orchestrator) onTurn(ctx context.Context, text string, sttSession stt.SessionHandle) {
	if o.correct != nil {
		corrected, fixes := o.correct.Correct(text, o.vocabulary())
		if len(fixes) > 0 {
			o.log.Debug("transcript corrected",
				slog.String("from", text), slog.String("to", corrected))
			text = corrected
		}
	}

	// A turn arriving mid-speech is a barge-in: the in-flight task dies
	// before the new one starts.
	o.cancelInflight()
	if o.machine.Current() == StateSpeaking {
		o.machine.To(StateListening)
	}
	o.machine.To(StateThinking)

	o.writeFrame(ctx, wire.Turn(text))
	o.writeFrame(ctx, wire.Thinking())
	o.appendMessage(types.UserMessage(text))

	o.startTask(ctx, func(taskCtx context.Context) {
		o.runTurn(taskCtx)
	})
}

// startGreeting speaks the agent greeting once audio I/O is live.
func (o *Orchestrator) startGreeting(ctx context.Context) {
	greeting := o.agent.Greeting
	if greeting == "" {
		return
	}
	o.writeFrame(ctx, wire.Greeting(greeting))
	o.appendMessage(types.AssistantMessage(greeting))
	o.machine.To(StateSpeaking)

	o.startTask(ctx, func(taskCtx context.Context) {
		o.speak(taskCtx, greeting)
	})
}

// startTask launches the session's single in-flight task, cancelling and
// awaiting any predecessor first so outbound frames never interleave
// across turns.
func (o *Orchestrator) startTask(ctx context.Context, fn func(context.Context)) {
	o.turnMu.Lock()
	prevCancel, prevDone := o.turnCancel, o.turnDone
	o.turnMu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	o.turnMu.Lock()
	o.turnCancel, o.turnDone = cancel, done
	o.turnMu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("session task panicked", slog.Any("panic", r))
				o.machine.To(StateError)
				o.writeFrame(ctx, wire.Error("Internal error"))
			}
		}()
		fn(taskCtx)
	}()
}

// cancelInflight cancels the in-flight turn or greeting task and waits for
// it to finish. Idempotent.
func (o *Orchestrator) cancelInflight() {
	o.turnMu.Lock()
	cancel, done := o.turnCancel, o.turnDone
	o.turnCancel, o.turnDone = nil, nil
	o.turnMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// runTurn executes the tool loop for one user turn.
func (o *Orchestrator) runTurn(ctx context.Context) {
	started := time.Now()
	if o.metrics != nil {
		o.metrics.TurnStarted(ctx)
	}

	var steps []string

	for iter := 0; iter < maxToolIterations; iter++ {
		resp, err := o.llm.Complete(ctx, llm.CompletionRequest{
			Messages: o.snapshotMessages(),
			Tools:    o.toolDefinitions(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Error("llm completion failed", slog.Any("error", err))
			o.machine.To(StateError)
			o.writeFrame(ctx, wire.Error("Chat failed"))
			return
		}

		if len(resp.ToolCalls) == 0 {
			text := resp.Content
			if text == "" {
				text = fallbackReply
			}
			o.appendMessage(types.AssistantMessage(text))
			o.emitChatAndSpeak(ctx, text, steps)
			if o.metrics != nil {
				o.metrics.TurnCompleted(ctx, time.Since(started))
			}
			return
		}

		o.appendMessage(types.AssistantMessage(resp.Content, resp.ToolCalls...))
		results := o.executeToolCalls(ctx, resp.ToolCalls)
		if ctx.Err() != nil {
			return
		}
		for i, tc := range resp.ToolCalls {
			o.appendMessage(types.ToolMessage(tc.ID, results[i]))
			steps = append(steps, "Using "+tc.Name)
		}
	}

	// Iteration cap reached without final text: speak a canned apology
	// instead of going silent, so the browser is not left in thinking.
	o.appendMessage(types.AssistantMessage(exhaustedReply))
	o.emitChatAndSpeak(ctx, exhaustedReply, steps)
	if o.metrics != nil {
		o.metrics.TurnCompleted(ctx, time.Since(started))
	}
}

// emitChatAndSpeak sends the chat frame and runs TTS to completion.
func (o *Orchestrator) emitChatAndSpeak(ctx context.Context, text string, steps []string) {
	o.writeFrame(ctx, wire.Chat(text, steps))
	o.machine.To(StateSpeaking)
	o.speak(ctx, text)
}

// speak synthesises text and streams the audio to the browser. On natural
// completion it emits tts_done and returns the session to listening.
func (o *Orchestrator) speak(ctx context.Context, text string) {
	err := o.tts.Synthesize(ctx, normalizeVoiceText(text), o.agent.Voice, func(chunk []byte) {
		o.writeAudio(ctx, chunk)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-speech; the cancel path owns the state.
			return
		}
		o.log.Error("tts synthesis failed", slog.Any("error", err))
		o.machine.To(StateError)
		o.writeFrame(ctx, wire.Error("TTS synthesis failed"))
		return
	}
	if ctx.Err() != nil {
		return
	}
	o.writeFrame(ctx, wire.TTSDone())
	o.machine.To(StateListening)
}

// executeToolCalls runs the batch in parallel and returns results in
// tool-call order.
func (o *Orchestrator) executeToolCalls(ctx context.Context, calls []types.ToolCall) []string {
	results := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		g.Go(func() error {
			results[i] = o.executeTool(gctx, tc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// executeTool resolves one tool call: builtin tools run natively, agent
// tools run in the sandbox. Argument parse failures become the literal
// error string the model sees.
func (o *Orchestrator) executeTool(ctx context.Context, tc types.ToolCall) string {
	var args map[string]any
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return fmt.Sprintf("Error: Invalid JSON arguments for tool %q", tc.Name)
		}
	}

	started := time.Now()
	var result string
	if bt, ok := o.builtin[tc.Name]; ok {
		result = bt.Execute(ctx, args)
	} else {
		result = o.exec.Execute(ctx, tc.Name, args)
	}
	if o.metrics != nil {
		o.metrics.ToolExecuted(ctx, tc.Name, time.Since(started))
	}
	return result
}

// ─── transcript bookkeeping ───────────────────────────────────────────────────

func (o *Orchestrator) appendMessage(m types.Message) {
	o.msgMu.Lock()
	defer o.msgMu.Unlock()
	o.messages = append(o.messages, m)
}

func (o *Orchestrator) snapshotMessages() []types.Message {
	o.msgMu.Lock()
	defer o.msgMu.Unlock()
	out := make([]types.Message, len(o.messages))
	copy(out, o.messages)
	return out
}

func (o *Orchestrator) truncateTranscript() {
	o.msgMu.Lock()
	defer o.msgMu.Unlock()
	o.messages = o.messages[:1]
}

// Messages returns a copy of the conversation transcript.
func (o *Orchestrator) Messages() []types.Message {
	return o.snapshotMessages()
}

// recoverToListening returns the session to listening after a reset,
// walking the error recovery path when needed.
func (o *Orchestrator) recoverToListening() {
	if o.machine.Current() == StateError {
		o.machine.To(StateConnecting)
		o.machine.To(StateReady)
	}
	o.machine.To(StateListening)
}

// toolDefinitions merges builtin and agent tool contracts for the LLM.
func (o *Orchestrator) toolDefinitions() []types.ToolDefinition {
	defs := o.agent.ToolDefinitions()
	for _, bt := range o.builtin {
		defs = append(defs, bt.Definition)
	}
	return defs
}

// vocabulary lists recognition hints: every tool name, plus a spaced form
// for multi-word names the user will speak naturally.
func (o *Orchestrator) vocabulary() []string {
	var words []string
	add := func(name string) {
		words = append(words, name)
		if spaced := strings.ReplaceAll(name, "_", " "); spaced != name {
			words = append(words, spaced)
		}
	}
	for _, t := range o.agent.Tools {
		add(t.Name)
	}
	for _, name := range o.agent.BuiltinToolNames {
		add(name)
	}
	return words
}

// ─── outbound writes ──────────────────────────────────────────────────────────

func (o *Orchestrator) writeFrame(ctx context.Context, f wire.Frame) error {
	wctx, cancel := context.WithTimeout(withoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := o.tr.WriteFrame(wctx, f); err != nil {
		o.log.Debug("frame write failed", slog.String("type", string(f.Type)), slog.Any("error", err))
		return err
	}
	return nil
}

func (o *Orchestrator) writeAudio(ctx context.Context, chunk []byte) {
	wctx, cancel := context.WithTimeout(withoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := o.tr.WriteAudio(wctx, chunk); err != nil {
		o.log.Debug("audio write failed", slog.Any("error", err))
	}
}

// withoutCancel detaches write deadlines from task cancellation: a
// cancelled turn must still be able to send its cancelled/error frames.
func withoutCancel(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
