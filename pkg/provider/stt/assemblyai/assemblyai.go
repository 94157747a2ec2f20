// Package assemblyai provides an AssemblyAI-backed STT provider using the
// AssemblyAI v3 streaming WebSocket API. It implements the stt.Provider
// interface.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/parleyvoice/parley/pkg/provider/stt"
	"github.com/parleyvoice/parley/pkg/types"
)

const (
	streamEndpoint    = "wss://streaming.assemblyai.com/v3/ws"
	defaultSampleRate = 16000

	// audioBuf is the depth of the outbound audio queue. At 100 ms frames
	// this absorbs ~25 s of vendor stall before chunks are dropped.
	audioBuf = 256

	// transcriptBuf is the depth of the partial and turn channels.
	transcriptBuf = 64
)

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming WebSocket endpoint. Useful for tests
// and regional deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithFormattedTurns controls whether turn text is returned with punctuation
// and casing applied. Default true.
func WithFormattedTurns(formatted bool) Option {
	return func(p *Provider) { p.formatTurns = formatted }
}

// Provider implements stt.Provider backed by the AssemblyAI streaming API.
type Provider struct {
	apiKey      string
	endpoint    string
	formatTurns bool
}

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		endpoint:    streamEndpoint,
		formatTurns: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session. It respects
// cfg.SampleRate and cfg.Keywords; cfg.Language is accepted for interface
// parity but the v3 streaming API is English-only.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}

	sess := &session{
		conn:      conn,
		formatted: p.formatTurns,
		partials:  make(chan types.Transcript, transcriptBuf),
		turns:     make(chan string, transcriptBuf),
		audio:     make(chan []byte, audioBuf),
		done:      make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(p.formatTurns))
	for _, kw := range cfg.Keywords {
		q.Add("keyterms_prompt", kw)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// streamMessage is the JSON envelope received over the streaming WebSocket.
// The v3 API tags messages with a "type" of Begin, Turn, or Termination.
type streamMessage struct {
	Type             string  `json:"type"`
	Transcript       string  `json:"transcript"`
	EndOfTurn        bool    `json:"end_of_turn"`
	TurnIsFormatted  bool    `json:"turn_is_formatted"`
	EndOfTurnConf    float64 `json:"end_of_turn_confidence"`
	AudioDurationSec float64 `json:"audio_duration_seconds"`
}

// parseTurnMessage decodes a streaming message and returns ok=true only for
// Turn messages that carry transcript text. Begin, Termination, and empty
// turns are skipped.
func parseTurnMessage(raw []byte) (streamMessage, bool) {
	var m streamMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return streamMessage{}, false
	}
	if m.Type != "Turn" || m.Transcript == "" {
		return streamMessage{}, false
	}
	return m, true
}

// session is a live AssemblyAI streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn      *websocket.Conn
	formatted bool
	partials  chan types.Transcript
	turns     chan string
	audio     chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// discard is set by Clear and lifted when the vendor reports the next
	// end of turn. While set, turn text is dropped instead of emitted —
	// this is what discards speech that straddles a barge-in.
	mu      sync.Mutex
	discard bool
}

// SendAudio queues a PCM16 chunk for delivery. If the outbound queue is full
// (vendor stall) the chunk is dropped rather than blocking the caller.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("assemblyai: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
	default:
		// Queue full: prefer dropping audio over stalling the session driver.
	}
	return nil
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Turns returns the channel of completed user turns.
func (s *session) Turns() <-chan string { return s.turns }

// Clear drops locally queued audio and suppresses the in-flight utterance.
// The vendor offers no buffer-flush message, so suppression is client-side:
// the next end-of-turn result is swallowed instead of emitted.
func (s *session) Clear() {
	s.mu.Lock()
	s.discard = true
	s.mu.Unlock()

	for {
		select {
		case <-s.audio:
		default:
			return
		}
	}
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the vendor to flush and close its side.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"Terminate"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to the
// vendor.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives JSON messages from the vendor and dispatches them to the
// partials and turns channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.turns)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			return
		}

		m, ok := parseTurnMessage(msg)
		if !ok {
			continue
		}

		t := types.Transcript{
			Text:       m.Transcript,
			IsFinal:    m.EndOfTurn,
			Confidence: m.EndOfTurnConf,
		}
		select {
		case s.partials <- t:
		case <-s.done:
			return
		default:
			// Partial consumers lagging; partials are advisory, drop.
		}

		if !m.EndOfTurn {
			continue
		}
		// When formatted turns are on, the unformatted end-of-turn result is
		// followed by a formatted duplicate; emit only the formatted one.
		if s.formatted && !m.TurnIsFormatted {
			continue
		}

		s.mu.Lock()
		discarded := s.discard
		s.discard = false
		s.mu.Unlock()
		if discarded {
			continue
		}

		select {
		case s.turns <- m.Transcript:
		case <-s.done:
			return
		}
	}
}

var _ stt.SessionHandle = (*session)(nil)
var _ stt.Provider = (*Provider)(nil)
