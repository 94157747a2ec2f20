// Package assemblyai provides an AssemblyAI-backed TTS provider using the
// AssemblyAI streaming speech WebSocket API. It implements the tts.Provider
// interface.
package assemblyai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/parleyvoice/parley/pkg/provider/tts"
	"github.com/parleyvoice/parley/pkg/types"
)

const (
	defaultEndpoint   = "wss://streaming.assemblyai.com/v3/tts"
	defaultSampleRate = 24000
	defaultVoiceID    = "luna"
)

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithSampleRate sets the PCM16 output sample rate in Hz. Default 24000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithDefaultVoice sets the voice used when a synthesis request carries an
// empty VoiceProfile.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) { p.defaultVoice = voiceID }
}

// Provider implements tts.Provider backed by the AssemblyAI streaming
// speech API.
type Provider struct {
	apiKey       string
	endpoint     string
	sampleRate   int
	defaultVoice string
}

// New creates a new AssemblyAI TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     defaultEndpoint,
		sampleRate:   defaultSampleRate,
		defaultVoice: defaultVoiceID,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate returns the configured PCM16 output rate in Hz.
func (p *Provider) SampleRate() int { return p.sampleRate }

// ---- WebSocket message types ----

// beginMessage opens a synthesis stream: it authenticates, selects the voice,
// and pins the output format for the connection.
type beginMessage struct {
	Type       string `json:"type"`
	APIKey     string `json:"api_key"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

// textMessage carries the text to synthesise, followed by a flush marker
// telling the vendor no more text is coming.
type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// audioMessage is the JSON message received over the WebSocket. Audio is
// base64-encoded PCM16; Done marks the final message of the stream.
type audioMessage struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Message string `json:"message,omitempty"`
}

// Synthesize opens a WebSocket to AssemblyAI, sends the text, and invokes
// onAudio for every decoded PCM16 chunk until the vendor signals completion.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile, onAudio func(chunk []byte)) error {
	if text == "" {
		return nil
	}

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("assemblyai: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}

	begin := beginMessage{
		Type:       "Begin",
		APIKey:     p.apiKey,
		Voice:      voiceID,
		SampleRate: p.sampleRate,
		Encoding:   "pcm_s16le",
	}
	if err := writeJSON(ctx, conn, begin); err != nil {
		return fmt.Errorf("assemblyai: send begin: %w", err)
	}
	if err := writeJSON(ctx, conn, textMessage{Type: "Speak", Text: text}); err != nil {
		return fmt.Errorf("assemblyai: send text: %w", err)
	}
	if err := writeJSON(ctx, conn, textMessage{Type: "Flush"}); err != nil {
		return fmt.Errorf("assemblyai: send flush: %w", err)
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("assemblyai: read: %w", err)
		}

		chunk, done, err := parseAudioMessage(msg)
		if err != nil {
			return fmt.Errorf("assemblyai: %w", err)
		}
		if len(chunk) > 0 {
			onAudio(chunk)
		}
		if done {
			return nil
		}
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// parseAudioMessage decodes one streaming message. It returns the PCM chunk
// (nil when the message carries no audio), whether the stream is complete,
// and an error for vendor-reported failures or undecodable audio.
func parseAudioMessage(raw []byte) (chunk []byte, done bool, err error) {
	var m audioMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "Error" {
		return nil, false, fmt.Errorf("vendor error: %s", m.Message)
	}
	if m.Audio != "" {
		pcm, err := base64.StdEncoding.DecodeString(m.Audio)
		if err != nil {
			return nil, false, fmt.Errorf("decode audio: %w", err)
		}
		chunk = pcm
	}
	return chunk, m.Done || m.Type == "Termination", nil
}

var _ tts.Provider = (*Provider)(nil)
