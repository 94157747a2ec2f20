// Package wire defines the framing between a Parley client and the server.
//
// Frames are either UTF-8 JSON control messages or binary PCM16 LE audio.
// Every JSON frame carries a "type" field that discriminates a closed union
// of control tags; unknown tags must be dropped by both sides, never treated
// as an error. Binary frames carry no header — the direction and the
// negotiated sample rate fully describe their content.
package wire

import "encoding/json"

// Type is the discriminator of a JSON control frame.
type Type string

// Server-to-client control tags.
const (
	// TypeReady tells the client to begin audio I/O at the advertised rates.
	TypeReady Type = "ready"

	// TypeGreeting carries the assistant's opening line.
	TypeGreeting Type = "greeting"

	// TypeTranscript carries a partial or final user transcript.
	TypeTranscript Type = "transcript"

	// TypeTurn marks a completed user turn.
	TypeTurn Type = "turn"

	// TypeThinking signals that an LLM call has started.
	TypeThinking Type = "thinking"

	// TypeChat carries the final assistant reply plus any tool-use steps.
	TypeChat Type = "chat"

	// TypeTTSDone signals that the TTS audio stream for a turn has finished.
	TypeTTSDone Type = "tts_done"

	// TypeCancelled acknowledges a client cancel.
	TypeCancelled Type = "cancelled"

	// TypeReset acknowledges a client reset.
	TypeReset Type = "reset"

	// TypeError reports a terminal or recoverable error.
	TypeError Type = "error"

	// TypePong is the heartbeat reply.
	TypePong Type = "pong"
)

// Client-to-server control tags.
const (
	// TypeAudioReady confirms that microphone capture and playback are live.
	TypeAudioReady Type = "audio_ready"

	// TypeCancel interrupts the in-flight assistant response (barge-in).
	TypeCancel Type = "cancel"

	// TypeResetRequest asks the server to truncate the conversation.
	TypeResetRequest Type = "reset"

	// TypePing is the heartbeat probe.
	TypePing Type = "ping"
)

// Frame is a decoded control frame. Exactly one tag is set in Type; the
// payload fields that apply to that tag are populated and all others are
// zero. Frame is the union representation for both directions — the tag
// determines which fields are meaningful.
type Frame struct {
	Type Type `json:"type"`

	// SampleRate and TTSSampleRate are set on "ready" frames: the microphone
	// capture rate and the playback rate, both in Hz.
	SampleRate    int `json:"sampleRate,omitempty"`
	TTSSampleRate int `json:"ttsSampleRate,omitempty"`

	// Version is the optional protocol version on "ready" frames.
	Version int `json:"version,omitempty"`

	// Text is set on "greeting", "transcript", "turn", and "chat" frames.
	Text string `json:"text,omitempty"`

	// Final is set on "transcript" frames.
	Final bool `json:"final,omitempty"`

	// Steps is set on "chat" frames: one entry per tool invocation, in
	// tool-call order. Chat frames always carry the key, even when empty,
	// so clients can index it unconditionally; omitzero keeps it off every
	// other tag where the slice is nil.
	Steps []string `json:"steps,omitzero"`

	// Message and Details are set on "error" frames.
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

// serverTags and clientTags are the closed sets of known frame types per
// direction. Decode consults the union of both so that a frame router can
// be direction-agnostic; the caller filters by what it expects.
var knownTags = map[Type]bool{
	TypeReady:      true,
	TypeGreeting:   true,
	TypeTranscript: true,
	TypeTurn:       true,
	TypeThinking:   true,
	TypeChat:       true,
	TypeTTSDone:    true,
	TypeCancelled:  true,
	TypeReset:      true,
	TypeError:      true,
	TypePong:       true,
	TypeAudioReady: true,
	TypeCancel:     true,
	TypePing:       true,
}

// Decode parses a JSON control frame. It returns ok=false when the payload
// is not valid JSON or when the tag is not in the known set — callers must
// drop such frames silently rather than fail the connection.
func Decode(data []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, false
	}
	if !knownTags[f.Type] {
		return Frame{}, false
	}
	return f, true
}

// Encode serialises the frame to JSON. Encoding a Frame never fails: all
// field types are JSON-safe by construction.
func (f Frame) Encode() []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Unreachable for this struct shape; keep the invariant visible.
		panic("wire: encode frame: " + err.Error())
	}
	return data
}

// ─── Constructors ─────────────────────────────────────────────────────────────

// Ready builds the handshake frame advertising the negotiated audio rates.
func Ready(sampleRate, ttsSampleRate, version int) Frame {
	return Frame{Type: TypeReady, SampleRate: sampleRate, TTSSampleRate: ttsSampleRate, Version: version}
}

// Greeting builds the assistant greeting frame.
func Greeting(text string) Frame { return Frame{Type: TypeGreeting, Text: text} }

// Transcript builds a partial or final transcript frame.
func Transcript(text string, final bool) Frame {
	return Frame{Type: TypeTranscript, Text: text, Final: final}
}

// Turn builds the completed-turn frame.
func Turn(text string) Frame { return Frame{Type: TypeTurn, Text: text} }

// Thinking builds the LLM-call-started frame.
func Thinking() Frame { return Frame{Type: TypeThinking} }

// Chat builds the final assistant reply frame. A nil steps slice is encoded
// as an empty array so clients can index it unconditionally.
func Chat(text string, steps []string) Frame {
	if steps == nil {
		steps = []string{}
	}
	return Frame{Type: TypeChat, Text: text, Steps: steps}
}

// TTSDone builds the end-of-audio frame.
func TTSDone() Frame { return Frame{Type: TypeTTSDone} }

// Cancelled builds the cancel acknowledgement frame.
func Cancelled() Frame { return Frame{Type: TypeCancelled} }

// Reset builds the reset acknowledgement frame.
func Reset() Frame { return Frame{Type: TypeReset} }

// Error builds an error frame with an optional detail list.
func Error(message string, details ...string) Frame {
	return Frame{Type: TypeError, Message: message, Details: details}
}

// Pong builds the heartbeat reply frame.
func Pong() Frame { return Frame{Type: TypePong} }

// AudioReady builds the client confirmation that audio I/O is running.
func AudioReady() Frame { return Frame{Type: TypeAudioReady} }

// Cancel builds the client barge-in frame.
func Cancel() Frame { return Frame{Type: TypeCancel} }

// ResetRequest builds the client reset request frame.
func ResetRequest() Frame { return Frame{Type: TypeResetRequest} }

// Ping builds the heartbeat probe frame.
func Ping() Frame { return Frame{Type: TypePing} }
