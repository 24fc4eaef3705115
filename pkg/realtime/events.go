package realtime

import "strings"

// ── Outgoing protocol messages ────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	InputAudioNoiseReduct   *noiseReductionParam `json:"input_audio_noise_reduction,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
	Tools                   []wireTool           `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type noiseReductionParam struct {
	Type string `json:"type"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 in the negotiated input format
}

type createItemMessage struct {
	Type string   `json:"type"`
	Item wireItem `json:"item"`
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Incoming protocol messages ────────────────────────────────────────────────

// wireItem is a conversation item in both directions: message items and
// function-call outputs outbound, completed output items inbound.
type wireItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []contentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

type wireEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta  string `json:"delta,omitempty"`
	ItemID string `json:"item_id,omitempty"`

	// conversation.item.input_audio_transcription.completed and
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.output_item.done
	Item *wireItem `json:"item,omitempty"`

	Error *ErrorDetail `json:"error,omitempty"`
}

// ── Decoded events surfaced to the caller ─────────────────────────────────────

// Server event type discriminants the bridge consumes.
const (
	EventSessionCreated       = "session.created"
	EventSessionUpdated       = "session.updated"
	EventSpeechStarted        = "input_audio_buffer.speech_started"
	EventInputTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	EventAudioDelta           = "response.audio.delta"
	EventAudioTranscriptDelta = "response.audio_transcript.delta"
	EventAudioTranscriptDone  = "response.audio_transcript.done"
	EventOutputItemDone       = "response.output_item.done"
	EventResponseDone         = "response.done"
	EventError                = "error"
)

// FunctionCall is a completed function-call item emitted by the model.
type FunctionCall struct {
	ItemID    string
	CallID    string
	Name      string
	Arguments string
}

// ErrorDetail is the nested error object of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Benign reports whether the error is a known harmless condition. Truncating
// an assistant item past the audio the model actually generated produces an
// "already shorter than" complaint that carries no information.
func (e *ErrorDetail) Benign() bool {
	return e != nil && strings.Contains(e.Message, "already shorter than")
}

// ServerEvent is one decoded event from the LLM endpoint. Type selects which
// of the remaining fields are meaningful; the link decodes framing (JSON,
// base64 audio) but attaches no further interpretation.
type ServerEvent struct {
	Type string

	// Audio holds the decoded payload of an audio delta, ItemID the assistant
	// item it belongs to.
	Audio  []byte
	ItemID string

	// Delta is one agent-transcript fragment; Transcript a completed
	// transcript (either role, depending on Type).
	Delta      string
	Transcript string

	// Call is set for output items of type function_call.
	Call *FunctionCall

	Err *ErrorDetail
}
