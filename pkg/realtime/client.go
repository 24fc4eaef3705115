// Package realtime implements the duplex link to the OpenAI Realtime API.
//
// A Client dials the Realtime WebSocket endpoint and negotiates the session
// once at open: voice, instructions, audio formats, input transcription,
// noise reduction, server-side turn detection, and the tool catalog. The
// returned Session surfaces decoded server events on a single channel and
// serializes all outbound sends; it frames the protocol but does not
// interpret it.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Realtime model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ────────────────────────────────────────────────────────────────────

// Client dials OpenAI Realtime sessions.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Tool describes one function exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ServerVAD tunes the server-side turn detector.
type ServerVAD struct {
	Threshold         float64
	PrefixPaddingMS   int
	SilenceDurationMS int
}

// SessionConfig is the one-shot session negotiation sent at open.
type SessionConfig struct {
	Voice        string
	Instructions string

	// AudioFormat is the wire format for both directions, e.g. "g711_ulaw"
	// or "pcm16".
	AudioFormat string

	// TranscriptionModel enables input-audio transcription when non-empty.
	TranscriptionModel string

	// NoiseReduction selects an input noise-reduction profile ("near_field",
	// "far_field") when non-empty.
	NoiseReduction string

	// TurnDetection configures server VAD. Nil keeps the endpoint default.
	TurnDetection *ServerVAD

	Tools []Tool
}

// Connect establishes a Realtime session. The session.update negotiating cfg
// is sent before Connect returns, so the session accepts audio immediately.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		events: make(chan ServerEvent, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := s.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is one live Realtime connection. All send methods are safe for
// concurrent use; sends are serialized on a single write path.
type Session struct {
	conn   *websocket.Conn
	events chan ServerEvent

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *Session) sendSessionUpdate(cfg SessionConfig) error {
	format := cfg.AudioFormat
	if format == "" {
		format = "g711_ulaw"
	}
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  format,
		OutputAudioFormat: format,
		ToolChoice:        "auto",
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	if cfg.NoiseReduction != "" {
		params.InputAudioNoiseReduct = &noiseReductionParam{Type: cfg.NoiseReduction}
	}
	if cfg.TurnDetection != nil {
		params.TurnDetection = &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         cfg.TurnDetection.Threshold,
			PrefixPaddingMS:   cfg.TurnDetection.PrefixPaddingMS,
			SilenceDurationMS: cfg.TurnDetection.SilenceDurationMS,
		}
	}
	for _, t := range cfg.Tools {
		params.Tools = append(params.Tools, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as one text WebSocket message. Holding
// writeMu for the full write keeps frames from interleaving.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket, decodes them, and delivers
// them on the events channel. It owns the channel and closes it on exit.
func (s *Session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		var evt wireEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		out, ok := decodeEvent(&evt)
		if !ok {
			continue
		}
		select {
		case s.events <- out:
		case <-s.ctx.Done():
			return
		}
	}
}

// decodeEvent translates a wire event into a ServerEvent. Returns false for
// event types the bridge has no use for and for audio deltas that fail
// base64 decoding.
func decodeEvent(evt *wireEvent) (ServerEvent, bool) {
	out := ServerEvent{Type: evt.Type, ItemID: evt.ItemID}

	switch evt.Type {
	case EventAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return out, false
		}
		out.Audio = audio

	case EventAudioTranscriptDelta:
		out.Delta = evt.Delta

	case EventAudioTranscriptDone:
		out.Transcript = evt.Transcript

	case EventInputTranscriptDone:
		out.Transcript = evt.Transcript

	case EventOutputItemDone:
		if evt.Item == nil || evt.Item.Type != "function_call" {
			return out, false
		}
		out.Call = &FunctionCall{
			ItemID:    evt.Item.ID,
			CallID:    evt.Item.CallID,
			Name:      evt.Item.Name,
			Arguments: evt.Item.Arguments,
		}

	case EventError:
		out.Err = evt.Error

	case EventSessionCreated, EventSessionUpdated, EventSpeechStarted, EventResponseDone:
		// Passed through as-is.

	default:
		return out, false
	}

	return out, true
}

// Events returns the channel of decoded server events. The channel closes
// when the connection terminates.
func (s *Session) Events() <-chan ServerEvent { return s.events }

// Err returns the first error that terminated the receive loop, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("realtime: session closed")
	}
	return nil
}

// AppendAudio delivers one audio chunk in the negotiated input format.
func (s *Session) AppendAudio(chunk []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CreateUserItem injects a user text message into the conversation.
func (s *Session) CreateUserItem(text string) error {
	return s.createMessageItem("user", "input_text", text)
}

// CreateSystemItem injects a system text message into the conversation.
func (s *Session) CreateSystemItem(text string) error {
	return s.createMessageItem("system", "input_text", text)
}

func (s *Session) createMessageItem(role, partType, text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: wireItem{
			Type:    "message",
			Role:    role,
			Content: []contentPart{{Type: partType, Text: text}},
		},
	})
}

// CreateFunctionOutput posts a function-call result tagged with callID.
func (s *Session) CreateFunctionOutput(callID, output string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: wireItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// CreateResponse triggers the model to generate its next response.
func (s *Session) CreateResponse() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Truncate drops assistant audio already generated past audioEndMS on the
// given item. Used on barge-in so the model's view of the conversation
// matches what the caller actually heard.
func (s *Session) Truncate(itemID string, audioEndMS int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if audioEndMS < 0 {
		audioEndMS = 0
	}
	return s.writeJSON(truncateMessage{
		Type:       "conversation.item.truncate",
		ItemID:     itemID,
		AudioEndMS: audioEndMS,
	})
}

// CancelResponse aborts the in-flight model response.
func (s *Session) CancelResponse() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
