// Package telephony implements the carrier leg of a call: the Twilio Media
// Streams WebSocket protocol, the TwiML replies of the ingress webhook, and
// webhook signature validation.
//
// A Stream wraps one accepted media-stream connection. Inbound envelopes are
// read with ReadEnvelope; outbound media, clear, and mark messages are
// serialized on a single write path. AwaitStart performs the handshake that
// recovers the per-call context from the start envelope.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// startMaxAttempts bounds how many envelopes AwaitStart reads while waiting
// for the start event. The carrier sends connected first, so the bound only
// trips on misbehaving peers.
const startMaxAttempts = 5

// ErrNoStart is returned by AwaitStart when the bound is exceeded. The
// stream is already closed with a policy-violation status at that point.
var ErrNoStart = fmt.Errorf("telephony: no start envelope within %d messages", startMaxAttempts)

// StartInfo is the per-call context recovered from the start envelope.
type StartInfo struct {
	StreamSid      string
	CallSid        string
	AgentID        string
	ConversationID string
}

// Stream is one live media-stream connection. Send methods are safe for
// concurrent use; ReadEnvelope must be called from a single goroutine.
type Stream struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	streamSid string
	closed    bool
}

// Accept upgrades an HTTP request to a media-stream WebSocket.
func Accept(w http.ResponseWriter, r *http.Request) (*Stream, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telephony: accept: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// AwaitStart reads envelopes until the start event arrives, skipping the
// connected handshake and anything else the carrier sends first. Exceeding
// startMaxAttempts closes the connection with a policy-violation status and
// returns ErrNoStart.
func (s *Stream) AwaitStart(ctx context.Context) (*StartInfo, error) {
	for range startMaxAttempts {
		env, err := s.ReadEnvelope(ctx)
		if err != nil {
			return nil, err
		}
		if env.Event != EventStart || env.Start == nil {
			continue
		}

		s.mu.Lock()
		s.streamSid = env.Start.StreamSid
		s.mu.Unlock()

		return &StartInfo{
			StreamSid:      env.Start.StreamSid,
			CallSid:        env.Start.CallSid,
			AgentID:        env.Start.CustomParameters["agent_id"],
			ConversationID: env.Start.CustomParameters["conversation_id"],
		}, nil
	}

	s.Close(websocket.StatusPolicyViolation, "no start envelope")
	return nil, ErrNoStart
}

// ReadEnvelope reads and decodes one envelope.
func (s *Stream) ReadEnvelope(ctx context.Context) (*Envelope, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("telephony: read: %w", err)
	}
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("telephony: decode envelope: %w", err)
	}
	return env, nil
}

// SendMedia frames one μ-law payload as an outbound media message.
func (s *Stream) SendMedia(ctx context.Context, payload []byte) error {
	return s.writeJSON(ctx, outboundMedia{
		Event:     EventMedia,
		StreamSid: s.sid(),
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// SendClear asks the carrier to drop any buffered outbound audio. Sent on
// barge-in so the caller stops hearing the interrupted response immediately.
func (s *Stream) SendClear(ctx context.Context) error {
	return s.writeJSON(ctx, outboundClear{Event: "clear", StreamSid: s.sid()})
}

// SendMark emits a named playback correlator. The carrier acknowledges it
// with a mark envelope once the audio sent before it has played out.
func (s *Stream) SendMark(ctx context.Context, name string) error {
	return s.writeJSON(ctx, outboundMark{
		Event:     EventMark,
		StreamSid: s.sid(),
		Mark:      markPayload{Name: name},
	})
}

func (s *Stream) sid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

func (s *Stream) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("telephony: stream closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close shuts the connection with the given status. Idempotent.
func (s *Stream) Close(code websocket.StatusCode, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.conn.Close(code, reason)
}

// CloseNormal closes the stream with a normal-closure status.
func (s *Stream) CloseNormal() error {
	return s.Close(websocket.StatusNormalClosure, "call ended")
}
