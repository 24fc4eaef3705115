// Package bridge relays audio between a carrier media stream and an LLM
// Realtime session, tracks conversational turns, and drives the call
// lifecycle from greeting to teardown.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/helloml/voicebridge/internal/observe"
	"github.com/helloml/voicebridge/internal/store"
	"github.com/helloml/voicebridge/internal/telephony"
	"github.com/helloml/voicebridge/internal/tooling"
	"github.com/helloml/voicebridge/pkg/audio"
	"github.com/helloml/voicebridge/pkg/realtime"
)

// markName labels every outbound audio frame so echoed marks report
// playback progress.
const markName = "responsePart"

// Defaults applied by NewSession when Config leaves them zero.
const (
	DefaultMaxCallDuration = 60 * time.Minute
	DefaultGoodbyeGrace    = 4 * time.Second
)

// Terminal loop conditions. All are normal call endings.
var (
	errCallerHangup = errors.New("bridge: caller hung up")
	errGoodbyeDone  = errors.New("bridge: goodbye grace elapsed")
	errLLMClosed    = errors.New("bridge: llm session closed")
)

// LLMLink is the model side of the bridge. Implemented by realtime.Session.
type LLMLink interface {
	Events() <-chan realtime.ServerEvent
	Err() error
	AppendAudio(chunk []byte) error
	CreateUserItem(text string) error
	CreateSystemItem(text string) error
	CreateFunctionOutput(callID, output string) error
	CreateResponse() error
	Truncate(itemID string, audioEndMS int) error
	Close() error
}

// CallLink is the carrier side of the bridge. Implemented by
// telephony.Stream.
type CallLink interface {
	ReadEnvelope(ctx context.Context) (*telephony.Envelope, error)
	SendMedia(ctx context.Context, payload []byte) error
	SendClear(ctx context.Context) error
	SendMark(ctx context.Context, name string) error
	CloseNormal() error
}

// ToolRunner executes function calls. Implemented by tooling.Dispatcher.
type ToolRunner interface {
	Dispatch(ctx context.Context, call *realtime.FunctionCall) (tooling.Outcome, error)
}

// Recorder persists the call record. Implemented by store.Store.
type Recorder interface {
	AppendMessage(ctx context.Context, conversationID, role, content string) error
	FinalizeConversation(ctx context.Context, conversationID, status string) error
}

// Config wires one call session.
type Config struct {
	Call  CallLink
	LLM   LLMLink
	Codec *audio.Codec
	Tools ToolRunner

	// Recorder may be nil; transcripts and the conversation row are then
	// not persisted.
	Recorder       Recorder
	ConversationID string

	Metrics *observe.Metrics
	Log     *slog.Logger

	// MaxCallDuration caps the whole call; zero selects the default.
	MaxCallDuration time.Duration

	// GoodbyeGrace is how long the goodbye response may play after the
	// model asks to end the call; zero selects the default.
	GoodbyeGrace time.Duration
}

// Session bridges one live call.
type Session struct {
	call    CallLink
	llm     LLMLink
	codec   *audio.Codec
	tools   ToolRunner
	rec     Recorder
	convID  string
	metrics *observe.Metrics
	log     *slog.Logger

	maxDuration time.Duration
	grace       time.Duration

	turns *TurnTracker

	// agentPartial accumulates agent-transcript deltas for the current
	// response. Only touched from the LLM pump goroutine.
	agentPartial strings.Builder

	endOnce sync.Once
	endCh   chan struct{}

	finalizeOnce sync.Once
}

// NewSession builds a session from cfg, filling defaults.
func NewSession(cfg Config) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	maxDur := cfg.MaxCallDuration
	if maxDur <= 0 {
		maxDur = DefaultMaxCallDuration
	}
	grace := cfg.GoodbyeGrace
	if grace <= 0 {
		grace = DefaultGoodbyeGrace
	}
	return &Session{
		call:        cfg.Call,
		llm:         cfg.LLM,
		codec:       cfg.Codec,
		tools:       cfg.Tools,
		rec:         cfg.Recorder,
		convID:      cfg.ConversationID,
		metrics:     cfg.Metrics,
		log:         log.With("conversation_id", cfg.ConversationID),
		maxDuration: maxDur,
		grace:       grace,
		turns:       NewTurnTracker(),
		endCh:       make(chan struct{}),
	}
}

// Run relays the call until one side ends it, the model hangs up, or the
// maximum duration expires. The conversation row is finalized and both
// links are closed before Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.maxDuration)
	defer cancel()

	started := time.Now()
	if s.metrics != nil {
		s.metrics.ActiveCalls.Add(ctx, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpTelephony(gctx) })
	g.Go(func() error { return s.pumpLLM(gctx) })
	g.Go(func() error { return s.awaitGoodbye(gctx) })

	err := g.Wait()
	status, runErr := s.classify(ctx, err)
	s.teardown(status)

	if s.metrics != nil {
		s.metrics.ActiveCalls.Add(context.Background(), -1)
		s.metrics.RecordCallDuration(context.Background(), time.Since(started).Seconds(), status)
	}
	s.log.Info("call finished", "status", status, "duration", time.Since(started))
	return runErr
}

// classify maps the first loop error to a terminal conversation status.
func (s *Session) classify(ctx context.Context, err error) (status string, runErr error) {
	switch {
	case err == nil,
		errors.Is(err, errCallerHangup),
		errors.Is(err, errGoodbyeDone),
		errors.Is(err, errLLMClosed):
		return store.StatusCompleted, nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Hitting the maximum call duration is a normal ending.
		return store.StatusCompleted, nil
	case errors.Is(err, context.Canceled):
		return store.StatusCompleted, nil
	default:
		return store.StatusFailed, err
	}
}

// teardown finalizes the conversation row and closes both links exactly
// once.
func (s *Session) teardown(status string) {
	s.finalizeOnce.Do(func() {
		if s.rec != nil && s.convID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.rec.FinalizeConversation(ctx, s.convID, status); err != nil {
				s.log.Error("finalize conversation failed", "error", err)
			}
		}
		if err := s.call.CloseNormal(); err != nil {
			s.log.Debug("telephony close", "error", err)
		}
		if err := s.llm.Close(); err != nil {
			s.log.Debug("llm close", "error", err)
		}
	})
}

// ── Carrier to model ──────────────────────────────────────────────────────────

func (s *Session) pumpTelephony(ctx context.Context) error {
	for {
		env, err := s.call.ReadEnvelope(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// An abrupt socket drop is how most callers hang up.
			s.log.Debug("media stream closed", "error", err)
			return errCallerHangup
		}

		switch env.Event {
		case telephony.EventMedia:
			if env.Media == nil {
				continue
			}
			s.turns.NoteInboundMedia(env.Media.TimestampMS())
			raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				s.log.Warn("undecodable media payload", "error", err)
				continue
			}
			if err := s.llm.AppendAudio(s.codec.DecodeInbound(raw)); err != nil {
				if s.metrics != nil {
					s.metrics.RecordLinkError(ctx, "llm")
				}
				return err
			}
			if s.metrics != nil {
				s.metrics.RecordAudioFrame(ctx, "inbound")
			}

		case telephony.EventMark:
			s.turns.NoteMarkAcked()

		case telephony.EventStop:
			return errCallerHangup
		}
	}
}

// ── Model to carrier ──────────────────────────────────────────────────────────

func (s *Session) pumpLLM(ctx context.Context) error {
	greeted := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.llm.Events():
			if !ok {
				if err := s.llm.Err(); err != nil && ctx.Err() == nil {
					if s.metrics != nil {
						s.metrics.RecordLinkError(ctx, "llm")
					}
					return err
				}
				return errLLMClosed
			}
			if err := s.handleEvent(ctx, ev, &greeted); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev realtime.ServerEvent, greeted *bool) error {
	switch ev.Type {
	case realtime.EventSessionCreated:
		if *greeted {
			return nil
		}
		*greeted = true
		if err := s.llm.CreateUserItem(greetingTrigger); err != nil {
			return err
		}
		return s.llm.CreateResponse()

	case realtime.EventAudioDelta:
		s.turns.NoteAssistantAudio(ev.ItemID)
		if err := s.call.SendMedia(ctx, s.codec.EncodeOutbound(ev.Audio)); err != nil {
			if s.metrics != nil {
				s.metrics.RecordLinkError(ctx, "telephony")
			}
			return err
		}
		if err := s.call.SendMark(ctx, markName); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.RecordAudioFrame(ctx, "outbound")
		}
		return nil

	case realtime.EventSpeechStarted:
		cut := s.turns.Interrupt()
		if !cut.Clear {
			return nil
		}
		s.log.Debug("barge-in", "item", cut.ItemID, "elapsed_ms", cut.ElapsedMS, "truncate", cut.Truncate)
		// Truncate first so the model's context matches what the caller
		// actually heard, then drop the queued audio at the carrier. Audio
		// buffered past response completion has no item to truncate; only
		// the clear goes out.
		if cut.Truncate {
			if err := s.llm.Truncate(cut.ItemID, int(cut.ElapsedMS)); err != nil {
				return err
			}
		}
		if err := s.call.SendClear(ctx); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.BargeIns.Add(ctx, 1)
		}
		return nil

	case realtime.EventInputTranscriptDone:
		s.record(ctx, store.RoleUser, ev.Transcript)
		return nil

	case realtime.EventAudioTranscriptDelta:
		s.agentPartial.WriteString(ev.Delta)
		return nil

	case realtime.EventAudioTranscriptDone:
		text := ev.Transcript
		if text == "" {
			// A truncated response can complete without a transcript; fall
			// back to the accumulated deltas.
			text = s.agentPartial.String()
		}
		s.agentPartial.Reset()
		s.record(ctx, store.RoleAgent, text)
		return nil

	case realtime.EventOutputItemDone:
		if ev.Call == nil {
			return nil
		}
		return s.handleToolCall(ctx, ev.Call)

	case realtime.EventResponseDone:
		s.turns.NoteResponseDone()
		return nil

	case realtime.EventError:
		if !ev.Err.Benign() {
			s.log.Error("llm error event", "type", ev.Err.Type, "code", ev.Err.Code, "message", ev.Err.Message)
		}
		return nil
	}
	return nil
}

func (s *Session) handleToolCall(ctx context.Context, call *realtime.FunctionCall) error {
	started := time.Now()
	outcome, err := s.tools.Dispatch(ctx, call)
	if err != nil {
		if errors.Is(err, tooling.ErrDuplicateCall) {
			return nil
		}
		return err
	}

	if s.metrics != nil {
		status := "ok"
		if outcome.Failed {
			status = "error"
		}
		s.metrics.RecordToolCall(ctx, call.Name, status)
		s.metrics.ToolExecutionDuration.Record(ctx, time.Since(started).Seconds())
	}

	if err := s.llm.CreateFunctionOutput(call.CallID, outcome.Output); err != nil {
		return err
	}
	if outcome.EndCall {
		if err := s.llm.CreateSystemItem(goodbyeInstruction); err != nil {
			return err
		}
	}
	if err := s.llm.CreateResponse(); err != nil {
		return err
	}
	if outcome.EndCall {
		s.endOnce.Do(func() { close(s.endCh) })
	}
	return nil
}

// awaitGoodbye ends the call a grace period after the model asks to hang
// up, leaving the goodbye response time to play out.
func (s *Session) awaitGoodbye(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.endCh:
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return errGoodbyeDone
	}
}

// record persists one transcript line; failures are logged and swallowed so
// storage trouble cannot drop a live call.
func (s *Session) record(ctx context.Context, role, content string) {
	if s.rec == nil || s.convID == "" || strings.TrimSpace(content) == "" {
		return
	}
	if err := s.rec.AppendMessage(ctx, s.convID, role, content); err != nil {
		s.log.Warn("transcript insert failed", "role", role, "error", err)
	}
}
