package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/helloml/voicebridge/internal/bridge"
	"github.com/helloml/voicebridge/internal/calendar"
	"github.com/helloml/voicebridge/internal/store"
	"github.com/helloml/voicebridge/internal/telephony"
	"github.com/helloml/voicebridge/internal/tooling"
	"github.com/helloml/voicebridge/pkg/audio"
	"github.com/helloml/voicebridge/pkg/realtime"
)

// startTimeout bounds how long the carrier may take to send the start
// envelope after the WebSocket upgrade.
const startTimeout = 10 * time.Second

// handleMediaStream upgrades the carrier's WebSocket, completes the start
// handshake, dials the Realtime session, and runs the bridge until the call
// ends. The HTTP response is fully owned by the upgrade.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	log := s.log.With("agent_id", agentID)

	stream, err := telephony.Accept(w, r)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err)
		return
	}

	ctx := r.Context()

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	start, err := stream.AwaitStart(startCtx)
	cancel()
	if err != nil {
		log.Warn("start handshake failed", "err", err)
		stream.Close(websocket.StatusPolicyViolation, "no start")
		return
	}
	// The carrier strips query parameters, so the start envelope's custom
	// parameters are authoritative when present.
	if start.AgentID != "" {
		agentID = start.AgentID
	}
	log = s.log.With("agent_id", agentID, "call_sid", start.CallSid, "conversation_id", start.ConversationID)

	snap, err := s.store.LoadAgentSnapshot(ctx, agentID)
	if err != nil {
		s.recordLinkError(ctx, "store")
		log.Error("load agent snapshot failed", "err", err)
		s.failConversation(ctx, start.ConversationID, log)
		stream.Close(websocket.StatusInternalError, "agent lookup failed")
		return
	}

	codec, err := audio.NewCodec(s.cfg.Audio.Profile)
	if err != nil {
		log.Error("bad audio profile", "profile", s.cfg.Audio.Profile, "err", err)
		s.failConversation(ctx, start.ConversationID, log)
		stream.Close(websocket.StatusInternalError, "bad audio profile")
		return
	}

	cal, settings := s.calendarFor(ctx, snap, log)
	tun := s.currentTunables()

	llm, err := s.dialLLM(ctx, realtime.SessionConfig{
		Voice:              snap.Agent.Voice,
		Instructions:       bridge.Instructions(snap),
		AudioFormat:        s.cfg.Audio.Profile.RealtimeName(),
		TranscriptionModel: s.cfg.OpenAI.TranscriptionModel,
		NoiseReduction:     "near_field",
		TurnDetection: &realtime.ServerVAD{
			Threshold:         tun.vad.Threshold,
			PrefixPaddingMS:   tun.vad.PrefixPaddingMS,
			SilenceDurationMS: tun.vad.SilenceDurationMS,
		},
		Tools: tooling.Definitions(cal != nil),
	})
	if err != nil {
		s.recordLinkError(ctx, "llm")
		log.Error("realtime dial failed", "err", err)
		s.failConversation(ctx, start.ConversationID, log)
		stream.Close(websocket.StatusInternalError, "llm unavailable")
		return
	}

	sess := bridge.NewSession(bridge.Config{
		Call:            stream,
		LLM:             llm,
		Codec:           codec,
		Tools:           tooling.NewDispatcher(agentID, s.search, cal, settings, log),
		Recorder:        s.store,
		ConversationID:  start.ConversationID,
		Metrics:         s.metrics,
		Log:             log,
		MaxCallDuration: time.Duration(tun.limits.MaxCallMinutes) * time.Minute,
		GoodbyeGrace:    time.Duration(tun.limits.GoodbyeGraceSeconds) * time.Second,
	})

	log.Info("call bridged", "stream_sid", start.StreamSid)
	if err := sess.Run(ctx); err != nil {
		log.Error("call ended with error", "err", err)
		return
	}
	log.Info("call ended")
}

// calendarFor builds the scheduling backend for this call when the business
// has a Google Calendar connection and the deployment carries OAuth client
// credentials. A broken connection degrades to no calendar tools rather
// than failing the call.
func (s *Server) calendarFor(ctx context.Context, snap *store.AgentSnapshot, log *slog.Logger) (tooling.Calendar, store.CalendarSettings) {
	tc := snap.Tool(store.ProviderGoogleCalendar)
	if tc == nil || s.cfg.Calendar.ClientID == "" {
		return nil, store.CalendarSettings{}
	}

	settings, err := tc.CalendarSettings()
	if err != nil {
		log.Warn("calendar settings unreadable, disabling calendar tools", "err", err)
		return nil, store.CalendarSettings{}
	}

	client, err := calendar.New(ctx, tc.ID, calendar.Credentials{
		ClientID:     s.cfg.Calendar.ClientID,
		ClientSecret: s.cfg.Calendar.ClientSecret,
		AccessToken:  tc.AccessToken,
		RefreshToken: tc.RefreshToken,
		Expiry:       tc.TokenExpiry,
	}, s.store)
	if err != nil {
		log.Warn("calendar client init failed, disabling calendar tools", "err", err)
		return nil, store.CalendarSettings{}
	}
	return client, settings
}

// failConversation closes out the row the webhook allocated when the call
// never reaches the bridge; the bridge finalizes it otherwise.
func (s *Server) failConversation(ctx context.Context, conversationID string, log *slog.Logger) {
	if conversationID == "" {
		return
	}
	if err := s.store.FinalizeConversation(ctx, conversationID, store.StatusFailed); err != nil {
		log.Error("finalize failed conversation", "err", err)
	}
}

func (s *Server) recordLinkError(ctx context.Context, link string) {
	if s.metrics != nil {
		s.metrics.RecordLinkError(ctx, link)
	}
}
