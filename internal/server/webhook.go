package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/helloml/voicebridge/internal/store"
	"github.com/helloml/voicebridge/internal/telephony"
)

// Messages spoken to the caller when the call cannot be connected.
const (
	msgUnknownNumber  = "Sorry, this number is not in service. Goodbye."
	msgTrialExhausted = "Sorry, this assistant's free trial has ended. Please contact the business directly. Goodbye."
	msgInternalError  = "Sorry, we cannot take your call right now. Please try again later."
)

// handleIncomingCall answers the carrier's ingress webhook. It resolves the
// called number to an agent, enforces the trial policy, allocates the
// conversation row, and replies with TwiML that connects the caller to this
// machine's media-stream endpoint.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if s.validator != nil && !s.validator.Validate(r) {
		s.recordRejection(ctx, "bad_signature")
		s.log.Warn("webhook signature rejected", "call_sid", r.PostFormValue("CallSid"))
		http.Error(w, "signature validation failed", http.StatusForbidden)
		return
	}

	to := r.PostFormValue("To")
	from := r.PostFormValue("From")
	callSid := r.PostFormValue("CallSid")
	log := s.log.With("call_sid", callSid, "to", to)

	agent, err := s.store.AgentByNumber(ctx, to)
	if err != nil {
		s.recordRejection(ctx, "unknown_number")
		log.Warn("no agent for called number", "err", err)
		s.writeReject(w, msgUnknownNumber)
		return
	}

	if exhausted := s.trialExhausted(ctx, agent, log); exhausted {
		s.recordRejection(ctx, "trial_exhausted")
		log.Info("trial exhausted, rejecting call", "agent_id", agent.ID)
		s.writeReject(w, msgTrialExhausted)
		return
	}

	convID, err := s.store.CreateConversation(ctx, agent.ID, from)
	if err != nil {
		log.Error("create conversation failed", "agent_id", agent.ID, "err", err)
		s.writeReject(w, msgInternalError)
		return
	}

	doc, err := telephony.ConnectStreamTwiML(
		s.streamURL(agent.ID),
		telephony.StreamParam{Name: "agent_id", Value: agent.ID},
		telephony.StreamParam{Name: "conversation_id", Value: convID},
	)
	if err != nil {
		log.Error("build stream twiml failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	log.Info("call accepted", "agent_id", agent.ID, "conversation_id", convID)
	writeTwiML(w, doc)
}

// trialExhausted applies the trial policy. A database error fails open so a
// billing outage cannot take calls down.
func (s *Server) trialExhausted(ctx context.Context, agent store.Agent, log *slog.Logger) bool {
	subscribed, err := s.store.HasActiveSubscription(ctx, agent.BusinessID)
	if err != nil {
		log.Warn("subscription lookup failed", "err", err)
		return false
	}
	if subscribed {
		return false
	}

	used, err := s.store.CompletedMinutes(ctx, agent.ID)
	if err != nil {
		log.Warn("trial usage lookup failed", "err", err)
		return false
	}
	return used >= s.currentTunables().limits.TrialMinutes
}

// streamURL builds the WebSocket URL the carrier will connect back to,
// pinned to this machine's instance id.
func (s *Server) streamURL(agentID string) string {
	base := s.cfg.Server.PublicURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/conversation/%s/media-stream/%s",
		strings.TrimRight(base, "/"), agentID, s.cfg.Routing.InstanceID)
}

// writeReject speaks message to the caller and hangs up.
func (s *Server) writeReject(w http.ResponseWriter, message string) {
	doc, err := telephony.RejectTwiML(message)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, doc)
}

func (s *Server) recordRejection(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.RecordWebhookRejection(ctx, reason)
	}
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, doc)
}
