package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/helloml/voicebridge/internal/store"
)

func postWebhook(t *testing.T, s *Server, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/twilio/incoming-call", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func incomingCallForm() url.Values {
	return url.Values{
		"CallSid": {"CA123"},
		"From":    {"+15550001111"},
		"To":      {"+15552223333"},
	}
}

func TestIncomingCall_UnknownNumber(t *testing.T) {
	st := newFakeStore()
	s := newTestServer(t, st)

	rec := postWebhook(t, s, incomingCallForm())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q, want text/xml", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Say>") || !strings.Contains(body, "<Hangup") {
		t.Errorf("body should speak and hang up, got: %s", body)
	}
	if strings.Contains(body, "<Connect>") {
		t.Errorf("unknown number must not connect a stream, got: %s", body)
	}
}

func TestIncomingCall_ConnectsStream(t *testing.T) {
	st := newFakeStore()
	st.agentsByNumber["+15552223333"] = store.Agent{ID: "ag-1", BusinessID: "biz-1"}
	st.subscribed = true
	s := newTestServer(t, st)

	rec := postWebhook(t, s, incomingCallForm())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	wantURL := "wss://voice.example.com/conversation/ag-1/media-stream/machine-a"
	if !strings.Contains(body, wantURL) {
		t.Errorf("body should reference %s, got: %s", wantURL, body)
	}
	for _, want := range []string{
		`name="agent_id"`, `value="ag-1"`,
		`name="conversation_id"`, `value="conv-1"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body should contain %s, got: %s", want, body)
		}
	}
	if len(st.conversations) != 1 || st.conversations[0] != "+15550001111" {
		t.Errorf("conversations created = %v, want caller number recorded", st.conversations)
	}
}

func TestIncomingCall_TrialExhausted(t *testing.T) {
	st := newFakeStore()
	st.agentsByNumber["+15552223333"] = store.Agent{ID: "ag-1", BusinessID: "biz-1"}
	st.subscribed = false
	st.minutes = 5.0
	s := newTestServer(t, st)

	rec := postWebhook(t, s, incomingCallForm())

	body := rec.Body.String()
	if !strings.Contains(body, "<Say>") || strings.Contains(body, "<Connect>") {
		t.Errorf("exhausted trial should reject, got: %s", body)
	}
	if len(st.conversations) != 0 {
		t.Errorf("no conversation should be created for a rejected call")
	}
}

func TestIncomingCall_TrialUnderLimitConnects(t *testing.T) {
	st := newFakeStore()
	st.agentsByNumber["+15552223333"] = store.Agent{ID: "ag-1", BusinessID: "biz-1"}
	st.subscribed = false
	st.minutes = 4.9
	s := newTestServer(t, st)

	rec := postWebhook(t, s, incomingCallForm())

	if !strings.Contains(rec.Body.String(), "<Connect>") {
		t.Errorf("call under the trial limit should connect, got: %s", rec.Body.String())
	}
}

func TestIncomingCall_SubscriptionSkipsMinutes(t *testing.T) {
	st := newFakeStore()
	st.agentsByNumber["+15552223333"] = store.Agent{ID: "ag-1", BusinessID: "biz-1"}
	st.subscribed = true
	st.minutes = 500
	s := newTestServer(t, st)

	rec := postWebhook(t, s, incomingCallForm())

	if !strings.Contains(rec.Body.String(), "<Connect>") {
		t.Errorf("subscribed business must never hit the trial gate, got: %s", rec.Body.String())
	}
}

func TestIncomingCall_BillingOutageFailsOpen(t *testing.T) {
	st := newFakeStore()
	st.agentsByNumber["+15552223333"] = store.Agent{ID: "ag-1", BusinessID: "biz-1"}
	st.subscribedErr = errors.New("db down")
	s := newTestServer(t, st)

	rec := postWebhook(t, s, incomingCallForm())

	if !strings.Contains(rec.Body.String(), "<Connect>") {
		t.Errorf("billing lookup failure should not reject the call, got: %s", rec.Body.String())
	}
}

func TestIncomingCall_ConversationFailureRejects(t *testing.T) {
	st := newFakeStore()
	st.agentsByNumber["+15552223333"] = store.Agent{ID: "ag-1", BusinessID: "biz-1"}
	st.subscribed = true
	st.conversationErr = errors.New("insert failed")
	s := newTestServer(t, st)

	rec := postWebhook(t, s, incomingCallForm())

	body := rec.Body.String()
	if !strings.Contains(body, "<Say>") || strings.Contains(body, "<Connect>") {
		t.Errorf("conversation failure should reject politely, got: %s", body)
	}
}

func TestIncomingCall_SignatureRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Twilio.AuthToken = "secret"
	cfg.Twilio.ValidateSignatures = true
	st := newFakeStore()
	st.agentsByNumber["+15552223333"] = store.Agent{ID: "ag-1", BusinessID: "biz-1"}
	s := New(cfg, st, nil, nil, nil, nil)

	// No X-Twilio-Signature header at all.
	rec := postWebhook(t, s, incomingCallForm())

	if rec.Code != http.StatusForbidden {
		t.Errorf("unsigned webhook = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestStreamURL_PlainHTTP(t *testing.T) {
	cfg := testConfig()
	cfg.Server.PublicURL = "http://localhost:8080"
	s := New(cfg, newFakeStore(), nil, nil, nil, nil)

	got := s.streamURL("ag-9")
	want := "ws://localhost:8080/conversation/ag-9/media-stream/machine-a"
	if got != want {
		t.Errorf("streamURL = %q, want %q", got, want)
	}
}
