// Package tooling executes the function calls a model issues during a call
// and turns their results into JSON outputs for the conversation.
package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helloml/voicebridge/internal/calendar"
	"github.com/helloml/voicebridge/internal/retrieval"
	"github.com/helloml/voicebridge/internal/store"
	"github.com/helloml/voicebridge/pkg/realtime"
)

// ErrDuplicateCall marks a tool call id that was already dispatched. The
// caller must not send a second function output for it.
var ErrDuplicateCall = errors.New("tooling: duplicate tool call")

// Searcher answers knowledge-base queries. Implemented by retrieval.Index.
type Searcher interface {
	Search(ctx context.Context, agentID, query string, topK int, minSimilarity float64) ([]retrieval.Result, error)
}

// Calendar is the scheduling backend. Implemented by calendar.Client.
type Calendar interface {
	FreeBusy(ctx context.Context, from, to time.Time) ([]calendar.Busy, error)
	CreateEvent(ctx context.Context, summary, description string, start, end time.Time, timeZone string) (string, error)
}

// Outcome is the result of one dispatched tool call. Output is the JSON
// document to return to the model; EndCall requests call teardown after the
// model's next response finishes playing. Failed marks an error document.
type Outcome struct {
	Output  string
	EndCall bool
	Failed  bool
}

// Dispatcher routes function calls to their backends. Safe for concurrent
// use; each tool call id is executed at most once.
type Dispatcher struct {
	agentID  string
	search   Searcher
	cal      Calendar
	settings store.CalendarSettings
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	seen   map[string]struct{}
	ending bool
}

// NewDispatcher builds a dispatcher for one call. search and cal may be nil
// when the business has not configured the corresponding backend.
func NewDispatcher(agentID string, search Searcher, cal Calendar, settings store.CalendarSettings, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		agentID:  agentID,
		search:   search,
		cal:      cal,
		settings: settings,
		log:      log,
		now:      time.Now,
		seen:     make(map[string]struct{}),
	}
}

// Dispatch executes one function call. Backend and argument failures are
// reported inside the Outcome as an error document the model can relay to
// the caller; the only Go-level error is ErrDuplicateCall.
func (d *Dispatcher) Dispatch(ctx context.Context, call *realtime.FunctionCall) (Outcome, error) {
	d.mu.Lock()
	if _, dup := d.seen[call.CallID]; dup {
		d.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", ErrDuplicateCall, call.CallID)
	}
	d.seen[call.CallID] = struct{}{}
	d.mu.Unlock()

	started := d.now()
	out := d.route(ctx, call)
	d.log.Info("tool call dispatched",
		"tool", call.Name,
		"call_id", call.CallID,
		"end_call", out.EndCall,
		"duration", d.now().Sub(started),
	)
	return out, nil
}

func (d *Dispatcher) route(ctx context.Context, call *realtime.FunctionCall) Outcome {
	switch call.Name {
	case ToolSearchKnowledgeBase:
		return d.searchKnowledgeBase(ctx, call.Arguments)
	case ToolEndCall:
		return d.endCall(call.Arguments)
	case ToolCheckCalendar:
		return d.checkCalendar(ctx, call.Arguments)
	case ToolCreateCalendarEvent:
		return d.createCalendarEvent(ctx, call.Arguments)
	default:
		return errorOutcome(fmt.Sprintf("unknown tool %q", call.Name))
	}
}

// ── search_knowledge_base ─────────────────────────────────────────────────────

func (d *Dispatcher) searchKnowledgeBase(ctx context.Context, rawArgs string) Outcome {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Query == "" {
		return errorOutcome("search_knowledge_base requires a query argument")
	}
	if d.search == nil {
		return errorOutcome("no knowledge base is configured for this agent")
	}

	results, err := d.search.Search(ctx, d.agentID, args.Query, 0, 0)
	if err != nil {
		d.log.Error("knowledge search failed", "error", err)
		return errorOutcome("the knowledge base is unavailable right now")
	}
	if len(results) == 0 {
		return jsonOutcome(map[string]any{
			"found":   false,
			"message": "No relevant information found in knowledge base.",
		}, false)
	}
	return jsonOutcome(map[string]any{
		"found":   true,
		"results": results,
		"summary": fmt.Sprintf("Found %d relevant chunks.", len(results)),
	}, false)
}

// ── end_call ──────────────────────────────────────────────────────────────────

func (d *Dispatcher) endCall(rawArgs string) Outcome {
	var args struct {
		Reason string `json:"reason"`
	}
	// A malformed reason still ends the call.
	_ = json.Unmarshal([]byte(rawArgs), &args)
	if args.Reason == "" {
		args.Reason = "Conversation completed"
	}

	d.mu.Lock()
	alreadyEnding := d.ending
	d.ending = true
	d.mu.Unlock()

	if alreadyEnding {
		// Teardown is already scheduled; do not arm a second grace timer.
		return jsonOutcome(map[string]any{"success": true, "message": "The call is already ending."}, false)
	}

	d.log.Info("end of call requested", "reason", args.Reason)
	return jsonOutcome(map[string]any{"success": true, "message": "Call ended: " + args.Reason}, true)
}

// ── Outcome encoding ──────────────────────────────────────────────────────────

func jsonOutcome(v any, endCall bool) Outcome {
	data, err := json.Marshal(v)
	if err != nil {
		return errorOutcome("internal encoding failure")
	}
	return Outcome{Output: string(data), EndCall: endCall}
}

func errorOutcome(msg string) Outcome {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return Outcome{Output: string(data), Failed: true}
}
