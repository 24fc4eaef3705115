package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/helloml/voicebridge/internal/calendar"
	"github.com/helloml/voicebridge/internal/retrieval"
	"github.com/helloml/voicebridge/internal/store"
	"github.com/helloml/voicebridge/pkg/realtime"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeSearcher struct {
	results []retrieval.Result
	err     error
	gotTopK int
	gotMin  float64
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string, topK int, minSimilarity float64) ([]retrieval.Result, error) {
	f.gotTopK = topK
	f.gotMin = minSimilarity
	return f.results, f.err
}

type fakeCalendar struct {
	busy    []calendar.Busy
	created []string

	busyFrom time.Time
	busyTo   time.Time

	busyErr   error
	createErr error
}

func (f *fakeCalendar) FreeBusy(_ context.Context, from, to time.Time) ([]calendar.Busy, error) {
	f.busyFrom, f.busyTo = from, to
	return f.busy, f.busyErr
}

func (f *fakeCalendar) CreateEvent(_ context.Context, summary, _ string, start, end time.Time, _ string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, summary)
	return "evt_1", nil
}

var testSettings = store.CalendarSettings{
	DefaultDurationMinutes: 30,
	BusinessHoursStart:     "09:00",
	BusinessHoursEnd:       "17:00",
	BookingHorizonDays:     30,
	TimeZone:               "UTC",
}

// testNow is a Tuesday morning inside business hours.
var testNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func newTestDispatcher(search Searcher, cal Calendar) *Dispatcher {
	d := NewDispatcher("agent-1", search, cal, testSettings, nil)
	d.now = func() time.Time { return testNow }
	return d
}

func dispatch(t *testing.T, d *Dispatcher, callID, name, args string) Outcome {
	t.Helper()
	out, err := d.Dispatch(context.Background(), &realtime.FunctionCall{
		CallID:    callID,
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("Dispatch(%s): %v", name, err)
	}
	return out
}

func decodeOutput(t *testing.T, out Outcome) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(out.Output), &m); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.Output)
	}
	return m
}

// ── Dispatch semantics ────────────────────────────────────────────────────────

func TestDispatch_DuplicateCallID(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(&fakeSearcher{}, nil)
	dispatch(t, d, "call_1", ToolSearchKnowledgeBase, `{"query":"hours"}`)

	_, err := d.Dispatch(context.Background(), &realtime.FunctionCall{
		CallID: "call_1", Name: ToolSearchKnowledgeBase, Arguments: `{"query":"hours"}`,
	})
	if !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("err = %v; want ErrDuplicateCall", err)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil, nil)
	out := dispatch(t, d, "call_1", "launch_rockets", `{}`)
	m := decodeOutput(t, out)
	if _, ok := m["error"]; !ok {
		t.Errorf("want error output, got %s", out.Output)
	}
}

// ── search_knowledge_base ─────────────────────────────────────────────────────

func TestSearchKnowledgeBase_Results(t *testing.T) {
	t.Parallel()

	search := &fakeSearcher{results: []retrieval.Result{
		{Content: "Open 9 to 5 on weekdays.", Similarity: 0.82},
	}}
	d := newTestDispatcher(search, nil)

	out := dispatch(t, d, "call_1", ToolSearchKnowledgeBase, `{"query":"opening hours"}`)
	if out.EndCall {
		t.Error("search must not end the call")
	}
	m := decodeOutput(t, out)
	if m["found"] != true {
		t.Errorf("found = %v; want true", m["found"])
	}
	if m["summary"] != "Found 1 relevant chunks." {
		t.Errorf("summary = %v", m["summary"])
	}
	results, _ := m["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v", m["results"])
	}
	chunk, _ := results[0].(map[string]any)
	if chunk["text"] != "Open 9 to 5 on weekdays." {
		t.Errorf("chunk = %v; want text field with the chunk content", chunk)
	}
}

func TestSearchKnowledgeBase_NoMatches(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(&fakeSearcher{}, nil)
	out := dispatch(t, d, "call_1", ToolSearchKnowledgeBase, `{"query":"quantum pricing"}`)
	m := decodeOutput(t, out)
	if m["found"] != false {
		t.Errorf("found = %v; want false", m["found"])
	}
	if m["message"] != "No relevant information found in knowledge base." {
		t.Errorf("output = %s", out.Output)
	}
}

func TestSearchKnowledgeBase_MissingQuery(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(&fakeSearcher{}, nil)
	out := dispatch(t, d, "call_1", ToolSearchKnowledgeBase, `{}`)
	m := decodeOutput(t, out)
	if _, ok := m["error"]; !ok {
		t.Errorf("want error output, got %s", out.Output)
	}
}

// ── end_call ──────────────────────────────────────────────────────────────────

func TestEndCall_ArmsOnce(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil, nil)

	first := dispatch(t, d, "call_1", ToolEndCall, `{"reason":"caller done"}`)
	if !first.EndCall {
		t.Fatal("first end_call must request teardown")
	}
	m := decodeOutput(t, first)
	if m["success"] != true || m["message"] != "Call ended: caller done" {
		t.Errorf("first output = %s", first.Output)
	}

	second := dispatch(t, d, "call_2", ToolEndCall, `{}`)
	if second.EndCall {
		t.Fatal("second end_call must not re-arm teardown")
	}
	m = decodeOutput(t, second)
	if m["success"] != true || m["message"] != "The call is already ending." {
		t.Errorf("second output = %s", second.Output)
	}
}

// ── check_calendar ────────────────────────────────────────────────────────────

func TestCheckCalendar_ReturnsOrderedBusyIntervals(t *testing.T) {
	t.Parallel()

	cal := &fakeCalendar{busy: []calendar.Busy{
		{
			Start: time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC),
		},
		{
			Start: time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC),
		},
	}}
	d := newTestDispatcher(nil, cal)

	out := dispatch(t, d, "call_1", ToolCheckCalendar, `{"date":"2026-03-11"}`)
	m := decodeOutput(t, out)
	if m["business_hours"] != "09:00-17:00" {
		t.Errorf("business_hours = %v", m["business_hours"])
	}

	busy, _ := m["busy"].([]any)
	if len(busy) != 2 {
		t.Fatalf("busy = %v; want two intervals", m["busy"])
	}
	first, _ := busy[0].(map[string]any)
	if first["start"] != "2026-03-11T10:00:00Z" {
		t.Errorf("intervals not ordered by start, first = %v", first)
	}

	// The whole calendar day is queried, not just business hours.
	if !cal.busyFrom.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)) ||
		!cal.busyTo.Equal(time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("freebusy window = %v..%v", cal.busyFrom, cal.busyTo)
	}
}

func TestCheckCalendar_NoConnection(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil, nil)
	out := dispatch(t, d, "call_1", ToolCheckCalendar, `{"date":"2026-03-11"}`)
	m := decodeOutput(t, out)
	if _, ok := m["error"]; !ok {
		t.Errorf("want error output, got %s", out.Output)
	}
}

// ── create_calendar_event ─────────────────────────────────────────────────────

func TestCreateCalendarEvent_Confirms(t *testing.T) {
	t.Parallel()

	cal := &fakeCalendar{}
	d := newTestDispatcher(nil, cal)

	out := dispatch(t, d, "call_1", ToolCreateCalendarEvent,
		`{"summary":"Checkup for Pat","date":"2026-03-11","start_time":"14:00"}`)
	m := decodeOutput(t, out)
	if m["status"] != "confirmed" || m["event_id"] != "evt_1" {
		t.Fatalf("output = %s", out.Output)
	}
	// Default duration fills in when the model omits end_time.
	if m["end"] != "2026-03-11T14:30:00Z" {
		t.Errorf("end = %v; want default 30 minute slot", m["end"])
	}
	if len(cal.created) != 1 || cal.created[0] != "Checkup for Pat" {
		t.Errorf("created = %v", cal.created)
	}
}

func TestCreateCalendarEvent_ExplicitEndTime(t *testing.T) {
	t.Parallel()

	cal := &fakeCalendar{}
	d := newTestDispatcher(nil, cal)

	out := dispatch(t, d, "call_1", ToolCreateCalendarEvent,
		`{"summary":"Consultation","date":"2026-03-11","start_time":"14:00","end_time":"15:30"}`)
	m := decodeOutput(t, out)
	if m["status"] != "confirmed" {
		t.Fatalf("output = %s", out.Output)
	}
	if m["end"] != "2026-03-11T15:30:00Z" {
		t.Errorf("end = %v; want the explicit end time", m["end"])
	}
}

func TestCreateCalendarEvent_ValidationChain(t *testing.T) {
	t.Parallel()

	conflict := calendar.Busy{
		Start: time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC),
	}

	cases := []struct {
		name    string
		args    string
		busy    []calendar.Busy
		wantErr string
	}{
		{
			name:    "outside business hours",
			args:    `{"summary":"Late visit","date":"2026-03-11","start_time":"18:00"}`,
			wantErr: "between 09:00 and 17:00",
		},
		{
			name:    "runs past closing",
			args:    `{"summary":"Long visit","date":"2026-03-11","start_time":"16:45","end_time":"17:45"}`,
			wantErr: "between 09:00 and 17:00",
		},
		{
			name:    "in the past",
			args:    `{"summary":"Yesterday","date":"2026-03-09","start_time":"10:00"}`,
			wantErr: "in the past",
		},
		{
			name:    "beyond horizon",
			args:    `{"summary":"Next quarter","date":"2026-06-01","start_time":"10:00"}`,
			wantErr: "30 days in advance",
		},
		{
			name:    "conflicting slot",
			args:    `{"summary":"Overlap","date":"2026-03-11","start_time":"14:30"}`,
			busy:    []calendar.Busy{conflict},
			wantErr: "conflicts with an existing appointment",
		},
		{
			name:    "missing summary",
			args:    `{"date":"2026-03-11","start_time":"14:00"}`,
			wantErr: "requires summary, date, and start_time",
		},
		{
			name:    "missing date",
			args:    `{"summary":"No date","start_time":"14:00"}`,
			wantErr: "requires summary, date, and start_time",
		},
		{
			name:    "unparseable date",
			args:    `{"summary":"Odd date","date":"next tuesday","start_time":"14:00"}`,
			wantErr: "could not understand the date",
		},
		{
			name:    "unparseable start",
			args:    `{"summary":"Odd time","date":"2026-03-11","start_time":"tomorrow-ish"}`,
			wantErr: "could not understand the start time",
		},
		{
			name:    "end before start",
			args:    `{"summary":"Backwards","date":"2026-03-11","start_time":"14:00","end_time":"13:00"}`,
			wantErr: "end time must be after the start time",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cal := &fakeCalendar{busy: tc.busy}
			d := newTestDispatcher(nil, cal)
			out := dispatch(t, d, "call_1", ToolCreateCalendarEvent, tc.args)
			m := decodeOutput(t, out)
			msg, _ := m["error"].(string)
			if !strings.Contains(msg, tc.wantErr) {
				t.Errorf("error = %q; want substring %q", msg, tc.wantErr)
			}
			if len(cal.created) != 0 {
				t.Error("event must not be created on validation failure")
			}
		})
	}
}

func TestCreateCalendarEvent_AllowConflicts(t *testing.T) {
	t.Parallel()

	settings := testSettings
	settings.AllowConflicts = true
	cal := &fakeCalendar{busy: []calendar.Busy{{
		Start: time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC),
	}}}
	d := NewDispatcher("agent-1", nil, cal, settings, nil)
	d.now = func() time.Time { return testNow }

	out := dispatch(t, d, "call_1", ToolCreateCalendarEvent,
		`{"summary":"Double booked","date":"2026-03-11","start_time":"14:30"}`)
	m := decodeOutput(t, out)
	if m["status"] != "confirmed" {
		t.Errorf("output = %s", out.Output)
	}
}

func TestDefinitions_CalendarGated(t *testing.T) {
	t.Parallel()

	names := func(hasCalendar bool) map[string]bool {
		got := map[string]bool{}
		for _, tool := range Definitions(hasCalendar) {
			got[tool.Name] = true
		}
		return got
	}

	without := names(false)
	if len(without) != 2 || !without[ToolSearchKnowledgeBase] || !without[ToolEndCall] {
		t.Errorf("tools without calendar = %v", without)
	}

	with := names(true)
	if len(with) != 4 || !with[ToolCheckCalendar] || !with[ToolCreateCalendarEvent] {
		t.Errorf("tools with calendar = %v", with)
	}
}
