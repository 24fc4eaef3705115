package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ── check_calendar ────────────────────────────────────────────────────────────

func (d *Dispatcher) checkCalendar(ctx context.Context, rawArgs string) Outcome {
	var args struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Date == "" {
		return errorOutcome("check_calendar requires a date argument formatted YYYY-MM-DD")
	}
	if d.cal == nil {
		return errorOutcome("no calendar is connected for this business")
	}

	loc, err := d.location()
	if err != nil {
		return errorOutcome("the business time zone is misconfigured")
	}
	day, err := time.ParseInLocation("2006-01-02", args.Date, loc)
	if err != nil {
		return errorOutcome(fmt.Sprintf("could not understand the date %q; use YYYY-MM-DD", args.Date))
	}

	// Free-busy over the whole day keeps event titles and attendees out of
	// the model's context; only occupied intervals come back.
	busy, err := d.cal.FreeBusy(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		d.log.Error("freebusy lookup failed", "error", err)
		return errorOutcome("the calendar is unavailable right now")
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })

	type interval struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	intervals := make([]interval, 0, len(busy))
	for _, b := range busy {
		intervals = append(intervals, interval{
			Start: b.Start.In(loc).Format(time.RFC3339),
			End:   b.End.In(loc).Format(time.RFC3339),
		})
	}

	return jsonOutcome(map[string]any{
		"date":           args.Date,
		"business_hours": fmt.Sprintf("%s-%s", d.settings.BusinessHoursStart, d.settings.BusinessHoursEnd),
		"busy":           intervals,
	}, false)
}

// ── create_calendar_event ─────────────────────────────────────────────────────

func (d *Dispatcher) createCalendarEvent(ctx context.Context, rawArgs string) Outcome {
	var args struct {
		Summary     string `json:"summary"`
		Date        string `json:"date"`
		StartTime   string `json:"start_time"`
		EndTime     string `json:"end_time"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil ||
		args.Summary == "" || args.Date == "" || args.StartTime == "" {
		return errorOutcome("create_calendar_event requires summary, date, and start_time arguments")
	}
	if d.cal == nil {
		return errorOutcome("no calendar is connected for this business")
	}

	loc, err := d.location()
	if err != nil {
		return errorOutcome("the business time zone is misconfigured")
	}
	day, err := time.ParseInLocation("2006-01-02", args.Date, loc)
	if err != nil {
		return errorOutcome(fmt.Sprintf("could not understand the date %q; use YYYY-MM-DD", args.Date))
	}
	start, err := atClock(day, args.StartTime)
	if err != nil {
		return errorOutcome(fmt.Sprintf("could not understand the start time %q; use HH:MM", args.StartTime))
	}

	var end time.Time
	if args.EndTime != "" {
		end, err = atClock(day, args.EndTime)
		if err != nil {
			return errorOutcome(fmt.Sprintf("could not understand the end time %q; use HH:MM", args.EndTime))
		}
	} else {
		end = start.Add(time.Duration(d.settings.DefaultDurationMinutes) * time.Minute)
	}
	if !end.After(start) {
		return errorOutcome("the end time must be after the start time")
	}

	open, close, err := d.businessWindow(start)
	if err != nil {
		return errorOutcome("the business hours are misconfigured")
	}
	if start.Before(open) || end.After(close) {
		return errorOutcome(fmt.Sprintf(
			"appointments are only available between %s and %s",
			d.settings.BusinessHoursStart, d.settings.BusinessHoursEnd,
		))
	}

	now := d.now()
	if start.Before(now) {
		return errorOutcome("that time is in the past; please pick a future time")
	}
	horizon := now.AddDate(0, 0, d.settings.BookingHorizonDays)
	if start.After(horizon) {
		return errorOutcome(fmt.Sprintf(
			"appointments can only be booked up to %d days in advance",
			d.settings.BookingHorizonDays,
		))
	}

	if !d.settings.AllowConflicts {
		busy, err := d.cal.FreeBusy(ctx, start, end)
		if err != nil {
			d.log.Error("freebusy lookup failed", "error", err)
			return errorOutcome("the calendar is unavailable right now")
		}
		for _, b := range busy {
			if b.Overlaps(start, end) {
				return errorOutcome(fmt.Sprintf(
					"that slot conflicts with an existing appointment from %s to %s; please offer another time",
					b.Start.In(loc).Format("15:04"), b.End.In(loc).Format("15:04"),
				))
			}
		}
	}

	eventID, err := d.cal.CreateEvent(ctx, args.Summary, args.Description, start, end, d.settings.TimeZone)
	if err != nil {
		d.log.Error("event creation failed", "error", err)
		return errorOutcome("the appointment could not be booked right now")
	}

	return jsonOutcome(map[string]any{
		"status":   "confirmed",
		"event_id": eventID,
		"summary":  args.Summary,
		"start":    start.Format(time.RFC3339),
		"end":      end.Format(time.RFC3339),
	}, false)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (d *Dispatcher) location() (*time.Location, error) {
	return time.LoadLocation(d.settings.TimeZone)
}

// businessWindow returns the opening and closing instants on the day of t.
func (d *Dispatcher) businessWindow(t time.Time) (time.Time, time.Time, error) {
	open, err := atClock(t, d.settings.BusinessHoursStart)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	close, err := atClock(t, d.settings.BusinessHoursEnd)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return open, close, nil
}

func parseClock(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("tooling: parse clock %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("tooling: clock %q out of range", s)
	}
	return hour, minute, nil
}

// atClock pins an HH:MM wall-clock time onto the calendar day of day.
func atClock(day time.Time, clock string) (time.Time, error) {
	h, min, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, h, min, 0, 0, day.Location()), nil
}
