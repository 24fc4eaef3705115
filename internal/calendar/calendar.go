// Package calendar talks to Google Calendar for availability checks and
// bookings. Each call session builds one [Client] from the business's
// calendar tool connection; rotated OAuth tokens are persisted back through
// the provided TokenSaver.
package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// googleTokenURL is the OAuth token refresh endpoint.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// calendarID of the connected account's primary calendar.
const calendarID = "primary"

// Credentials are the OAuth client and token material of one connection.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenSaver persists a rotated access token. Implemented by the store.
type TokenSaver interface {
	UpdateToolToken(ctx context.Context, connectionID, accessToken string, expiry time.Time) error
}

// Client is a per-connection Google Calendar client.
type Client struct {
	svc          *gcal.Service
	connectionID string
	saver        TokenSaver
	source       oauth2.TokenSource

	mu        sync.Mutex
	lastToken string
}

// New builds a client for one tool connection. The saver may be nil when
// token rotation does not need to be persisted (tests).
func New(ctx context.Context, connectionID string, creds Credentials, saver TokenSaver) (*Client, error) {
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
	}
	token := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.Expiry,
	}

	c := &Client{
		connectionID: connectionID,
		saver:        saver,
		lastToken:    creds.AccessToken,
	}
	c.source = oauth2.ReuseTokenSource(token, &savingSource{
		inner:  cfg.TokenSource(ctx, token),
		client: c,
		ctx:    ctx,
	})

	svc, err := gcal.NewService(ctx, option.WithTokenSource(c.source))
	if err != nil {
		return nil, fmt.Errorf("calendar: create service: %w", err)
	}
	c.svc = svc
	return c, nil
}

// savingSource persists every rotated token before handing it out.
type savingSource struct {
	inner  oauth2.TokenSource
	client *Client
	ctx    context.Context
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	token, err := s.inner.Token()
	if err != nil {
		return nil, err
	}
	s.client.noteToken(s.ctx, token)
	return token, nil
}

func (c *Client) noteToken(ctx context.Context, token *oauth2.Token) {
	c.mu.Lock()
	rotated := token.AccessToken != c.lastToken
	if rotated {
		c.lastToken = token.AccessToken
	}
	c.mu.Unlock()

	if rotated && c.saver != nil {
		// Persistence is best effort; a failed write only costs an extra
		// refresh on the next call.
		_ = c.saver.UpdateToolToken(ctx, c.connectionID, token.AccessToken, token.Expiry)
	}
}

// Busy is one occupied interval on the calendar.
type Busy struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [start, end) intersects the busy interval.
func (b Busy) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && b.Start.Before(end)
}

// FreeBusy returns the busy intervals on the primary calendar between from
// and to.
func (c *Client) FreeBusy(ctx context.Context, from, to time.Time) ([]Busy, error) {
	resp, err := c.svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("calendar: freebusy: %w", err)
	}

	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, nil
	}
	busy := make([]Busy, 0, len(cal.Busy))
	for _, period := range cal.Busy {
		start, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			return nil, fmt.Errorf("calendar: parse busy start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			return nil, fmt.Errorf("calendar: parse busy end: %w", err)
		}
		busy = append(busy, Busy{Start: start, End: end})
	}
	return busy, nil
}

// CreateEvent books an event on the primary calendar and returns its id.
func (c *Client) CreateEvent(ctx context.Context, summary, description string, start, end time.Time, timeZone string) (string, error) {
	created, err := c.svc.Events.Insert(calendarID, &gcal.Event{
		Summary:     summary,
		Description: description,
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: timeZone},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: timeZone},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calendar: create event: %w", err)
	}
	return created.Id, nil
}
