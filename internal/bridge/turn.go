package bridge

import "sync"

// TurnTracker follows playback position so a caller interruption can cut the
// agent off mid-sentence. The carrier plays buffered audio long after the
// model produced it, so the elapsed playback time is measured against the
// inbound media clock, not wall time.
//
// One tracker serves one call. Safe for concurrent use.
type TurnTracker struct {
	mu sync.Mutex

	// latestMediaMS is the media timestamp of the newest inbound frame.
	latestMediaMS int64

	// responseStartMS is latestMediaMS at the moment the current assistant
	// item started playing, or -1 when nothing is playing.
	responseStartMS int64

	// currentItem is the assistant item whose audio is being sent.
	currentItem string

	// pendingMarks counts playback marks sent to the carrier that have not
	// been echoed back yet. Nonzero means audio is still queued or playing.
	pendingMarks int
}

// NewTurnTracker returns a tracker in the idle state.
func NewTurnTracker() *TurnTracker {
	return &TurnTracker{responseStartMS: -1}
}

// NoteInboundMedia advances the inbound media clock.
func (t *TurnTracker) NoteInboundMedia(timestampMS int64) {
	t.mu.Lock()
	t.latestMediaMS = timestampMS
	t.mu.Unlock()
}

// NoteAssistantAudio records that audio for itemID was forwarded to the
// carrier. The first chunk of a response pins the playback start position.
func (t *TurnTracker) NoteAssistantAudio(itemID string) {
	t.mu.Lock()
	if t.responseStartMS < 0 {
		t.responseStartMS = t.latestMediaMS
	}
	t.currentItem = itemID
	t.pendingMarks++
	t.mu.Unlock()
}

// NoteMarkAcked consumes one echoed playback mark.
func (t *TurnTracker) NoteMarkAcked() {
	t.mu.Lock()
	if t.pendingMarks > 0 {
		t.pendingMarks--
	}
	t.mu.Unlock()
}

// NoteResponseDone resets the playback start position so the next response
// measures its own elapsed time.
func (t *TurnTracker) NoteResponseDone() {
	t.mu.Lock()
	t.responseStartMS = -1
	t.mu.Unlock()
}

// Interruption describes what a caller barge-in requires at each link.
type Interruption struct {
	// ItemID and ElapsedMS parameterize the truncate sent to the model.
	ItemID    string
	ElapsedMS int64

	// Truncate is false when no assistant item is mid-response, e.g. the
	// response finished while the carrier was still draining its buffer.
	Truncate bool

	// Clear reports that audio may still be queued at the carrier and must
	// be dropped. Truncate implies Clear; Clear alone happens after
	// response completion.
	Clear bool
}

// Interrupt handles a caller barge-in and resets the tracker to idle. The
// zero Interruption means nothing was playing.
func (t *TurnTracker) Interrupt() Interruption {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pendingMarks == 0 {
		return Interruption{}
	}

	in := Interruption{Clear: true}
	if t.currentItem != "" && t.responseStartMS >= 0 {
		in.Truncate = true
		in.ItemID = t.currentItem
		in.ElapsedMS = t.latestMediaMS - t.responseStartMS
		if in.ElapsedMS < 0 {
			in.ElapsedMS = 0
		}
	}

	t.currentItem = ""
	t.responseStartMS = -1
	t.pendingMarks = 0
	return in
}
