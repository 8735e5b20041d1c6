// Package session ties one booking's conversation together: the fetched
// history, messages pushed over the cable, the connection state surfaced to
// the UI, and outbound sends. It owns the merge of the two message sources
// into a single ordered timeline.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fixmate/chat-client/internal/apierr"
	"github.com/fixmate/chat-client/internal/auth"
	"github.com/fixmate/chat-client/internal/cable"
	"github.com/fixmate/chat-client/internal/chat"
)

const historyTimeout = 15 * time.Second

// HistoryFetcher loads the stored transcript for a booking. *api.Client is
// the production implementation.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, bookingID int64, preferred auth.Kind) ([]chat.Message, error)
}

// Supervisor is the realtime side the session drives. *cable.Supervisor is
// the production implementation.
type Supervisor interface {
	Start(bookingID int64)
	Disconnect()
	RetryConnection()
	Send(content string) error
	State() cable.State
}

// Snapshot is an immutable view of the conversation for rendering. Messages
// is sorted oldest first and free of duplicates.
type Snapshot struct {
	Messages              []chat.Message
	ConnectionState       cable.State
	ErrorMessage          string
	NeedsReauthentication bool
}

// Listener is notified whenever the snapshot changes. Called from session
// goroutines; implementations take the snapshot and get off the callback.
type Listener func(Snapshot)

// Conversation is the per-booking session. Loading a new booking supersedes
// the previous one: callbacks and fetch results belonging to the old booking
// are dropped by a load token rather than cancelled in place.
type Conversation struct {
	api HistoryFetcher
	sup Supervisor

	notifyCh chan notification

	mu           sync.Mutex
	load         uuid.UUID
	bookingID    int64
	timeline     *chat.Timeline
	state        cable.State
	errMsg       string
	needsReauth  bool
	listener     Listener
	wasConnected bool
}

// NewConversation wires the session between the history API and the cable
// supervisor. The caller must register the returned Conversation as the
// supervisor's delegate before loading a chat.
func NewConversation(api HistoryFetcher, sup Supervisor) *Conversation {
	c := &Conversation{
		api:      api,
		sup:      sup,
		notifyCh: make(chan notification, 64),
		timeline: chat.NewTimeline(),
		state:    cable.StateDisconnected,
	}
	go c.notifyLoop()
	return c
}

// SetListener registers the snapshot observer. Pass nil to detach.
func (c *Conversation) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// LoadChat opens the conversation for a booking: history fetch and realtime
// subscription start together, and pushed messages arriving before the fetch
// completes merge cleanly because the timeline deduplicates by ID.
func (c *Conversation) LoadChat(bookingID int64) {
	c.mu.Lock()
	token := uuid.New()
	c.load = token
	c.bookingID = bookingID
	c.timeline = chat.NewTimeline()
	c.needsReauth = false
	c.errMsg = ""
	c.wasConnected = false
	c.mu.Unlock()

	go c.fetchHistory(token, bookingID)
	c.sup.Start(bookingID)
}

// Disconnect tears the conversation down. The zeroed load token marks the
// session inactive, so in-flight history results and late cable callbacks
// are dropped.
func (c *Conversation) Disconnect() {
	c.mu.Lock()
	c.load = uuid.UUID{}
	c.mu.Unlock()
	c.sup.Disconnect()
}

// RetryConnection re-runs the connect cycle after a terminal error.
func (c *Conversation) RetryConnection() {
	c.sup.RetryConnection()
}

// SendMessage validates and publishes an outbound message. The local timeline
// is not touched: the message appears when the broker echoes it back, which
// doubles as the delivery acknowledgement.
func (c *Conversation) SendMessage(content string) error {
	if chat.IsBlank(content) {
		return nil
	}
	if err := chat.ValidateOutbound(content); err != nil {
		return apierr.Wrap(apierr.KindValidationRejected, "message rejected", err)
	}
	return c.sup.Send(content)
}

// Snapshot returns the current render state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conversation) snapshotLocked() Snapshot {
	return Snapshot{
		Messages:              c.timeline.Messages(),
		ConnectionState:       c.state,
		ErrorMessage:          c.errMsg,
		NeedsReauthentication: c.needsReauth,
	}
}

// notification pairs a snapshot with the listener registered when it was
// taken, so delivery needs no lock of its own.
type notification struct {
	deliver Listener
	snap    Snapshot
}

// notifyLocked queues a snapshot for delivery. All deliveries happen on one
// goroutine in queue order, so the listener observes timeline and connection
// state as a serializable sequence, and a slow listener never holds the
// session lock. Under burst pressure the oldest queued snapshot is dropped:
// each snapshot carries the full state, so a newer one supersedes it.
func (c *Conversation) notifyLocked() {
	if c.listener == nil {
		return
	}
	n := notification{deliver: c.listener, snap: c.snapshotLocked()}
	for {
		select {
		case c.notifyCh <- n:
			return
		default:
		}
		select {
		case <-c.notifyCh:
		default:
		}
	}
}

// notifyLoop is the single delivery goroutine; it lives as long as the
// Conversation.
func (c *Conversation) notifyLoop() {
	for n := range c.notifyCh {
		n.deliver(n.snap)
	}
}

// fetchHistory loads the transcript and merges it into the timeline. A stale
// load token means the conversation moved on; the result is discarded.
func (c *Conversation) fetchHistory(token uuid.UUID, bookingID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	msgs, err := c.api.FetchHistory(ctx, bookingID, auth.KindRepairer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if token == (uuid.UUID{}) || token != c.load {
		return
	}

	if err != nil {
		log.Printf("session: history fetch failed booking=%d: %v", bookingID, err)
		if apierr.IsKind(err, apierr.KindUnauthenticated) || apierr.IsKind(err, apierr.KindAuthorizationRejected) {
			c.needsReauth = true
		} else if c.errMsg == "" {
			c.errMsg = "could not load earlier messages"
		}
		c.notifyLocked()
		return
	}

	added := c.timeline.Merge(msgs)
	log.Printf("session: history merged booking=%d fetched=%d added=%d", bookingID, len(msgs), added)
	c.notifyLocked()
}

// ---------------------------------------------------------------------------
// cable.Delegate
// ---------------------------------------------------------------------------

// StateChanged implements cable.Delegate. It runs with the supervisor's lock
// held, so it must not call back into the supervisor; the reconnect refetch
// goes through a goroutine.
func (c *Conversation) StateChanged(state cable.State, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	refetch := state == cable.StateConnected && c.wasConnected
	if state == cable.StateConnected {
		c.wasConnected = true
	}
	if state == cable.StateAuthError {
		c.needsReauth = true
	}

	c.state = state
	c.errMsg = errMsg

	// After an outage anything pushed while offline is missing locally; a
	// fresh fetch backfills it and the timeline drops the overlap.
	if refetch {
		go c.fetchHistory(c.load, c.bookingID)
	}
	c.notifyLocked()
}

// MessageReceived implements cable.Delegate.
func (c *Conversation) MessageReceived(bookingID int64, msg chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A zero load token means no session is active; LoadChat always issues a
	// non-zero one.
	if c.load == (uuid.UUID{}) || bookingID != c.bookingID {
		return
	}
	if c.timeline.Add(msg) {
		c.notifyLocked()
	}
}
