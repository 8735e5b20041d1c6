package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fixmate/chat-client/internal/apierr"
	"github.com/fixmate/chat-client/internal/auth"
	"github.com/fixmate/chat-client/internal/cable"
	"github.com/fixmate/chat-client/internal/chat"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	result []chat.Message
	err    error
	gate   chan struct{} // when non-nil, FetchHistory blocks until closed
}

func (f *fakeFetcher) FetchHistory(ctx context.Context, bookingID int64, _ auth.Kind) ([]chat.Message, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	result := append([]chat.Message(nil), f.result...)
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result, err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSup struct {
	mu          sync.Mutex
	started     []int64
	sent        []string
	disconnects int
	retries     int
}

func (s *fakeSup) Start(bookingID int64) {
	s.mu.Lock()
	s.started = append(s.started, bookingID)
	s.mu.Unlock()
}

func (s *fakeSup) Disconnect() {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
}

func (s *fakeSup) RetryConnection() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

func (s *fakeSup) Send(content string) error {
	s.mu.Lock()
	s.sent = append(s.sent, content)
	s.mu.Unlock()
	return nil
}

func (s *fakeSup) State() cable.State { return cable.StateDisconnected }

func (s *fakeSup) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func at(sec int) time.Time {
	return time.Date(2026, 8, 30, 10, 0, sec, 0, time.UTC)
}

func history(ids ...int64) []chat.Message {
	msgs := make([]chat.Message, 0, len(ids))
	for i, id := range ids {
		msgs = append(msgs, chat.Message{ID: id, Content: "m", BookingID: 42, CreatedAt: at(i)})
	}
	return msgs
}

func TestLoadChatMergesHistory(t *testing.T) {
	fetcher := &fakeFetcher{result: history(1, 2, 3)}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	conv.LoadChat(42)

	waitFor(t, "history", func() bool { return len(conv.Snapshot().Messages) == 3 })

	sup.mu.Lock()
	defer sup.mu.Unlock()
	if len(sup.started) != 1 || sup.started[0] != 42 {
		t.Errorf("supervisor start calls: %v", sup.started)
	}
}

func TestPushDuringFetchDeduplicates(t *testing.T) {
	gate := make(chan struct{})
	fetcher := &fakeFetcher{result: history(1, 2, 3), gate: gate}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	conv.LoadChat(42)

	// Message 3 is pushed live before the fetch completes; the history merge
	// must not duplicate it.
	conv.MessageReceived(42, chat.Message{ID: 3, Content: "m", BookingID: 42, CreatedAt: at(2)})
	conv.MessageReceived(42, chat.Message{ID: 4, Content: "m", BookingID: 42, CreatedAt: at(3)})
	close(gate)

	waitFor(t, "merged timeline", func() bool { return len(conv.Snapshot().Messages) == 4 })

	msgs := conv.Snapshot().Messages
	for i, want := range []int64{1, 2, 3, 4} {
		if msgs[i].ID != want {
			t.Fatalf("position %d: got id %d, want %d; full: %+v", i, msgs[i].ID, want, msgs)
		}
	}
}

func TestPushForOtherBookingIgnored(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	conv.LoadChat(42)
	conv.MessageReceived(99, chat.Message{ID: 1, Content: "m", BookingID: 99, CreatedAt: at(0)})

	if n := len(conv.Snapshot().Messages); n != 0 {
		t.Errorf("foreign booking message landed in the timeline: %d messages", n)
	}
}

func TestSendMessageValidation(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)
	conv.LoadChat(42)

	// Blank input is swallowed without touching the wire.
	if err := conv.SendMessage("   \n\t"); err != nil {
		t.Errorf("blank send: %v", err)
	}
	if sup.sentCount() != 0 {
		t.Error("blank message reached the supervisor")
	}

	// Over-length input is rejected locally.
	err := conv.SendMessage(strings.Repeat("x", 5000))
	if !apierr.IsKind(err, apierr.KindValidationRejected) {
		t.Errorf("expected validation rejection, got %v", err)
	}
	if sup.sentCount() != 0 {
		t.Error("oversized message reached the supervisor")
	}

	// A valid message goes out and is NOT appended locally; it shows up only
	// when the broker echoes it back.
	if err := conv.SendMessage("be there at nine"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sup.sentCount() != 1 {
		t.Fatalf("expected one send, got %d", sup.sentCount())
	}
	if n := len(conv.Snapshot().Messages); n != 0 {
		t.Errorf("optimistic append detected: %d local messages", n)
	}
}

func TestReconnectTriggersRefetch(t *testing.T) {
	fetcher := &fakeFetcher{result: history(1)}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	conv.LoadChat(42)
	waitFor(t, "initial fetch", func() bool { return fetcher.callCount() == 1 })

	// First Connected is the initial connect; no extra fetch.
	conv.StateChanged(cable.StateConnected, "")
	time.Sleep(20 * time.Millisecond)
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("initial connect refetched: %d calls", got)
	}

	// Outage and recovery: the reconnect backfills whatever was missed.
	conv.StateChanged(cable.StateReconnecting, "")
	conv.StateChanged(cable.StateConnected, "")
	waitFor(t, "refetch", func() bool { return fetcher.callCount() == 2 })
}

func TestAuthErrorSetsNeedsReauthentication(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)
	conv.LoadChat(42)

	conv.StateChanged(cable.StateAuthError, "session expired; log in again")

	snap := conv.Snapshot()
	if !snap.NeedsReauthentication {
		t.Error("auth error state should flag reauthentication")
	}
	if snap.ErrorMessage == "" {
		t.Error("auth error should carry a user-facing message")
	}
}

func TestUnauthenticatedHistoryFlagsReauthentication(t *testing.T) {
	fetcher := &fakeFetcher{err: apierr.New(apierr.KindUnauthenticated, "no credential accepted")}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	conv.LoadChat(42)

	waitFor(t, "reauth flag", func() bool { return conv.Snapshot().NeedsReauthentication })
}

func TestHistoryFailureKeepsRealtimeAlive(t *testing.T) {
	fetcher := &fakeFetcher{err: apierr.New(apierr.KindServerFault, "boom")}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	conv.LoadChat(42)

	waitFor(t, "error message", func() bool { return conv.Snapshot().ErrorMessage != "" })
	if conv.Snapshot().NeedsReauthentication {
		t.Error("server fault should not demand reauthentication")
	}

	// Live messages still land even though the transcript never loaded.
	conv.MessageReceived(42, chat.Message{ID: 9, Content: "m", BookingID: 42, CreatedAt: at(0)})
	if n := len(conv.Snapshot().Messages); n != 1 {
		t.Errorf("expected live message despite fetch failure, got %d", n)
	}
}

func TestDisconnectDropsInFlightHistory(t *testing.T) {
	gate := make(chan struct{})
	fetcher := &fakeFetcher{result: history(1, 2), gate: gate}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	conv.LoadChat(42)
	waitFor(t, "fetch started", func() bool { return fetcher.callCount() == 1 })

	conv.Disconnect()
	close(gate)

	time.Sleep(20 * time.Millisecond)
	if n := len(conv.Snapshot().Messages); n != 0 {
		t.Errorf("stale history landed after disconnect: %d messages", n)
	}
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.disconnects != 1 {
		t.Errorf("supervisor disconnects: %d", sup.disconnects)
	}
}

func TestLoadChatSupersedesPreviousFetch(t *testing.T) {
	gate := make(chan struct{})
	fetcher := &fakeFetcher{result: history(1, 2), gate: gate}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	conv.LoadChat(42)
	waitFor(t, "first fetch", func() bool { return fetcher.callCount() == 1 })

	// Switch bookings while the first fetch is still in flight.
	fetcher.mu.Lock()
	fetcher.result = nil
	fetcher.gate = nil
	fetcher.mu.Unlock()
	conv.LoadChat(43)
	close(gate)

	time.Sleep(20 * time.Millisecond)
	if n := len(conv.Snapshot().Messages); n != 0 {
		t.Errorf("history from the old booking leaked in: %d messages", n)
	}
}

func TestListenerReceivesSnapshots(t *testing.T) {
	fetcher := &fakeFetcher{result: history(1)}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	var mu sync.Mutex
	var last Snapshot
	var notified int
	conv.SetListener(func(s Snapshot) {
		mu.Lock()
		last = s
		notified++
		mu.Unlock()
	})

	conv.LoadChat(42)

	waitFor(t, "listener", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notified > 0 && len(last.Messages) == 1
	})
}

func TestSnapshotsArriveInOrder(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	const pushes = 300

	var mu sync.Mutex
	var lengths []int
	conv.SetListener(func(s Snapshot) {
		mu.Lock()
		lengths = append(lengths, len(s.Messages))
		mu.Unlock()
	})

	conv.LoadChat(42)
	for i := 1; i <= pushes; i++ {
		conv.MessageReceived(42, chat.Message{ID: int64(i), Content: "m", BookingID: 42, CreatedAt: at(i)})
	}

	waitFor(t, "final snapshot", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lengths) > 0 && lengths[len(lengths)-1] == pushes
	})

	// The timeline only grows within a session, so delivered snapshots must
	// show a non-decreasing message count. A regression to unordered delivery
	// shows up here as a shrinking length.
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(lengths); i++ {
		if lengths[i] < lengths[i-1] {
			t.Fatalf("snapshot %d arrived out of order: %d messages after %d", i, lengths[i], lengths[i-1])
		}
	}
}

func TestPushAfterDisconnectIgnored(t *testing.T) {
	fetcher := &fakeFetcher{}
	sup := &fakeSup{}
	conv := NewConversation(fetcher, sup)

	conv.LoadChat(42)
	conv.Disconnect()

	conv.MessageReceived(42, chat.Message{ID: 1, Content: "m", BookingID: 42, CreatedAt: at(0)})
	if n := len(conv.Snapshot().Messages); n != 0 {
		t.Errorf("push landed after disconnect: %d messages", n)
	}
}

func TestRetryConnectionForwards(t *testing.T) {
	sup := &fakeSup{}
	conv := NewConversation(&fakeFetcher{}, sup)

	conv.RetryConnection()

	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.retries != 1 {
		t.Errorf("retries: %d", sup.retries)
	}
}
