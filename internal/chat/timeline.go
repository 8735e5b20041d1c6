package chat

import (
	"sort"
	"sync"
)

// Timeline is the merged view of a conversation: history batches and live
// pushes go in, a sorted, deduplicated message list comes out. It is
// goroutine-safe; history fetches and cable pushes race freely against it.
type Timeline struct {
	mu   sync.RWMutex
	msgs []Message
	seen map[int64]struct{}
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{seen: make(map[int64]struct{})}
}

// Add inserts a single message at its sorted position. Messages whose ID is
// already present are dropped; it returns whether the timeline changed.
// An out-of-order push (clock skew, late delivery) lands at its correct
// position rather than being appended.
func (t *Timeline) Add(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(msg)
}

// Merge inserts a batch of messages, typically a history fetch result, and
// returns how many were new. Already-present IDs are skipped, so re-fetching
// history after a reconnect is idempotent.
func (t *Timeline) Merge(msgs []Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if t.insertLocked(m) {
			added++
		}
	}
	return added
}

func (t *Timeline) insertLocked(msg Message) bool {
	if _, dup := t.seen[msg.ID]; dup {
		return false
	}
	t.seen[msg.ID] = struct{}{}

	i := sort.Search(len(t.msgs), func(i int) bool {
		return Less(msg, t.msgs[i])
	})
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
	return true
}

// Messages returns a copy of the timeline in (CreatedAt, ID) order.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages in the timeline.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Sort orders a message slice by (CreatedAt, ID) in place. The server's
// response order is not trusted as-is; history fetches sort before returning.
func Sort(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return Less(msgs[i], msgs[j])
	})
}
