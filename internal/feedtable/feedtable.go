// Package feedtable implements the broker's name -> subscriber-set table:
// the thing every publish and subscribe command ultimately reads or
// mutates. A feed is created on first reference (by a publish, a
// subscribe, or an addon's startup advertisement) and lives for the life
// of the broker process; nothing currently deletes a feed once created,
// matching the original's feedtab, which never shrinks t->v.
package feedtable

import "sync"

// Subscriber identifies one connection's stake in a feed. The broker hands
// out an opaque, monotonically increasing ID per accepted connection; this
// package never looks inside it.
type Subscriber uint64

// Table is a mutex-guarded map of feed name to subscriber set. A single
// lock covers the whole table, not one lock per feed: spec.md §9 notes
// that a finer-grained or read-write lock "would win nothing at the
// observed scale" a local broker with at most a few dozen feeds and
// connections operates at, and the original's own feedtab makes the same
// choice with one pthread_mutex_t.
type Table struct {
	mu    sync.Mutex
	feeds map[string]map[Subscriber]struct{}
	order []string // creation order, for List
}

// New returns an empty feed table.
func New() *Table {
	return &Table{feeds: make(map[string]map[Subscriber]struct{})}
}

// Ensure creates the feed if it doesn't exist yet and returns whether it
// was newly created.
func (t *Table) Ensure(name string) (created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(name)
}

func (t *Table) ensureLocked(name string) bool {
	if _, ok := t.feeds[name]; ok {
		return false
	}
	t.feeds[name] = make(map[Subscriber]struct{})
	t.order = append(t.order, name)
	return true
}

// Find reports whether a feed by this name has been created.
func (t *Table) Find(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.feeds[name]
	return ok
}

// Subscribe adds sub to the feed's subscriber set, creating the feed first
// if needed. Subscribing twice is a no-op, matching feedtab_sub's explicit
// duplicate check.
func (t *Table) Subscribe(name string, sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(name)
	t.feeds[name][sub] = struct{}{}
}

// Unsubscribe removes sub from a single feed's subscriber set. It is a
// no-op if either the feed or the subscription doesn't exist. This
// operation has no analogue in the original broker (spec.md §9 flags
// per-feed unsubscribe as left unimplemented there); it is the targeted
// counterpart to UnsubscribeAll, which the original does implement as
// disconnect cleanup.
func (t *Table) Unsubscribe(name string, sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if subs, ok := t.feeds[name]; ok {
		delete(subs, sub)
	}
}

// UnsubscribeAll removes sub from every feed, used when a connection
// disconnects. Mirrors feedtab_unsub_all_fd.
func (t *Table) UnsubscribeAll(sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, subs := range t.feeds {
		delete(subs, sub)
	}
}

// FeedInfo is a snapshot of one feed's name and subscriber count, as
// reported by the broker's "feeds" CLI verb.
type FeedInfo struct {
	Name        string
	Subscribers int
}

// List returns a snapshot of every feed in creation order, matching
// feedtab_list's iteration order (append-only, index order).
func (t *Table) List() []FeedInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FeedInfo, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, FeedInfo{Name: name, Subscribers: len(t.feeds[name])})
	}
	return out
}

// Broadcast calls send once for every current subscriber of name, with the
// table's lock held for the duration of the snapshot (not for the sends
// themselves) so a slow subscriber can't stall the whole table. The
// snapshot means a subscriber that joins mid-broadcast may or may not see
// this particular message — the same race the original accepts by walking
// t->v[idx].subs under the lock and calling send_frame_json for each fd.
func (t *Table) Broadcast(name string, send func(Subscriber)) {
	t.mu.Lock()
	subs, ok := t.feeds[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	snapshot := make([]Subscriber, 0, len(subs))
	for s := range subs {
		snapshot = append(snapshot, s)
	}
	t.mu.Unlock()

	for _, s := range snapshot {
		send(s)
	}
}
