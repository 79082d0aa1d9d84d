// Package msgcache keeps the client's view of message lists per channel and
// filter. Reads go through to the backend when a key is missing or stale;
// local optimistic edits are kept only until the next authoritative fetch.
package msgcache

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/LeventeLantos/scheduled-dispatch/internal/lifecycle"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

type FetchFunc func(ctx context.Context, ch model.Channel, f model.Filter) ([]model.ScheduledMessage, error)

// Snapshot is one read of a cached list.
type Snapshot struct {
	Items     []model.ScheduledMessage
	Loading   bool
	Stale     bool
	Err       error
	FetchedAt time.Time
}

type key struct {
	channel model.Channel
	filter  string
}

func (k key) String() string { return string(k.channel) + "|" + k.filter }

type entry struct {
	filter    model.Filter
	items     []model.ScheduledMessage
	stale     bool
	loading   bool
	err       error
	fetchedAt time.Time
}

type Cache struct {
	fetch FetchFunc
	now   func() time.Time
	group singleflight.Group

	mu       sync.Mutex
	entries  map[key]*entry
	gen      map[model.Channel]uint64
	inFlight map[string]struct{}
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(fetch FetchFunc, opts ...Option) *Cache {
	c := &Cache{
		fetch:    fetch,
		now:      time.Now,
		entries:  make(map[key]*entry),
		gen:      make(map[model.Channel]uint64),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns the cached list for (ch, f), fetching it when missing or
// stale. Concurrent callers for the same key share one fetch. When the fetch
// fails, the last known items are returned with Err set.
func (c *Cache) List(ctx context.Context, ch model.Channel, f model.Filter) Snapshot {
	k := key{channel: ch, filter: f.Key()}

	c.mu.Lock()
	e, ok := c.entries[k]
	if ok && !e.stale && e.err == nil {
		s := e.snapshot()
		c.mu.Unlock()
		return s
	}
	if !ok {
		e = &entry{filter: f}
		c.entries[k] = e
	}
	e.loading = true
	gen := c.gen[ch]
	c.mu.Unlock()

	v, err, _ := c.group.Do(k.String(), func() (any, error) {
		return c.fetch(ctx, ch, f)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	// The entry may have been dropped by Reset while fetching.
	if cur, ok := c.entries[k]; ok {
		e = cur
	} else {
		c.entries[k] = e
	}
	e.loading = false
	if err != nil {
		e.err = err
		e.stale = true
		return e.snapshot()
	}
	items, _ := v.([]model.ScheduledMessage)
	e.items = slices.Clone(items)
	e.err = nil
	e.fetchedAt = c.now()
	// A mutation that landed while the request was out may not be reflected.
	e.stale = c.gen[ch] != gen
	return e.snapshot()
}

// Peek returns the current cached state of (ch, f) without fetching.
func (c *Cache) Peek(ch model.Channel, f model.Filter) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key{channel: ch, filter: f.Key()}]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Invalidate marks every list of the channel stale.
func (c *Cache) Invalidate(ch model.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[ch]++
	for k, e := range c.entries {
		if k.channel == ch {
			e.stale = true
		}
	}
}

// Reset forgets everything, e.g. after logout.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	for ch := range c.gen {
		c.gen[ch]++
	}
}

// Optimistic applies fn to every cached copy of message id. The affected
// lists are marked stale so the next List reconciles with the backend.
func (c *Cache) Optimistic(ch model.Channel, id string, fn func(*model.ScheduledMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eachCopy(ch, id, func(e *entry, i int) {
		m := e.items[i]
		fn(&m)
		e.items[i] = m
		e.stale = true
	})
}

// Remove drops message id from every cached list of the channel.
func (c *Cache) Remove(ch model.Channel, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.channel != ch {
			continue
		}
		n := len(e.items)
		e.items = slices.DeleteFunc(e.items, func(m model.ScheduledMessage) bool { return m.ID == id })
		if len(e.items) != n {
			e.stale = true
		}
	}
}

// Insert adds m to the cached lists whose filter it matches.
func (c *Cache) Insert(m model.ScheduledMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.channel != m.Channel || !e.filter.Matches(m) {
			continue
		}
		if slices.ContainsFunc(e.items, func(x model.ScheduledMessage) bool { return x.ID == m.ID }) {
			continue
		}
		e.items = append(e.items, m)
		e.stale = true
	}
}

// Apply folds a status event into the cached copies. Transitions that leave
// a terminal state are not applied; the lists are refetched instead.
func (c *Cache) Apply(ev model.StatusEvent) {
	if ev.Deleted {
		c.Remove(ev.Channel, ev.ID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.eachCopy(ev.Channel, ev.ID, func(e *entry, i int) {
		m := &e.items[i]
		if err := lifecycle.Observe(m.Status, ev.Status); err != nil {
			e.stale = true
			return
		}
		m.Status = ev.Status
		if ev.SentAt != nil {
			m.SentAt = ev.SentAt
		}
		if ev.Reason != "" {
			m.LastError = ev.Reason
		}
		if !e.filter.Matches(*m) {
			e.stale = true
		}
	})
}

func (c *Cache) eachCopy(ch model.Channel, id string, fn func(e *entry, i int)) {
	for k, e := range c.entries {
		if k.channel != ch {
			continue
		}
		for i := range e.items {
			if e.items[i].ID == id {
				fn(e, i)
			}
		}
	}
}

// Begin marks a mutation of message id as in flight. ok is false when one is
// already running; the caller must not issue a second request. done clears
// the flag and is safe to call more than once.
func (c *Cache) Begin(id string) (done func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[id]; busy {
		return func() {}, false
	}
	c.inFlight[id] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.inFlight, id)
			c.mu.Unlock()
		})
	}, true
}

func (c *Cache) Busy(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	return ok
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Items:     slices.Clone(e.items),
		Loading:   e.loading,
		Stale:     e.stale,
		Err:       e.err,
		FetchedAt: e.fetchedAt,
	}
}
