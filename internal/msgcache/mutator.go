package msgcache

import (
	"context"
	"fmt"

	"github.com/LeventeLantos/scheduled-dispatch/internal/gateway"
	"github.com/LeventeLantos/scheduled-dispatch/internal/lifecycle"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

// ErrBusy is returned when a mutation of the same message is already in
// flight.
var ErrBusy = fmt.Errorf("%w: request already in flight", model.ErrIllegalState)

// Mutator routes mutations through a channel gateway and keeps the cache in
// line with the outcome. Every successful call invalidates the channel.
type Mutator struct {
	gw    gateway.Gateway
	cache *Cache
}

func NewMutator(gw gateway.Gateway, cache *Cache) *Mutator {
	return &Mutator{gw: gw, cache: cache}
}

// Fetcher adapts a set of gateways to a FetchFunc.
func Fetcher(gws ...gateway.Gateway) FetchFunc {
	byChannel := make(map[model.Channel]gateway.Gateway, len(gws))
	for _, g := range gws {
		byChannel[g.Channel()] = g
	}
	return func(ctx context.Context, ch model.Channel, f model.Filter) ([]model.ScheduledMessage, error) {
		g, ok := byChannel[ch]
		if !ok {
			return nil, fmt.Errorf("no gateway for channel %s", ch)
		}
		return g.List(ctx, f)
	}
}

func (m *Mutator) Create(ctx context.Context, req model.CreateRequest) (model.ScheduledMessage, error) {
	key := "create:" + req.IdempotencyKey
	done, ok := m.cache.Begin(key)
	if !ok {
		return model.ScheduledMessage{}, ErrBusy
	}
	defer done()

	msg, err := m.gw.Create(ctx, req)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	m.cache.Insert(msg)
	m.cache.Invalidate(m.gw.Channel())
	return msg, nil
}

// Patch checks the cached status first so a terminal message is rejected
// without a round trip. The backend remains the authority.
func (m *Mutator) Patch(ctx context.Context, cur model.ScheduledMessage, p model.Patch) (model.ScheduledMessage, error) {
	if err := lifecycle.CheckMessage(cur.ID, cur.Status, lifecycle.Edit); err != nil {
		return model.ScheduledMessage{}, err
	}
	done, ok := m.cache.Begin(cur.ID)
	if !ok {
		return model.ScheduledMessage{}, ErrBusy
	}
	defer done()

	updated, err := m.gw.Patch(ctx, cur.ID, p)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	m.cache.Optimistic(m.gw.Channel(), cur.ID, func(dst *model.ScheduledMessage) { *dst = updated })
	m.cache.Invalidate(m.gw.Channel())
	return updated, nil
}

func (m *Mutator) Delete(ctx context.Context, cur model.ScheduledMessage) error {
	if err := lifecycle.CheckMessage(cur.ID, cur.Status, lifecycle.Delete); err != nil {
		return err
	}
	done, ok := m.cache.Begin(cur.ID)
	if !ok {
		return ErrBusy
	}
	defer done()

	if err := m.gw.Delete(ctx, cur.ID); err != nil {
		return err
	}
	m.cache.Remove(m.gw.Channel(), cur.ID)
	m.cache.Invalidate(m.gw.Channel())
	return nil
}

// SendNow does not change the cached status: the outcome is only known once
// the backend reports it.
func (m *Mutator) SendNow(ctx context.Context, cur model.ScheduledMessage) error {
	if err := lifecycle.CheckMessage(cur.ID, cur.Status, lifecycle.SendNow); err != nil {
		return err
	}
	done, ok := m.cache.Begin(cur.ID)
	if !ok {
		return ErrBusy
	}
	defer done()

	if err := m.gw.SendNow(ctx, cur.ID); err != nil {
		return err
	}
	m.cache.Invalidate(m.gw.Channel())
	return nil
}

// Follow applies status events from the gateway's subscription until ctx is
// done or the stream ends. onEvent, when set, sees each applied event.
func (m *Mutator) Follow(ctx context.Context, onEvent func(model.StatusEvent)) error {
	events, err := m.gw.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		m.cache.Apply(ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}
	// The stream may have missed changes; make the next read authoritative.
	m.cache.Invalidate(m.gw.Channel())
	return ctx.Err()
}
