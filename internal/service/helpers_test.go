package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/scheduled-dispatch/internal/client"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/repo"
)

var t0 = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openRepo(t *testing.T) *repo.SQLiteMessageRepo {
	t.Helper()
	r, err := repo.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type recordedEvents struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (r *recordedEvents) Publish(ev model.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedEvents) All() []model.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.StatusEvent(nil), r.events...)
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []client.Delivery
	err       error
}

func (f *fakeDeliverer) Deliver(_ context.Context, d client.Delivery) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.delivered = append(f.delivered, d)
	return "remote-" + d.ID, nil
}

func (f *fakeDeliverer) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func smsRequest(at time.Time) model.CreateRequest {
	return model.CreateRequest{
		Channel:     model.SMS,
		Body:        "Hi",
		Recipients:  []model.Recipient{{ContactID: "x", DisplayName: "Client X", Address: "06 30 111 2222"}},
		ScheduledAt: at,
	}
}
