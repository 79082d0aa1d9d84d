package service

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/scheduled-dispatch/internal/cache"
	"github.com/LeventeLantos/scheduled-dispatch/internal/client"
	"github.com/LeventeLantos/scheduled-dispatch/internal/lifecycle"
	"github.com/LeventeLantos/scheduled-dispatch/internal/logging"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/repo"
)

// Deliverer hands one message to the outside world and returns its remote id.
type Deliverer interface {
	Deliver(ctx context.Context, d client.Delivery) (remoteID string, err error)
}

// Dispatcher moves due messages out of pending. Each claimed message ends up
// sent or failed; a message handed to a provider is never handed over again.
type Dispatcher struct {
	repo         repo.MessageRepository
	deliverer    Deliverer
	cache        cache.MessageCache
	events       Publisher
	contentMax   int
	batchSize    int
	staleAfter   time.Duration
	markAttempts int
	markBackoff  time.Duration
	now          func() time.Time
	log          *logging.Logger
}

type DispatcherOption func(*Dispatcher)

func WithDispatchCache(c cache.MessageCache) DispatcherOption {
	return func(d *Dispatcher) { d.cache = c }
}

func WithDispatchPublisher(p Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.events = p }
}

func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func WithDispatchLogger(l *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// WithStaleAfter sets how long a claim may stay unresolved before the
// message is failed with an unknown delivery outcome.
func WithStaleAfter(dur time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.staleAfter = dur }
}

// WithMarkRetry sets how often recording a successful delivery is attempted.
func WithMarkRetry(attempts int, backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.markAttempts = attempts
		d.markBackoff = backoff
	}
}

func NewDispatcher(r repo.MessageRepository, deliverer Deliverer, contentMax, batchSize int, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		repo:         r,
		deliverer:    deliverer,
		cache:        cache.Noop{},
		events:       nopPublisher{},
		contentMax:   contentMax,
		batchSize:    batchSize,
		staleAfter:   5 * time.Minute,
		markAttempts: 3,
		markBackoff:  200 * time.Millisecond,
		now:          time.Now,
		log:          logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.markAttempts < 1 {
		d.markAttempts = 1
	}
	return d
}

// Tick is the scheduler callback.
func (d *Dispatcher) Tick(ctx context.Context) {
	sent, failed, err := d.ProcessDue(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch failed")
		return
	}
	if sent+failed > 0 {
		d.log.Info().Int("sent", sent).Int("failed", failed).Msg("dispatch batch processed")
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeReleased
)

// ExpiredClaimReason is recorded on messages whose claim outlived the stale
// window. Whether the provider got them is unknown.
const ExpiredClaimReason = "delivery outcome unknown: claim expired"

// ProcessDue fails expired claims, then claims one batch of due messages and
// resolves each of them. Messages left untouched because ctx ended are
// released and counted in neither total.
func (d *Dispatcher) ProcessDue(ctx context.Context) (sent int, failed int, err error) {
	now := d.now().UTC()
	touched := map[model.Channel]bool{}
	defer func() {
		for ch := range touched {
			if err := d.cache.Invalidate(context.WithoutCancel(ctx), ch); err != nil {
				d.log.Warn().Err(err).Str("channel", string(ch)).Msg("list cache invalidation failed")
			}
		}
	}()

	expired, err := d.repo.ExpireClaims(ctx, now.Add(-d.staleAfter), now, ExpiredClaimReason)
	if err != nil {
		return 0, 0, fmt.Errorf("expire stale claims: %w", err)
	}
	for _, e := range expired {
		touched[e.Channel] = true
		failed++
		d.events.Publish(model.StatusEvent{ID: e.ID, Channel: e.Channel, Status: model.Failed, Reason: ExpiredClaimReason})
		d.log.Warn().Str("id", e.ID).Str("channel", string(e.Channel)).Msg("stale claim failed")
	}

	msgs, err := d.repo.ClaimDue(ctx, now, d.batchSize)
	if err != nil {
		return 0, failed, fmt.Errorf("claim due messages: %w", err)
	}

	for _, m := range msgs {
		touched[m.Channel] = true
		switch d.process(ctx, m) {
		case outcomeSent:
			sent++
		case outcomeFailed:
			failed++
		}
	}
	return sent, failed, nil
}

func (d *Dispatcher) process(ctx context.Context, m model.ScheduledMessage) outcome {
	if ctx.Err() != nil {
		return d.release(ctx, m)
	}
	if m.Channel == model.SMS && utf8.RuneCountInString(m.Body) > d.contentMax {
		d.fail(ctx, m, fmt.Sprintf("content exceeds %d chars", d.contentMax))
		return outcomeFailed
	}

	files, err := d.repo.Files(ctx, m.ID)
	if err != nil {
		if ctx.Err() != nil {
			return d.release(ctx, m)
		}
		d.fail(ctx, m, "loading attachments: "+err.Error())
		return outcomeFailed
	}

	remoteID, err := d.deliverer.Deliver(ctx, delivery(m, files))
	if err != nil {
		d.fail(ctx, m, err.Error())
		return outcomeFailed
	}

	sentAt := d.now().UTC()
	next, err := lifecycle.Next(m.Status, lifecycle.DeliverySucceeded)
	if err != nil {
		d.log.Error().Err(err).Str("id", m.ID).Msg("unexpected state after delivery")
		return outcomeFailed
	}
	if err := d.markSent(context.WithoutCancel(ctx), m.ID, remoteID, sentAt); err != nil {
		// The claim stays; it expires as failed and is not delivered again.
		d.log.Error().Err(err).Str("id", m.ID).Str("remote_id", remoteID).Msg("marking message sent failed")
		return outcomeFailed
	}
	if err := d.cache.StoreSent(context.WithoutCancel(ctx), m.ID, remoteID, sentAt); err != nil {
		d.log.Warn().Err(err).Str("id", m.ID).Msg("storing delivery receipt failed")
	}

	d.events.Publish(model.StatusEvent{ID: m.ID, Channel: m.Channel, Status: next, SentAt: &sentAt})
	d.log.Info().Str("id", m.ID).Str("channel", string(m.Channel)).Str("remote_id", remoteID).Msg("message sent")
	return outcomeSent
}

func (d *Dispatcher) markSent(ctx context.Context, id, remoteID string, sentAt time.Time) error {
	var err error
	for attempt := 1; attempt <= d.markAttempts; attempt++ {
		if err = d.repo.MarkSent(ctx, id, remoteID, sentAt); err == nil {
			return nil
		}
		d.log.Warn().Err(err).Str("id", id).Int("attempt", attempt).Msg("marking message sent")
		if attempt < d.markAttempts {
			time.Sleep(d.markBackoff * time.Duration(attempt))
		}
	}
	return err
}

func (d *Dispatcher) release(ctx context.Context, m model.ScheduledMessage) outcome {
	if err := d.repo.Release(context.WithoutCancel(ctx), m.ID); err != nil {
		d.log.Error().Err(err).Str("id", m.ID).Msg("releasing claim failed")
	}
	return outcomeReleased
}

func (d *Dispatcher) fail(ctx context.Context, m model.ScheduledMessage, reason string) {
	next, err := lifecycle.Next(m.Status, lifecycle.DeliveryFailed)
	if err != nil {
		d.log.Error().Err(err).Str("id", m.ID).Msg("unexpected state after failed delivery")
		return
	}
	if err := d.repo.MarkFailed(context.WithoutCancel(ctx), m.ID, reason, d.now().UTC()); err != nil {
		d.log.Error().Err(err).Str("id", m.ID).Msg("recording delivery failure failed")
		return
	}

	d.events.Publish(model.StatusEvent{ID: m.ID, Channel: m.Channel, Status: next, Reason: reason})
	d.log.Warn().Str("id", m.ID).Str("channel", string(m.Channel)).Str("reason", reason).Msg("message failed")
}

func delivery(m model.ScheduledMessage, files []repo.StoredFile) client.Delivery {
	d := client.Delivery{
		ID:          m.ID,
		Channel:     m.Channel,
		Subject:     m.Subject,
		Body:        m.Body,
		Recipients:  m.Recipients,
		Attachments: make([]client.File, 0, len(files)),
	}
	for _, f := range files {
		d.Attachments = append(d.Attachments, client.File{Name: f.Name, MimeType: f.MimeType, Content: f.Content})
	}
	return d
}
