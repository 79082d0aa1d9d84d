package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/scheduled-dispatch/internal/attachment"
	"github.com/LeventeLantos/scheduled-dispatch/internal/cache"
	"github.com/LeventeLantos/scheduled-dispatch/internal/lifecycle"
	"github.com/LeventeLantos/scheduled-dispatch/internal/logging"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/recipient"
	"github.com/LeventeLantos/scheduled-dispatch/internal/repo"
	"github.com/LeventeLantos/scheduled-dispatch/internal/schedule"
)

// Publisher receives status changes for subscribers.
type Publisher interface {
	Publish(ev model.StatusEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.StatusEvent) {}

// MessageService enforces the message invariants on the backend. Handlers
// call it with the authenticated subject as owner.
type MessageService struct {
	repo        repo.MessageRepository
	cache       cache.MessageCache
	events      Publisher
	lead        schedule.LeadTimes
	countryCode string
	trigger     func() bool
	now         func() time.Time
	log         *logging.Logger
}

type Option func(*MessageService)

func WithCache(c cache.MessageCache) Option {
	return func(s *MessageService) { s.cache = c }
}

func WithPublisher(p Publisher) Option {
	return func(s *MessageService) { s.events = p }
}

func WithLeadTimes(lt schedule.LeadTimes) Option {
	return func(s *MessageService) { s.lead = lt }
}

func WithCountryCode(cc string) Option {
	return func(s *MessageService) { s.countryCode = cc }
}

func WithClock(now func() time.Time) Option {
	return func(s *MessageService) { s.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *MessageService) { s.log = l }
}

func NewMessageService(r repo.MessageRepository, opts ...Option) *MessageService {
	s := &MessageService{
		repo:    r,
		cache:   cache.Noop{},
		events:  nopPublisher{},
		lead:    schedule.DefaultLeadTimes(),
		trigger: func() bool { return false },
		now:     time.Now,
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTrigger wires the wake-up used after a send-now request. The scheduler
// is built after the service, hence not an Option.
func (s *MessageService) SetTrigger(fn func() bool) {
	if fn != nil {
		s.trigger = fn
	}
}

// Create stores a new pending message. created is false when the request
// replays an idempotency key the owner already used on this channel; the
// original message is returned in that case.
func (s *MessageService) Create(ctx context.Context, owner string, req model.CreateRequest) (m model.ScheduledMessage, created bool, err error) {
	if err := req.Validate(); err != nil {
		return model.ScheduledMessage{}, false, err
	}

	if req.IdempotencyKey != "" {
		prev, err := s.repo.FindByIdempotencyKey(ctx, req.Channel, owner, req.IdempotencyKey)
		switch {
		case err == nil:
			return prev, false, nil
		case !errors.Is(err, model.ErrNotFound):
			return model.ScheduledMessage{}, false, err
		}
	}

	now := s.now().UTC()
	if err := checkSchedule(req.ScheduledAt, s.lead.Lead(req.Channel, schedule.OpCreate), now); err != nil {
		return model.ScheduledMessage{}, false, err
	}

	files := storedFiles(req.Attachments)
	m = model.ScheduledMessage{
		ID:             uuid.NewString(),
		Channel:        req.Channel,
		Subject:        req.Subject,
		Body:           req.Body,
		Recipients:     s.normalize(req.Channel, req.Recipients),
		Attachments:    attachmentsOf(files),
		ScheduledAt:    req.ScheduledAt.UTC(),
		Status:         lifecycle.Initial,
		CreatedBy:      owner,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Create(ctx, m, files); err != nil {
		if errors.Is(err, repo.ErrDuplicateKey) {
			prev, ferr := s.repo.FindByIdempotencyKey(ctx, req.Channel, owner, req.IdempotencyKey)
			if ferr != nil {
				return model.ScheduledMessage{}, false, ferr
			}
			return prev, false, nil
		}
		return model.ScheduledMessage{}, false, fmt.Errorf("create message: %w", err)
	}

	s.invalidate(ctx, m.Channel)
	s.log.Info().Str("id", m.ID).Str("channel", string(m.Channel)).Str("owner", owner).
		Time("scheduled_at", m.ScheduledAt).Msg("message scheduled")
	return m, true, nil
}

// List serves from the cache when possible. The generation is read before
// the store so that a write landing mid-read makes the stored entry dead.
func (s *MessageService) List(ctx context.Context, ch model.Channel, f model.Filter) ([]model.ScheduledMessage, error) {
	gen, err := s.cache.Generation(ctx, ch)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", string(ch)).Msg("list cache read failed")
		return s.listFromStore(ctx, ch, f)
	}

	if ms, ok, err := s.cache.GetList(ctx, ch, gen, f); err != nil {
		s.log.Warn().Err(err).Str("channel", string(ch)).Msg("list cache read failed")
	} else if ok {
		return ms, nil
	}

	ms, err := s.listFromStore(ctx, ch, f)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetList(ctx, ch, gen, f, ms); err != nil {
		s.log.Warn().Err(err).Str("channel", string(ch)).Msg("list cache write failed")
	}
	return ms, nil
}

func (s *MessageService) listFromStore(ctx context.Context, ch model.Channel, f model.Filter) ([]model.ScheduledMessage, error) {
	ms, err := s.repo.List(ctx, ch, f)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return ms, nil
}

func (s *MessageService) Get(ctx context.Context, ch model.Channel, id string) (model.ScheduledMessage, error) {
	return s.repo.Get(ctx, ch, id)
}

// Patch applies p to a pending message. Concurrent patches are last write
// wins.
func (s *MessageService) Patch(ctx context.Context, ch model.Channel, id string, p model.Patch) (model.ScheduledMessage, error) {
	if err := p.Validate(ch); err != nil {
		return model.ScheduledMessage{}, err
	}

	cur, err := s.repo.Get(ctx, ch, id)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	action := lifecycle.Edit
	if len(p.RemoveAttachments) > 0 && p.Subject == nil && p.Body == nil && p.ScheduledAt == nil && len(p.AddAttachments) == 0 {
		action = lifecycle.RemoveAttachment
	}
	if err := lifecycle.CheckMessage(id, cur.Status, action); err != nil {
		return model.ScheduledMessage{}, err
	}

	if err := knownAttachments(cur, p.RemoveAttachments); err != nil {
		return model.ScheduledMessage{}, err
	}

	now := s.now().UTC()
	if p.ScheduledAt != nil {
		if err := checkSchedule(*p.ScheduledAt, s.lead.Lead(ch, schedule.OpEdit), now); err != nil {
			return model.ScheduledMessage{}, err
		}
	}

	updated, err := s.repo.Update(ctx, ch, id, p, storedFiles(p.AddAttachments), now)
	if err != nil {
		return model.ScheduledMessage{}, err
	}

	s.invalidate(ctx, ch)
	s.log.Info().Str("id", id).Str("channel", string(ch)).Msg("message updated")
	return updated, nil
}

func (s *MessageService) Delete(ctx context.Context, ch model.Channel, id string) error {
	if err := s.repo.Delete(ctx, ch, id); err != nil {
		return err
	}

	s.invalidate(ctx, ch)
	s.events.Publish(model.StatusEvent{ID: id, Channel: ch, Status: model.Pending, Deleted: true})
	s.log.Info().Str("id", id).Str("channel", string(ch)).Msg("message deleted")
	return nil
}

// SendNow records the request and wakes the dispatcher. The message leaves
// pending only once the dispatcher hands it off.
func (s *MessageService) SendNow(ctx context.Context, ch model.Channel, id, by string) error {
	if err := s.repo.RequestSendNow(ctx, ch, id, by, s.now().UTC()); err != nil {
		return err
	}

	s.invalidate(ctx, ch)
	woken := s.trigger()
	s.log.Info().Str("id", id).Str("channel", string(ch)).Str("by", by).Bool("woken", woken).Msg("send now requested")
	return nil
}

func (s *MessageService) invalidate(ctx context.Context, ch model.Channel) {
	if err := s.cache.Invalidate(ctx, ch); err != nil {
		s.log.Warn().Err(err).Str("channel", string(ch)).Msg("list cache invalidation failed")
	}
}

// normalize drops repeated contact ids, keeping the first, and rewrites
// addresses that can be normalized. Unparseable addresses stay verbatim, as
// the client-side resolver does.
func (s *MessageService) normalize(ch model.Channel, rs []model.Recipient) []model.Recipient {
	out := make([]model.Recipient, 0, len(rs))
	seen := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		if r.ContactID != "" {
			if _, dup := seen[r.ContactID]; dup {
				continue
			}
			seen[r.ContactID] = struct{}{}
		}
		switch ch {
		case model.Mail:
			if a, ok := recipient.NormalizeMail(r.Address); ok {
				r.Address = a
			}
		case model.SMS:
			if a, ok := recipient.NormalizePhone(r.Address, s.countryCode); ok {
				r.Address = a
			}
		}
		out = append(out, r)
	}
	return out
}

// checkSchedule reports schedule violations as a field error so they reach
// the caller as a 422.
func checkSchedule(t time.Time, lead time.Duration, now time.Time) error {
	if err := schedule.ValidateInstant(t, lead, now); err != nil {
		return &model.ValidationError{Fields: []model.FieldError{{
			Field:  "scheduledAt",
			Reason: string(schedule.ReasonOf(err)) + ": " + err.Error(),
		}}}
	}
	return nil
}

func knownAttachments(m model.ScheduledMessage, ids []string) error {
	var fields []model.FieldError
	for i, id := range ids {
		found := false
		for _, a := range m.Attachments {
			if a.ID == id {
				found = true
				break
			}
		}
		if !found {
			fields = append(fields, model.FieldError{
				Field:  fmt.Sprintf("removeAttachments[%d]", i),
				Reason: fmt.Sprintf("unknown attachment %q", id),
			})
		}
	}
	if len(fields) > 0 {
		return &model.ValidationError{Fields: fields}
	}
	return nil
}

func storedFiles(as []model.NewAttachment) []repo.StoredFile {
	out := make([]repo.StoredFile, 0, len(as))
	for _, a := range as {
		mt := a.MimeType
		if mt == "" {
			mt = attachment.DetectMimeType(a.Name, a.Content)
		}
		out = append(out, repo.StoredFile{
			Attachment: model.Attachment{
				ID:       uuid.NewString(),
				Name:     a.Name,
				MimeType: mt,
				Size:     int64(len(a.Content)),
			},
			Content: a.Content,
		})
	}
	return out
}

func attachmentsOf(files []repo.StoredFile) []model.Attachment {
	out := make([]model.Attachment, len(files))
	for i, f := range files {
		out[i] = f.Attachment
	}
	return out
}
