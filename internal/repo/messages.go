package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

// ErrDuplicateKey is returned by Create when the (channel, owner,
// idempotency key) triple already exists.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

type MessageRepository interface {
	Create(ctx context.Context, m model.ScheduledMessage, files []StoredFile) error
	FindByIdempotencyKey(ctx context.Context, ch model.Channel, owner, key string) (model.ScheduledMessage, error)
	Get(ctx context.Context, ch model.Channel, id string) (model.ScheduledMessage, error)
	List(ctx context.Context, ch model.Channel, f model.Filter) ([]model.ScheduledMessage, error)

	// Update, Delete and RequestSendNow only touch pending messages that are
	// not claimed for delivery. Otherwise they return model.ErrNotFound or a
	// *model.IllegalStateError.
	Update(ctx context.Context, ch model.Channel, id string, p model.Patch, files []StoredFile, now time.Time) (model.ScheduledMessage, error)
	Delete(ctx context.Context, ch model.Channel, id string) error
	RequestSendNow(ctx context.Context, ch model.Channel, id, by string, at time.Time) error

	// ClaimDue marks up to limit unclaimed pending messages that are due at
	// now, or have a send-now request, as in flight. A claimed message is
	// never handed out again.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error)
	// ExpireClaims fails pending messages claimed before staleBefore. Their
	// delivery outcome is unknown, so they are not retried.
	ExpireClaims(ctx context.Context, staleBefore, at time.Time, reason string) ([]ExpiredClaim, error)
	// Release drops the claim of a message that was never handed to a
	// provider.
	Release(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id, remoteID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error

	Files(ctx context.Context, messageID string) ([]StoredFile, error)
}

type ExpiredClaim struct {
	ID      string        `db:"id"`
	Channel model.Channel `db:"channel"`
}

// StoredFile is an attachment with its content.
type StoredFile struct {
	model.Attachment
	Content []byte
}

const messageColumns = `id, channel, subject, body, recipients, scheduled_at, status, created_by,
	idempotency_key, send_now_requested_at, send_now_requested_by, claimed_at,
	sent_at, remote_id, last_error, created_at, updated_at`

type messageRow struct {
	ID                 string     `db:"id"`
	Channel            string     `db:"channel"`
	Subject            string     `db:"subject"`
	Body               string     `db:"body"`
	Recipients         []byte     `db:"recipients"`
	ScheduledAt        time.Time  `db:"scheduled_at"`
	Status             string     `db:"status"`
	CreatedBy          string     `db:"created_by"`
	IdempotencyKey     *string    `db:"idempotency_key"`
	SendNowRequestedAt *time.Time `db:"send_now_requested_at"`
	SendNowRequestedBy *string    `db:"send_now_requested_by"`
	ClaimedAt          *time.Time `db:"claimed_at"`
	SentAt             *time.Time `db:"sent_at"`
	RemoteID           string     `db:"remote_id"`
	LastError          string     `db:"last_error"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func (r messageRow) toModel() (model.ScheduledMessage, error) {
	m := model.ScheduledMessage{
		ID:                 r.ID,
		Channel:            model.Channel(r.Channel),
		Subject:            r.Subject,
		Body:               r.Body,
		ScheduledAt:        r.ScheduledAt.UTC(),
		Status:             model.Status(r.Status),
		CreatedBy:          r.CreatedBy,
		SentAt:             utcPtr(r.SentAt),
		SendNowRequestedAt: utcPtr(r.SendNowRequestedAt),
		RemoteID:           r.RemoteID,
		LastError:          r.LastError,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
		Attachments:        []model.Attachment{},
	}
	if r.IdempotencyKey != nil {
		m.IdempotencyKey = *r.IdempotencyKey
	}
	if r.SendNowRequestedBy != nil {
		m.SendNowRequestedBy = *r.SendNowRequestedBy
	}
	if err := json.Unmarshal(r.Recipients, &m.Recipients); err != nil {
		return model.ScheduledMessage{}, err
	}
	return m, nil
}

type attachmentRow struct {
	ID        string `db:"id"`
	MessageID string `db:"message_id"`
	Name      string `db:"name"`
	MimeType  string `db:"mime_type"`
	Size      int64  `db:"size"`
}

func toModels(rows []messageRow, atts []attachmentRow) ([]model.ScheduledMessage, error) {
	byMsg := make(map[string][]model.Attachment, len(rows))
	for _, a := range atts {
		byMsg[a.MessageID] = append(byMsg[a.MessageID], model.Attachment{
			ID: a.ID, Name: a.Name, MimeType: a.MimeType, Size: a.Size,
		})
	}

	out := make([]model.ScheduledMessage, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		if as, ok := byMsg[m.ID]; ok {
			m.Attachments = as
		}
		out = append(out, m)
	}
	return out, nil
}

func rowIDs(rows []messageRow) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// paginate applies the free-text query and the window in memory so that
// both stores match exactly like model.Filter.Matches.
func paginate(ms []model.ScheduledMessage, f model.Filter) []model.ScheduledMessage {
	out := make([]model.ScheduledMessage, 0, len(ms))
	for _, m := range ms {
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	if f.Offset >= len(out) {
		return []model.ScheduledMessage{}
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// conflict builds the error for a conditional write that matched no row.
func conflict(id string, status model.Status, claimed bool, action string) error {
	if status == model.Pending && claimed {
		action += " during delivery"
	}
	return &model.IllegalStateError{ID: id, Status: status, Action: action}
}
