package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

var base = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

func openTestRepo(t *testing.T) *SQLiteMessageRepo {
	t.Helper()
	r, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newMessage(id string, ch model.Channel, at time.Time) model.ScheduledMessage {
	m := model.ScheduledMessage{
		ID:          id,
		Channel:     ch,
		Body:        "body " + id,
		Recipients:  []model.Recipient{{ContactID: "x", DisplayName: "Client X", Address: "+36301112222"}},
		ScheduledAt: at,
		Status:      model.Pending,
		CreatedBy:   "alice",
		CreatedAt:   base,
	}
	if ch == model.Mail {
		m.Subject = "subject " + id
	}
	return m
}

func mustCreate(t *testing.T, r *SQLiteMessageRepo, m model.ScheduledMessage, files ...StoredFile) {
	t.Helper()
	if err := r.Create(context.Background(), m, files); err != nil {
		t.Fatalf("Create(%s) error: %v", m.ID, err)
	}
}

func TestSQLite_CreateGetRoundTrip(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	m := newMessage("m1", model.Mail, base.Add(time.Hour))
	m.IdempotencyKey = "k1"
	mustCreate(t, r, m, StoredFile{
		Attachment: model.Attachment{ID: "a1", Name: "invoice.pdf", MimeType: "application/pdf", Size: 3},
		Content:    []byte("pdf"),
	})

	got, err := r.Get(ctx, model.Mail, "m1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Subject != m.Subject || got.Body != m.Body || got.Status != model.Pending {
		t.Fatalf("unexpected message: %+v", got)
	}
	if !got.ScheduledAt.Equal(m.ScheduledAt) {
		t.Fatalf("expected scheduledAt %v, got %v", m.ScheduledAt, got.ScheduledAt)
	}
	if len(got.Recipients) != 1 || got.Recipients[0].Address != "+36301112222" {
		t.Fatalf("unexpected recipients: %+v", got.Recipients)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].ID != "a1" || got.Attachments[0].Size != 3 {
		t.Fatalf("unexpected attachments: %+v", got.Attachments)
	}
	if got.IdempotencyKey != "k1" {
		t.Fatalf("unexpected idempotency key: %q", got.IdempotencyKey)
	}

	files, err := r.Files(ctx, "m1")
	if err != nil {
		t.Fatalf("Files() error: %v", err)
	}
	if len(files) != 1 || string(files[0].Content) != "pdf" {
		t.Fatalf("unexpected files: %+v", files)
	}

	if _, err := r.Get(ctx, model.SMS, "m1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across channels, got %v", err)
	}
}

func TestSQLite_IdempotencyKeyIsUniquePerOwnerAndChannel(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	m := newMessage("m1", model.SMS, base.Add(time.Hour))
	m.IdempotencyKey = "k1"
	mustCreate(t, r, m)

	dup := newMessage("m2", model.SMS, base.Add(time.Hour))
	dup.IdempotencyKey = "k1"
	if err := r.Create(ctx, dup, nil); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	other := newMessage("m3", model.SMS, base.Add(time.Hour))
	other.IdempotencyKey = "k1"
	other.CreatedBy = "bob"
	mustCreate(t, r, other)

	// Messages without a key never collide.
	mustCreate(t, r, newMessage("m4", model.SMS, base))
	mustCreate(t, r, newMessage("m5", model.SMS, base))

	got, err := r.FindByIdempotencyKey(ctx, model.SMS, "alice", "k1")
	if err != nil {
		t.Fatalf("FindByIdempotencyKey() error: %v", err)
	}
	if got.ID != "m1" {
		t.Fatalf("expected original m1, got %s", got.ID)
	}
}

func TestSQLite_ListFilters(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	mustCreate(t, r, newMessage("a", model.SMS, base.Add(1*time.Hour)))
	mustCreate(t, r, newMessage("b", model.SMS, base.Add(2*time.Hour)))
	mustCreate(t, r, newMessage("c", model.SMS, base.Add(3*time.Hour)))
	mustCreate(t, r, newMessage("d", model.Chat, base.Add(1*time.Hour)))
	if err := r.MarkSent(ctx, "b", "remote-b", base); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}

	ids := func(ms []model.ScheduledMessage) []string {
		out := []string{}
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}
	from := base.Add(2 * time.Hour)
	to := base.Add(3 * time.Hour)

	cases := []struct {
		name string
		f    model.Filter
		want []string
	}{
		{"all, newest first", model.Filter{}, []string{"c", "b", "a"}},
		{"pending only", model.Filter{Statuses: []model.Status{model.Pending}}, []string{"c", "a"}},
		{"from inclusive, to exclusive", model.Filter{From: &from, To: &to}, []string{"b"}},
		{"window", model.Filter{Limit: 1, Offset: 1}, []string{"b"}},
		{"offset only", model.Filter{Offset: 2}, []string{"a"}},
		{"query folds case", model.Filter{Query: "BODY C"}, []string{"c"}},
		{"query with window", model.Filter{Query: "client x", Limit: 2}, []string{"c", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.List(ctx, model.SMS, tc.f)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if g := ids(got); len(g) != len(tc.want) || (len(g) > 0 && !equal(g, tc.want)) {
				t.Fatalf("expected %v, got %v", tc.want, g)
			}
		})
	}

	empty, err := r.List(ctx, model.Mail, model.Filter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", empty)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSQLite_UpdatePending(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	mustCreate(t, r, newMessage("m1", model.Mail, base.Add(time.Hour)),
		StoredFile{Attachment: model.Attachment{ID: "a1", Name: "a.pdf", MimeType: "application/pdf", Size: 1}, Content: []byte("a")},
		StoredFile{Attachment: model.Attachment{ID: "a2", Name: "b.pdf", MimeType: "application/pdf", Size: 1}, Content: []byte("b")},
	)

	body := "new body"
	at := base.Add(2 * time.Hour)
	got, err := r.Update(ctx, model.Mail, "m1", model.Patch{
		Body:              &body,
		ScheduledAt:       &at,
		RemoveAttachments: []string{"a1"},
	}, []StoredFile{
		{Attachment: model.Attachment{ID: "a3", Name: "c.txt", MimeType: "text/plain", Size: 1}, Content: []byte("c")},
	}, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if got.Body != "new body" || got.Subject != "subject m1" {
		t.Fatalf("unexpected fields after update: %+v", got)
	}
	if !got.ScheduledAt.Equal(at) {
		t.Fatalf("expected scheduledAt %v, got %v", at, got.ScheduledAt)
	}
	if len(got.Attachments) != 2 || got.Attachments[0].ID != "a2" || got.Attachments[1].ID != "a3" {
		t.Fatalf("unexpected attachments: %+v", got.Attachments)
	}
	if !got.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected updatedAt to move, got %v", got.UpdatedAt)
	}
}

func TestSQLite_TerminalMessagesRejectMutations(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	mustCreate(t, r, newMessage("m1", model.SMS, base))
	if err := r.MarkFailed(ctx, "m1", "rejected", base); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}

	body := "x"
	_, err := r.Update(ctx, model.SMS, "m1", model.Patch{Body: &body}, nil, base)
	var ise *model.IllegalStateError
	if !errors.As(err, &ise) || ise.Status != model.Failed {
		t.Fatalf("expected IllegalStateError with status failed, got %v", err)
	}
	if err := r.Delete(ctx, model.SMS, "m1"); !errors.Is(err, model.ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState on delete, got %v", err)
	}
	if err := r.RequestSendNow(ctx, model.SMS, "m1", "alice", base); !errors.Is(err, model.ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState on send now, got %v", err)
	}

	// A terminal status is never left.
	if err := r.MarkSent(ctx, "m1", "r", base); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}
	got, _ := r.Get(ctx, model.SMS, "m1")
	if got.Status != model.Failed || got.LastError != "rejected" {
		t.Fatalf("expected failed to stick, got %+v", got)
	}

	if err := r.Delete(ctx, model.SMS, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_DeleteCascadesAttachments(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	mustCreate(t, r, newMessage("m1", model.Chat, base),
		StoredFile{Attachment: model.Attachment{ID: "a1", Name: "a.txt", Size: 1}, Content: []byte("a")})

	if err := r.Delete(ctx, model.Chat, "m1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := r.Get(ctx, model.Chat, "m1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	files, err := r.Files(ctx, "m1")
	if err != nil {
		t.Fatalf("Files() error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected attachments to be removed, got %d", len(files))
	}
}

func TestSQLite_ClaimDue(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	mustCreate(t, r, newMessage("due", model.SMS, base.Add(-time.Minute)))
	mustCreate(t, r, newMessage("later", model.SMS, base.Add(time.Hour)))
	mustCreate(t, r, newMessage("now", model.SMS, base.Add(2*time.Hour)))
	if err := r.RequestSendNow(ctx, model.SMS, "now", "alice", base.Add(-2*time.Minute)); err != nil {
		t.Fatalf("RequestSendNow() error: %v", err)
	}

	claimed, err := r.ClaimDue(ctx, base, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "now" || claimed[1].ID != "due" {
		t.Fatalf("expected [now due], got %+v", claimed)
	}
	if claimed[0].SendNowRequestedBy != "alice" {
		t.Fatalf("expected send-now audit, got %+v", claimed[0])
	}

	again, err := r.ClaimDue(ctx, base, 10)
	if err != nil {
		t.Fatalf("second ClaimDue() error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed messages must not be handed out twice, got %d", len(again))
	}

	body := "x"
	_, err = r.Update(ctx, model.SMS, "due", model.Patch{Body: &body}, nil, base)
	if !errors.Is(err, model.ErrIllegalState) {
		t.Fatalf("expected edit during delivery to be rejected, got %v", err)
	}

	// Old claims are never handed out again, however late the tick.
	later := base.Add(20 * time.Minute)
	stale, err := r.ClaimDue(ctx, later, 10)
	if err != nil {
		t.Fatalf("late ClaimDue() error: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected claimed messages to stay out of later batches, got %d", len(stale))
	}

	if err := r.Release(ctx, "due"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if _, err := r.Update(ctx, model.SMS, "due", model.Patch{Body: &body}, nil, base); err != nil {
		t.Fatalf("expected edit after release, got %v", err)
	}

	if _, err := r.ClaimDue(ctx, base, 0); err == nil {
		t.Fatalf("expected error for limit 0")
	}
}

func TestSQLite_ExpireClaims(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	mustCreate(t, r, newMessage("old", model.SMS, base.Add(-time.Hour)))
	mustCreate(t, r, newMessage("mail", model.Mail, base.Add(-time.Hour)))
	mustCreate(t, r, newMessage("fresh", model.SMS, base.Add(5*time.Minute)))
	mustCreate(t, r, newMessage("idle", model.SMS, base.Add(time.Hour)))

	if _, err := r.ClaimDue(ctx, base, 10); err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if _, err := r.ClaimDue(ctx, base.Add(5*time.Minute), 10); err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}

	at := base.Add(7 * time.Minute)
	expired, err := r.ExpireClaims(ctx, base.Add(time.Minute), at, "outcome unknown")
	if err != nil {
		t.Fatalf("ExpireClaims() error: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired claims, got %+v", expired)
	}
	channels := map[string]model.Channel{}
	for _, e := range expired {
		channels[e.ID] = e.Channel
	}
	if channels["old"] != model.SMS || channels["mail"] != model.Mail {
		t.Fatalf("unexpected expired claims: %+v", expired)
	}

	got, err := r.Get(ctx, model.SMS, "old")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != model.Failed || got.LastError != "outcome unknown" || !got.UpdatedAt.Equal(at) {
		t.Fatalf("expected expired claim to be failed, got %+v", got)
	}

	// The younger claim and the unclaimed message are untouched.
	for _, id := range []string{"fresh", "idle"} {
		m, err := r.Get(ctx, model.SMS, id)
		if err != nil || m.Status != model.Pending {
			t.Fatalf("expected %s to stay pending, got %+v err=%v", id, m, err)
		}
	}

	again, err := r.ExpireClaims(ctx, base.Add(time.Minute), at, "outcome unknown")
	if err != nil || len(again) != 0 {
		t.Fatalf("expected nothing left to expire, got %+v err=%v", again, err)
	}
}

func TestSQLite_AttachmentsKeepSubmissionOrder(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	mustCreate(t, r, newMessage("m1", model.Chat, base.Add(time.Hour)),
		StoredFile{Attachment: model.Attachment{ID: "z1", Name: "b.txt", Size: 1}, Content: []byte("b")},
		StoredFile{Attachment: model.Attachment{ID: "a9", Name: "a.txt", Size: 1}, Content: []byte("a")},
	)
	if _, err := r.Update(ctx, model.Chat, "m1", model.Patch{}, []StoredFile{
		{Attachment: model.Attachment{ID: "m5", Name: "0-first-alphabetically.txt", Size: 1}, Content: []byte("0")},
	}, base); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	want := []string{"z1", "a9", "m5"}
	got, err := r.Get(ctx, model.Chat, "m1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	files, err := r.Files(ctx, "m1")
	if err != nil {
		t.Fatalf("Files() error: %v", err)
	}
	if len(got.Attachments) != len(want) || len(files) != len(want) {
		t.Fatalf("expected %d attachments, got %d and %d files", len(want), len(got.Attachments), len(files))
	}
	for i, id := range want {
		if got.Attachments[i].ID != id || files[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s / %s", i, id, got.Attachments[i].ID, files[i].ID)
		}
	}
}

func TestSQLite_MarkSent(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	mustCreate(t, r, newMessage("m1", model.SMS, base))
	sentAt := base.Add(time.Second)
	if err := r.MarkSent(ctx, "m1", "remote-1", sentAt); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}

	got, err := r.Get(ctx, model.SMS, "m1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != model.Sent || got.RemoteID != "remote-1" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.SentAt == nil || !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected sentAt %v, got %v", sentAt, got.SentAt)
	}
}
