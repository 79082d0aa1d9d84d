package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS scheduled_messages (
	id                    TEXT PRIMARY KEY,
	channel               TEXT NOT NULL,
	subject               TEXT NOT NULL DEFAULT '',
	body                  TEXT NOT NULL,
	recipients            TEXT NOT NULL,
	scheduled_at          DATETIME NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	created_by            TEXT NOT NULL,
	idempotency_key       TEXT,
	send_now_requested_at DATETIME,
	send_now_requested_by TEXT,
	claimed_at            DATETIME,
	sent_at               DATETIME,
	remote_id             TEXT NOT NULL DEFAULT '',
	last_error            TEXT NOT NULL DEFAULT '',
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL,
	UNIQUE (channel, created_by, idempotency_key)
);
CREATE INDEX IF NOT EXISTS scheduled_messages_due_idx ON scheduled_messages (status, scheduled_at);
CREATE TABLE IF NOT EXISTS message_attachments (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES scheduled_messages (id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	mime_type  TEXT NOT NULL,
	size       INTEGER NOT NULL,
	position   INTEGER NOT NULL DEFAULT 0,
	content    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS message_attachments_message_idx ON message_attachments (message_id);
`

// SQLiteMessageRepo stores messages in a single SQLite file. Times are
// written in UTC so that textual comparison orders them.
type SQLiteMessageRepo struct {
	db *sqlx.DB
}

var _ MessageRepository = (*SQLiteMessageRepo)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteMessageRepo, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &SQLiteMessageRepo{db: db}, nil
}

func (r *SQLiteMessageRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteMessageRepo) Create(ctx context.Context, m model.ScheduledMessage, files []StoredFile) error {
	recipients, err := json.Marshal(m.Recipients)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduled_messages
			(id, channel, subject, body, recipients, scheduled_at, status, created_by,
			 idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Channel), m.Subject, m.Body, string(recipients), m.ScheduledAt.UTC(), string(m.Status),
		m.CreatedBy, nullable(m.IdempotencyKey), m.CreatedAt.UTC(), m.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}

	if err := insertFilesSQLite(ctx, tx, m.ID, files); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		(se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"))
}

// insertFilesSQLite appends files after the message's existing attachments,
// keeping submission order.
func insertFilesSQLite(ctx context.Context, tx *sqlx.Tx, messageID string, files []StoredFile) error {
	if len(files) == 0 {
		return nil
	}
	var next int
	if err := tx.GetContext(ctx, &next, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM message_attachments WHERE message_id = ?
	`, messageID); err != nil {
		return err
	}
	for i, f := range files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_attachments (id, message_id, name, mime_type, size, position, content)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, f.ID, messageID, f.Name, f.MimeType, f.Size, next+i, f.Content); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteMessageRepo) FindByIdempotencyKey(ctx context.Context, ch model.Channel, owner, key string) (model.ScheduledMessage, error) {
	return r.one(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE channel = ? AND created_by = ? AND idempotency_key = ?
	`, string(ch), owner, key)
}

func (r *SQLiteMessageRepo) Get(ctx context.Context, ch model.Channel, id string) (model.ScheduledMessage, error) {
	return r.one(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE channel = ? AND id = ?
	`, string(ch), id)
}

func (r *SQLiteMessageRepo) one(ctx context.Context, query string, args ...any) (model.ScheduledMessage, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledMessage{}, model.ErrNotFound
	}
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	ms, err := r.withAttachments(ctx, []messageRow{row})
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	return ms[0], nil
}

func (r *SQLiteMessageRepo) List(ctx context.Context, ch model.Channel, f model.Filter) ([]model.ScheduledMessage, error) {
	where := []string{"channel = ?"}
	args := []any{string(ch)}

	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		q, inArgs, err := sqlx.In("status IN (?)", ss)
		if err != nil {
			return nil, err
		}
		where = append(where, q)
		args = append(args, inArgs...)
	}
	if f.From != nil {
		where = append(where, "scheduled_at >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		where = append(where, "scheduled_at < ?")
		args = append(args, f.To.UTC())
	}

	query := `SELECT ` + messageColumns + ` FROM scheduled_messages WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY scheduled_at DESC, id`
	sqlWindow := strings.TrimSpace(f.Query) == ""
	if sqlWindow && (f.Limit > 0 || f.Offset > 0) {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	ms, err := r.withAttachments(ctx, rows)
	if err != nil {
		return nil, err
	}
	if sqlWindow {
		return ms, nil
	}
	return paginate(ms, f), nil
}

func (r *SQLiteMessageRepo) withAttachments(ctx context.Context, rows []messageRow) ([]model.ScheduledMessage, error) {
	if len(rows) == 0 {
		return []model.ScheduledMessage{}, nil
	}
	q, args, err := sqlx.In(`
		SELECT id, message_id, name, mime_type, size
		FROM message_attachments
		WHERE message_id IN (?)
		ORDER BY position, id
	`, rowIDs(rows))
	if err != nil {
		return nil, err
	}
	var atts []attachmentRow
	if err := r.db.SelectContext(ctx, &atts, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return toModels(rows, atts)
}

func (r *SQLiteMessageRepo) Update(ctx context.Context, ch model.Channel, id string, p model.Patch, files []StoredFile, now time.Time) (model.ScheduledMessage, error) {
	var scheduledAt *time.Time
	if p.ScheduledAt != nil {
		t := p.ScheduledAt.UTC()
		scheduledAt = &t
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET subject = COALESCE(?, subject),
		    body = COALESCE(?, body),
		    scheduled_at = COALESCE(?, scheduled_at),
		    updated_at = ?
		WHERE channel = ? AND id = ? AND status = 'pending' AND claimed_at IS NULL
	`, p.Subject, p.Body, scheduledAt, now.UTC(), string(ch), id)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ScheduledMessage{}, explainSQLite(ctx, tx, ch, id, "edit")
	}

	if len(p.RemoveAttachments) > 0 {
		q, args, err := sqlx.In(`DELETE FROM message_attachments WHERE message_id = ? AND id IN (?)`, id, p.RemoveAttachments)
		if err != nil {
			return model.ScheduledMessage{}, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
			return model.ScheduledMessage{}, err
		}
	}
	if err := insertFilesSQLite(ctx, tx, id, files); err != nil {
		return model.ScheduledMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.ScheduledMessage{}, err
	}
	return r.Get(ctx, ch, id)
}

func (r *SQLiteMessageRepo) Delete(ctx context.Context, ch model.Channel, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM scheduled_messages
		WHERE channel = ? AND id = ? AND status = 'pending' AND claimed_at IS NULL
	`, string(ch), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return explainSQLite(ctx, tx, ch, id, "delete")
	}
	return tx.Commit()
}

func (r *SQLiteMessageRepo) RequestSendNow(ctx context.Context, ch model.Channel, id, by string, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET send_now_requested_at = ?, send_now_requested_by = ?, updated_at = ?
		WHERE channel = ? AND id = ? AND status = 'pending' AND claimed_at IS NULL
	`, at.UTC(), by, at.UTC(), string(ch), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return explainSQLite(ctx, tx, ch, id, "send_now")
	}
	return tx.Commit()
}

func explainSQLite(ctx context.Context, tx *sqlx.Tx, ch model.Channel, id, action string) error {
	var st struct {
		Status  string `db:"status"`
		Claimed bool   `db:"claimed"`
	}
	err := tx.GetContext(ctx, &st, `
		SELECT status, claimed_at IS NOT NULL AS claimed FROM scheduled_messages WHERE channel = ? AND id = ?
	`, string(ch), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return conflict(id, model.Status(st.Status), st.Claimed, action)
}

// ClaimDue claims inside one write transaction; SQLite serializes writers,
// which gives the same at-most-once hand-off as row locks do in Postgres.
func (r *SQLiteMessageRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []messageRow
	if err := tx.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE status = 'pending'
		  AND claimed_at IS NULL
		  AND (scheduled_at <= ? OR send_now_requested_at IS NOT NULL)
		ORDER BY COALESCE(send_now_requested_at, scheduled_at) ASC
		LIMIT ?
	`, now.UTC(), limit); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	q, args, err := sqlx.In(`UPDATE scheduled_messages SET claimed_at = ?, updated_at = ? WHERE id IN (?)`,
		now.UTC(), now.UTC(), rowIDs(rows))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range rows {
		t := now.UTC()
		rows[i].ClaimedAt = &t
		rows[i].UpdatedAt = t
	}
	return r.withAttachments(ctx, rows)
}

func (r *SQLiteMessageRepo) ExpireClaims(ctx context.Context, staleBefore, at time.Time, reason string) ([]ExpiredClaim, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var expired []ExpiredClaim
	if err := tx.SelectContext(ctx, &expired, `
		SELECT id, channel FROM scheduled_messages
		WHERE status = 'pending' AND claimed_at IS NOT NULL AND claimed_at < ?
		ORDER BY claimed_at, id
	`, staleBefore.UTC()); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(expired))
	for i, e := range expired {
		ids[i] = e.ID
	}
	q, args, err := sqlx.In(`
		UPDATE scheduled_messages
		SET status = 'failed', last_error = ?, claimed_at = NULL, updated_at = ?
		WHERE id IN (?)
	`, reason, at.UTC(), ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
		return nil, err
	}
	return expired, tx.Commit()
}

func (r *SQLiteMessageRepo) Release(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages SET claimed_at = NULL WHERE id = ? AND status = 'pending'
	`, id)
	return err
}

func (r *SQLiteMessageRepo) MarkSent(ctx context.Context, id, remoteID string, sentAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'sent', sent_at = ?, remote_id = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, sentAt.UTC(), remoteID, sentAt.UTC(), id)
	return err
}

func (r *SQLiteMessageRepo) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'failed', last_error = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, reason, at.UTC(), id)
	return err
}

func (r *SQLiteMessageRepo) Files(ctx context.Context, messageID string) ([]StoredFile, error) {
	var rows []struct {
		attachmentRow
		Content []byte `db:"content"`
	}
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, message_id, name, mime_type, size, content
		FROM message_attachments WHERE message_id = ? ORDER BY position, id
	`, messageID); err != nil {
		return nil, err
	}
	out := make([]StoredFile, 0, len(rows))
	for _, row := range rows {
		out = append(out, StoredFile{
			Attachment: model.Attachment{ID: row.ID, Name: row.Name, MimeType: row.MimeType, Size: row.Size},
			Content:    row.Content,
		})
	}
	return out, nil
}
