package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS scheduled_messages (
	id                    TEXT PRIMARY KEY,
	channel               TEXT NOT NULL,
	subject               TEXT NOT NULL DEFAULT '',
	body                  TEXT NOT NULL,
	recipients            JSONB NOT NULL,
	scheduled_at          TIMESTAMPTZ NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	created_by            TEXT NOT NULL,
	idempotency_key       TEXT,
	send_now_requested_at TIMESTAMPTZ,
	send_now_requested_by TEXT,
	claimed_at            TIMESTAMPTZ,
	sent_at               TIMESTAMPTZ,
	remote_id             TEXT NOT NULL DEFAULT '',
	last_error            TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	UNIQUE (channel, created_by, idempotency_key)
);
CREATE INDEX IF NOT EXISTS scheduled_messages_due_idx
	ON scheduled_messages (status, scheduled_at);
CREATE TABLE IF NOT EXISTS message_attachments (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES scheduled_messages (id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	mime_type  TEXT NOT NULL,
	size       BIGINT NOT NULL,
	position   INTEGER NOT NULL DEFAULT 0,
	content    BYTEA NOT NULL
);
ALTER TABLE message_attachments ADD COLUMN IF NOT EXISTS position INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS message_attachments_message_idx ON message_attachments (message_id, position);
`

// NewPostgresPool opens and pings a pool.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

type PostgresMessageRepo struct {
	db *pgxpool.Pool
}

var _ MessageRepository = (*PostgresMessageRepo)(nil)

func NewPostgresMessageRepo(db *pgxpool.Pool) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, postgresSchema)
	return err
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m model.ScheduledMessage, files []StoredFile) error {
	recipients, err := json.Marshal(m.Recipients)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO scheduled_messages
			(id, channel, subject, body, recipients, scheduled_at, status, created_by,
			 idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, m.ID, string(m.Channel), m.Subject, m.Body, string(recipients), m.ScheduledAt.UTC(), string(m.Status),
		m.CreatedBy, nullable(m.IdempotencyKey), m.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return err
	}

	if err := insertFilesPg(ctx, tx, m.ID, files); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertFilesPg(ctx context.Context, tx pgx.Tx, messageID string, files []StoredFile) error {
	if len(files) == 0 {
		return nil
	}
	var next int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM message_attachments WHERE message_id = $1
	`, messageID).Scan(&next); err != nil {
		return err
	}
	for i, f := range files {
		if _, err := tx.Exec(ctx, `
			INSERT INTO message_attachments (id, message_id, name, mime_type, size, position, content)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, f.ID, messageID, f.Name, f.MimeType, f.Size, next+i, f.Content); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresMessageRepo) FindByIdempotencyKey(ctx context.Context, ch model.Channel, owner, key string) (model.ScheduledMessage, error) {
	return r.one(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE channel = $1 AND created_by = $2 AND idempotency_key = $3
	`, string(ch), owner, key)
}

func (r *PostgresMessageRepo) Get(ctx context.Context, ch model.Channel, id string) (model.ScheduledMessage, error) {
	return r.one(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE channel = $1 AND id = $2
	`, string(ch), id)
}

func (r *PostgresMessageRepo) one(ctx context.Context, query string, args ...any) (model.ScheduledMessage, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[messageRow])
	if errors.Is(err, pgx.ErrNoRows) {
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

func (r *PostgresMessageRepo) List(ctx context.Context, ch model.Channel, f model.Filter) ([]model.ScheduledMessage, error) {
	var (
		where = []string{"channel = $1"}
		args  = []any{string(ch)}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(ss)+")")
	}
	if f.From != nil {
		where = append(where, "scheduled_at >= "+arg(f.From.UTC()))
	}
	if f.To != nil {
		where = append(where, "scheduled_at < "+arg(f.To.UTC()))
	}

	query := `SELECT ` + messageColumns + ` FROM scheduled_messages WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY scheduled_at DESC, id`
	sqlWindow := strings.TrimSpace(f.Query) == ""
	if sqlWindow && f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if sqlWindow && f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	mrows, err := pgx.CollectRows(rows, pgx.RowToStructByName[messageRow])
	if err != nil {
		return nil, err
	}
	ms, err := r.withAttachments(ctx, mrows)
	if err != nil {
		return nil, err
	}
	if sqlWindow {
		return ms, nil
	}
	return paginate(ms, f), nil
}

func (r *PostgresMessageRepo) withAttachments(ctx context.Context, rows []messageRow) ([]model.ScheduledMessage, error) {
	if len(rows) == 0 {
		return []model.ScheduledMessage{}, nil
	}
	arows, err := r.db.Query(ctx, `
		SELECT id, message_id, name, mime_type, size
		FROM message_attachments
		WHERE message_id = ANY($1)
		ORDER BY position, id
	`, rowIDs(rows))
	if err != nil {
		return nil, err
	}
	atts, err := pgx.CollectRows(arows, pgx.RowToStructByName[attachmentRow])
	if err != nil {
		return nil, err
	}
	return toModels(rows, atts)
}

func (r *PostgresMessageRepo) Update(ctx context.Context, ch model.Channel, id string, p model.Patch, files []StoredFile, now time.Time) (model.ScheduledMessage, error) {
	var scheduledAt *time.Time
	if p.ScheduledAt != nil {
		t := p.ScheduledAt.UTC()
		scheduledAt = &t
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE scheduled_messages
		SET subject = COALESCE($3, subject),
		    body = COALESCE($4, body),
		    scheduled_at = COALESCE($5, scheduled_at),
		    updated_at = $6
		WHERE channel = $1 AND id = $2 AND status = 'pending' AND claimed_at IS NULL
	`, string(ch), id, p.Subject, p.Body, scheduledAt, now.UTC())
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.ScheduledMessage{}, r.explain(ctx, ch, id, "edit")
	}

	if len(p.RemoveAttachments) > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM message_attachments WHERE message_id = $1 AND id = ANY($2)
		`, id, p.RemoveAttachments); err != nil {
			return model.ScheduledMessage{}, err
		}
	}
	if err := insertFilesPg(ctx, tx, id, files); err != nil {
		return model.ScheduledMessage{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ScheduledMessage{}, err
	}
	return r.Get(ctx, ch, id)
}

func (r *PostgresMessageRepo) Delete(ctx context.Context, ch model.Channel, id string) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM scheduled_messages
		WHERE channel = $1 AND id = $2 AND status = 'pending' AND claimed_at IS NULL
	`, string(ch), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.explain(ctx, ch, id, "delete")
	}
	return nil
}

func (r *PostgresMessageRepo) RequestSendNow(ctx context.Context, ch model.Channel, id, by string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_messages
		SET send_now_requested_at = $3, send_now_requested_by = $4, updated_at = $3
		WHERE channel = $1 AND id = $2 AND status = 'pending' AND claimed_at IS NULL
	`, string(ch), id, at.UTC(), by)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.explain(ctx, ch, id, "send_now")
	}
	return nil
}

// explain reports why a conditional write matched no row.
func (r *PostgresMessageRepo) explain(ctx context.Context, ch model.Channel, id, action string) error {
	var (
		status  string
		claimed bool
	)
	err := r.db.QueryRow(ctx, `
		SELECT status, claimed_at IS NOT NULL FROM scheduled_messages WHERE channel = $1 AND id = $2
	`, string(ch), id).Scan(&status, &claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return conflict(id, model.Status(status), claimed, action)
}

func (r *PostgresMessageRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE status = 'pending'
		  AND claimed_at IS NULL
		  AND (scheduled_at <= $1 OR send_now_requested_at IS NOT NULL)
		ORDER BY COALESCE(send_now_requested_at, scheduled_at) ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	mrows, err := pgx.CollectRows(rows, pgx.RowToStructByName[messageRow])
	if err != nil {
		return nil, err
	}
	if len(mrows) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE scheduled_messages SET claimed_at = $2, updated_at = $2 WHERE id = ANY($1)
	`, rowIDs(mrows), now.UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	for i := range mrows {
		t := now.UTC()
		mrows[i].ClaimedAt = &t
		mrows[i].UpdatedAt = t
	}
	return r.withAttachments(ctx, mrows)
}

func (r *PostgresMessageRepo) ExpireClaims(ctx context.Context, staleBefore, at time.Time, reason string) ([]ExpiredClaim, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE scheduled_messages
		SET status = 'failed', last_error = $3, claimed_at = NULL, updated_at = $2
		WHERE status = 'pending' AND claimed_at IS NOT NULL AND claimed_at < $1
		RETURNING id, channel
	`, staleBefore.UTC(), at.UTC(), reason)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[ExpiredClaim])
}

func (r *PostgresMessageRepo) Release(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE scheduled_messages SET claimed_at = NULL WHERE id = $1 AND status = 'pending'
	`, id)
	return err
}

func (r *PostgresMessageRepo) MarkSent(ctx context.Context, id, remoteID string, sentAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = 'sent',
		    sent_at = $2,
		    remote_id = $3,
		    claimed_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, sentAt.UTC(), remoteID)
	return err
}

func (r *PostgresMessageRepo) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = 'failed',
		    last_error = $2,
		    claimed_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, reason, at.UTC())
	return err
}

func (r *PostgresMessageRepo) Files(ctx context.Context, messageID string) ([]StoredFile, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, mime_type, size, content
		FROM message_attachments WHERE message_id = $1 ORDER BY position, id
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredFile
	for rows.Next() {
		var f StoredFile
		if err := rows.Scan(&f.ID, &f.Name, &f.MimeType, &f.Size, &f.Content); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
