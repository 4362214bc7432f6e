// Package postgres implements store.Store on PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
	"github.com/vango-go/oto-voiceapi/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to url and, when migrate is set, applies pending migrations.
func Open(ctx context.Context, url string, migrate bool) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &store.Error{Op: op, Err: store.ErrNotFound}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &store.Error{Op: op, Err: store.ErrConflict}
	}
	return &store.Error{Op: op, Err: err}
}

func (s *Store) CreateConversation(ctx context.Context, c store.Conversation) error {
	if c.Status == "" {
		c.Status = store.StatusActive
	}
	segs, err := marshalSegments(c.Segments)
	if err != nil {
		return &store.Error{Op: "create conversation", Err: err}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, status, transcript, preview, segments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, c.Title, string(c.Status), c.Transcript, c.Preview, segs)
	return wrap("create conversation", err)
}

func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	var (
		c      store.Conversation
		status string
		segs   []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, user_id, title, status, transcript, preview, segments, created_at, updated_at
		FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.UserID, &c.Title, &status, &c.Transcript, &c.Preview, &segs, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return store.Conversation{}, wrap("get conversation", err)
	}
	c.Status = store.ConversationStatus(status)
	if len(segs) > 0 {
		if err := json.Unmarshal(segs, &c.Segments); err != nil {
			return store.Conversation{}, &store.Error{Op: "get conversation", Err: err}
		}
	}
	return c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, c store.Conversation) error {
	segs, err := marshalSegments(c.Segments)
	if err != nil {
		return &store.Error{Op: "update conversation", Err: err}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			user_id    = COALESCE(NULLIF($2, ''), user_id),
			title      = $3,
			status     = COALESCE(NULLIF($4, ''), status),
			transcript = $5,
			preview    = $6,
			segments   = $7,
			updated_at = now()
		WHERE id = $1`,
		c.ID, c.UserID, c.Title, string(c.Status), c.Transcript, c.Preview, segs)
	if err != nil {
		return wrap("update conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return &store.Error{Op: "update conversation", Err: store.ErrNotFound}
	}
	return nil
}

func (s *Store) CreateAction(ctx context.Context, a store.ActionRecord) error {
	if a.Action.Status == "" {
		a.Action.Status = detect.StatusPending
	}
	inner, err := json.Marshal(a.Action.Inner)
	if err != nil {
		return &store.Error{Op: "create action", Err: err}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO actions (id, conversation_id, user_id, type, status, inner_payload,
			transcript_start, transcript_end, transcript_excerpt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.Action.ID, a.ConversationID, a.UserID, string(a.Action.Type), string(a.Action.Status), inner,
		a.Action.Relate.Start, a.Action.Relate.End, a.Action.Relate.Transcript)
	return wrap("create action", err)
}

func (s *Store) ListActions(ctx context.Context, conversationID string) ([]store.ActionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, conversation_id::text, user_id, type, status, inner_payload,
			transcript_start, transcript_end, transcript_excerpt, created_at
		FROM actions WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, wrap("list actions", err)
	}
	defer rows.Close()

	var out []store.ActionRecord
	for rows.Next() {
		var (
			r           store.ActionRecord
			typ, status string
			inner       []byte
		)
		err := rows.Scan(&r.Action.ID, &r.ConversationID, &r.UserID, &typ, &status, &inner,
			&r.Action.Relate.Start, &r.Action.Relate.End, &r.Action.Relate.Transcript, &r.CreatedAt)
		if err != nil {
			return nil, wrap("list actions", err)
		}
		r.Action.Type = detect.ActionType(typ)
		r.Action.Status = detect.ActionStatus(status)
		if err := json.Unmarshal(inner, &r.Action.Inner); err != nil {
			return nil, &store.Error{Op: "list actions", Err: err}
		}
		out = append(out, r)
	}
	return out, wrap("list actions", rows.Err())
}

func (s *Store) AppendConversationLogs(ctx context.Context, conversationID string, logs []detect.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(`
			INSERT INTO conversation_logs (conversation_id, speaker, summary, transcript_excerpt, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			conversationID, l.Speaker, l.Summary, l.Excerpt, l.StartMS, l.EndMS)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return &store.Error{Op: "append logs", Err: store.ErrNotFound}
	}
	return wrap("append logs", err)
}

func (s *Store) ListConversationLogs(ctx context.Context, conversationID string) ([]store.LogRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id::text, speaker, summary, transcript_excerpt, start_time, end_time, created_at
		FROM conversation_logs WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		return nil, wrap("list logs", err)
	}
	defer rows.Close()

	var out []store.LogRecord
	for rows.Next() {
		var r store.LogRecord
		err := rows.Scan(&r.ID, &r.ConversationID, &r.Entry.Speaker, &r.Entry.Summary, &r.Entry.Excerpt,
			&r.Entry.StartMS, &r.Entry.EndMS, &r.CreatedAt)
		if err != nil {
			return nil, wrap("list logs", err)
		}
		out = append(out, r)
	}
	return out, wrap("list logs", rows.Err())
}

func marshalSegments(segs []stt.Segment) ([]byte, error) {
	if segs == nil {
		segs = []stt.Segment{}
	}
	return json.Marshal(segs)
}
