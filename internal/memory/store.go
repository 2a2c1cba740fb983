// Package memory holds the durable SQLite session store and delivery audit log.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ledgerbot/internal/domain"
)

// SQLiteStore implements domain.SessionStore and domain.DeliveryLog.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, address string) (*domain.Session, error) {
	var (
		sess      domain.Session
		source    string
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT address, token, source, created_at, expires_at FROM sessions WHERE address = ?`, address,
	).Scan(&sess.Address, &sess.Token, &source, &sess.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Source = domain.SessionSource(source)
	if expiresAt.Valid {
		sess.ExpiresAt = expiresAt.Time
	}

	if sess.Expired(s.now()) {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE address = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
			address, s.now().UTC(),
		); err != nil {
			s.logger.Warn("evict expired session failed", "error", err)
		}
		return nil, nil
	}
	return &sess, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sess domain.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (address, token, source, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		   token = excluded.token, source = excluded.source,
		   created_at = excluded.created_at, expires_at = excluded.expires_at`,
		sess.Address, sess.Token, string(sess.Source), sess.CreatedAt.UTC(), nullTime(sess.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Invalidate(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE address = ?`, address); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

// List returns live sessions ordered by address.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, token, source, created_at, expires_at FROM sessions
		 WHERE expires_at IS NULL OR expires_at > ?
		 ORDER BY address`, s.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var (
			sess      domain.Session
			source    string
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&sess.Address, &sess.Token, &source, &sess.CreatedAt, &expiresAt); err != nil {
			return nil, err
		}
		sess.Source = domain.SessionSource(source)
		if expiresAt.Valid {
			sess.ExpiresAt = expiresAt.Time
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PruneExpired deletes expired sessions and returns how many were removed.
func (s *SQLiteStore) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RecordDelivery(ctx context.Context, d domain.Delivery) error {
	if d.At.IsZero() {
		d.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (request_id, message_id, address, kind, state, intent, action, outcome, replied, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.MessageID, d.Address, string(d.Kind), d.State, string(d.Intent),
		d.Action, d.Outcome, d.Replied, d.Duration.Milliseconds(), d.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// RecentDeliveries returns the newest deliveries first.
func (s *SQLiteStore) RecentDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, message_id, address, kind, state, intent, action, outcome, replied, duration_ms, created_at
		 FROM deliveries ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var (
			d                                  domain.Delivery
			messageID, address, intent, action sql.NullString
			kind                               string
			durationMS                         int64
		)
		if err := rows.Scan(&d.RequestID, &messageID, &address, &kind, &d.State, &intent,
			&action, &d.Outcome, &d.Replied, &durationMS, &d.At); err != nil {
			return nil, err
		}
		d.MessageID = messageID.String
		d.Address = address.String
		d.Kind = domain.MessageKind(kind)
		d.Intent = domain.IntentKind(intent.String)
		d.Action = action.String
		d.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
