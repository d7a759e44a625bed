package session

import (
	"context"
	"errors"
	"time"

	"ppchat/logger"
	"ppchat/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_sessions (
	session_id          TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	role                TEXT NOT NULL DEFAULT 'user',
	refresh_hash        TEXT NOT NULL DEFAULT '',
	refresh_expires_at  TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ix_user_sessions_user ON user_sessions (user_id);
`

// PgStore 会话表放在 PostgreSQL
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore 连接并 ping；migrate=true 时建表
func NewPgStore(ctx context.Context, dsn string, migrate bool) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.WrapMsg(err, "unable to create pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "postgres ping failed")
	}
	s := &PgStore{pool: pool}
	if migrate {
		if _, err := pool.Exec(ctx, schema); err != nil {
			pool.Close()
			return nil, errs.WrapMsg(err, "migrate user_sessions")
		}
	}
	logger.Info("[Session] postgres store ready")
	return s, nil
}

func (s *PgStore) Close() { s.pool.Close() }

func (s *PgStore) Create(ctx context.Context, ss *Session) error {
	if ss == nil || ss.SessionID == "" || ss.UserID == "" {
		return errs.ErrInvalidPayload.WrapMsg("session id and user id are required")
	}
	created := ss.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var refreshExp *time.Time
	if !ss.RefreshExpiresAt.IsZero() {
		refreshExp = &ss.RefreshExpiresAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_sessions (session_id, user_id, role, refresh_hash, refresh_expires_at, created_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ss.SessionID, ss.UserID, ss.Role, ss.RefreshHash, refreshExp, created, ss.RevokedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.ErrInvalidPayload.WrapMsg("session already exists", "sid", ss.SessionID)
		}
		return errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	var (
		out        Session
		refreshExp *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, user_id, role, refresh_hash, refresh_expires_at, created_at, revoked_at
		 FROM user_sessions WHERE session_id = $1`, sessionID).
		Scan(&out.SessionID, &out.UserID, &out.Role, &out.RefreshHash, &refreshExp, &out.CreatedAt, &out.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("session not found", "sid", sessionID)
	}
	if err != nil {
		logger.Warn("[Session] query failed", zap.String("sid", sessionID), zap.Error(err))
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	if refreshExp != nil {
		out.RefreshExpiresAt = *refreshExp
	}
	return &out, nil
}

func (s *PgStore) Revoke(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_sessions SET revoked_at = COALESCE(revoked_at, now()) WHERE session_id = $1`, sessionID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound.WrapMsg("session not found", "sid", sessionID)
	}
	return nil
}

func (s *PgStore) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE user_sessions SET revoked_at = now()
		 WHERE user_id = $1 AND revoked_at IS NULL RETURNING session_id`, userID)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	return ids, nil
}
