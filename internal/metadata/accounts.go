package metadata

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quincecloud/quince/internal/fserr"
	"github.com/quincecloud/quince/internal/metrics"
)

// Account is a wallet-keyed account row.
type Account struct {
	Wallet    string
	CreatedAt time.Time
	LastLogin time.Time
}

// Session is a persisted bearer session.
type Session struct {
	Token     string
	Wallet    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at the given
// instant.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// UpsertAccount creates the account on first login and bumps last_login
// on every later one.
func (tx *Tx) UpsertAccount(wallet string) (Account, error) {
	now := nowMillis()
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO accounts (wallet_address, created_at, last_login)
		VALUES (?, ?, ?)
		ON CONFLICT (wallet_address) DO UPDATE SET last_login = excluded.last_login`,
		&sqlitex.ExecOptions{Args: []any{wallet, now, now}})
	if err != nil {
		return Account{}, fserr.Wrap(fserr.KindInternal, "db.upsert_account", wallet, err)
	}
	return tx.AccountByWallet(wallet)
}

// AccountByWallet returns the account, or a NotFound error.
func (tx *Tx) AccountByWallet(wallet string) (Account, error) {
	var account Account
	found := false
	err := sqlitex.Execute(tx.conn, `
		SELECT wallet_address, created_at, last_login
		FROM accounts WHERE wallet_address = ?`,
		&sqlitex.ExecOptions{
			Args: []any{wallet},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				account = Account{
					Wallet:    stmt.ColumnText(0),
					CreatedAt: fromMillis(stmt.ColumnInt64(1)),
					LastLogin: fromMillis(stmt.ColumnInt64(2)),
				}
				return nil
			},
		})
	if err != nil {
		return Account{}, fserr.Wrap(fserr.KindInternal, "db.account", wallet, err)
	}
	if !found {
		return Account{}, fserr.New(fserr.KindNotFound, "db.account", wallet)
	}
	return account, nil
}

// InsertSession persists a new session.
func (tx *Tx) InsertSession(session Session) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO sessions (token, wallet_address, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			session.Token, session.Wallet,
			session.CreatedAt.UnixMilli(), session.ExpiresAt.UnixMilli(),
		}})
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.insert_session", session.Wallet, err)
	}
	return nil
}

// SessionByToken returns the session for a token. Expired sessions are
// reported as NotFound; the row is left for the cleanup pass.
func (tx *Tx) SessionByToken(token string, now time.Time) (Session, error) {
	var session Session
	found := false
	err := sqlitex.Execute(tx.conn, `
		SELECT token, wallet_address, created_at, expires_at
		FROM sessions WHERE token = ?`,
		&sqlitex.ExecOptions{
			Args: []any{token},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				session = Session{
					Token:     stmt.ColumnText(0),
					Wallet:    stmt.ColumnText(1),
					CreatedAt: fromMillis(stmt.ColumnInt64(2)),
					ExpiresAt: fromMillis(stmt.ColumnInt64(3)),
				}
				return nil
			},
		})
	if err != nil {
		return Session{}, fserr.Wrap(fserr.KindInternal, "db.session", "", err)
	}
	if !found || session.Expired(now) {
		return Session{}, fserr.New(fserr.KindNotFound, "db.session", "")
	}
	return session, nil
}

// DeleteSession removes a session. Deleting an absent token is not an
// error.
func (tx *Tx) DeleteSession(token string) error {
	err := sqlitex.Execute(tx.conn, `DELETE FROM sessions WHERE token = ?`,
		&sqlitex.ExecOptions{Args: []any{token}})
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.delete_session", "", err)
	}
	return nil
}

// DeleteExpiredSessions removes every session past its expiry and
// returns how many were removed.
func (tx *Tx) DeleteExpiredSessions(now time.Time) (int, error) {
	err := sqlitex.Execute(tx.conn, `DELETE FROM sessions WHERE expires_at <= ?`,
		&sqlitex.ExecOptions{Args: []any{now.UnixMilli()}})
	if err != nil {
		return 0, fserr.Wrap(fserr.KindInternal, "db.cleanup_sessions", "", err)
	}
	return tx.conn.Changes(), nil
}

// SessionByToken looks up a live session outside a transaction.
func (s *Store) SessionByToken(ctx context.Context, token string) (Session, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("session_by_token", time.Since(start)) }()

	var session Session
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		session, err = tx.SessionByToken(token, time.Now())
		return err
	})
	return session, err
}

// CleanupExpiredSessions removes expired sessions in one transaction.
// Running it twice in a row is harmless; the second pass removes zero.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("cleanup_sessions", time.Since(start)) }()

	count := 0
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		count, err = tx.DeleteExpiredSessions(time.Now())
		return err
	})
	return count, err
}
