package db

import (
	"database/sql"
	"time"
)

// Revoked session tokens, keyed by token hash. Revocation must survive
// cache eviction and restarts, so the table is the source of truth; the
// in-memory set in front of it is only a fast path.

func (db *DB) CreateRevokedToken(tokenHash string, expiresAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO revoked_tokens(token_hash, expires_at, revoked_at) VALUES (?, ?, ?)`,
			tokenHash, expiresAt, time.Now()); err != nil {
			return err
		}
		// Rows for tokens that have expired on their own are dead
		// weight; clear them while we are here.
		_, err := tx.Exec(`DELETE FROM revoked_tokens WHERE expires_at < ?`, time.Now())
		return err
	})
}

func (db *DB) IsTokenRevoked(tokenHash string, now time.Time) (bool, error) {
	var n int
	err := db.db.QueryRow(`SELECT COUNT(1) FROM revoked_tokens WHERE token_hash = ? AND expires_at > ?`,
		tokenHash, now).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
