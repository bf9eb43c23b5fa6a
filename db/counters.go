package db

import (
	"database/sql"
	"fmt"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Counter maintenance. Every count mutation here is coupled to a guarded
// state transition inside one transaction: the UPDATE/INSERT that performs
// the transition reports whether it actually changed a row, and only then
// do the counters move. Re-applying the same transition (a redelivered
// activity) changes no row and therefore moves no counter.

// CreateFollow inserts a follow edge. The UNIQUE(account_id,
// target_account_id) constraint makes a duplicate Follow a no-op; the
// returned bool reports whether the edge is new. Self-follows are refused.
func (db *DB) CreateFollow(follow *domain.Follow) (bool, error) {
	if follow.AccountId == follow.TargetAccountId {
		return false, fmt.Errorf("self-follow forbidden for account %s", follow.AccountId)
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO follows(id, account_id, target_account_id, uri, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			string(follow.Status),
			follow.CreatedAt,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}

	// An edge created directly as accepted (unlocked target) counts
	// immediately.
	if follow.Status == domain.FollowAccepted {
		if err := db.applyFollowCounters(follow, +1); err != nil {
			return true, err
		}
	}
	return true, nil
}

// AcceptFollowByURI transitions a pending edge to accepted and increments
// both sides' counters exactly once. A second Accept for the same edge
// matches no pending row and is a pure no-op.
func (db *DB) AcceptFollowByURI(uri string) (bool, error) {
	var transitioned bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE follows SET status = 'accepted' WHERE uri = ? AND status = 'pending'`, uri)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		transitioned = true
		return incrementFollowCountersTx(tx, uri, +1)
	})
	return transitioned, err
}

// RejectFollowByURI transitions a pending edge to rejected. No counters
// move; the edge never entered accepted.
func (db *DB) RejectFollowByURI(uri string) (bool, error) {
	var transitioned bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE follows SET status = 'rejected' WHERE uri = ? AND status = 'pending'`, uri)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		transitioned = n == 1
		return nil
	})
	return transitioned, err
}

// RemoveFollowByURI deletes an edge (Undo Follow, or rejection after
// accept). Counters decrement only when the deleted edge was accepted.
// An Undo for an unknown edge deletes nothing and is a no-op.
func (db *DB) RemoveFollowByURI(uri string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM follows WHERE uri = ?`, uri).Scan(&status)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		if status == string(domain.FollowAccepted) {
			if err := incrementFollowCountersTx(tx, uri, -1); err != nil {
				return err
			}
		}

		res, err := tx.Exec(`DELETE FROM follows WHERE uri = ?`, uri)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n == 1
		return nil
	})
	return removed, err
}

// incrementFollowCountersTx moves both sides of an edge by delta within
// the caller's transaction. Remote parties have no local counter row; the
// UPDATE then affects nothing, which is fine.
func incrementFollowCountersTx(tx *sql.Tx, uri string, delta int) error {
	var accountId, targetId string
	if err := tx.QueryRow(`SELECT account_id, target_account_id FROM follows WHERE uri = ?`, uri).Scan(&accountId, &targetId); err != nil {
		return err
	}
	return adjustFollowCountersTx(tx, accountId, targetId, delta)
}

func (db *DB) applyFollowCounters(follow *domain.Follow, delta int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return adjustFollowCountersTx(tx, follow.AccountId.String(), follow.TargetAccountId.String(), delta)
	})
}

func adjustFollowCountersTx(tx *sql.Tx, accountId, targetId string, delta int) error {
	if _, err := tx.Exec(`UPDATE accounts SET following_count = MAX(following_count + ?, 0) WHERE id = ?`, delta, accountId); err != nil {
		return err
	}
	_, err := tx.Exec(`UPDATE accounts SET followers_count = MAX(followers_count + ?, 0) WHERE id = ?`, delta, targetId)
	return err
}

// CreateFavourite inserts a favourite, keyed by UNIQUE(account_id,
// note_id), and bumps the note's count only when the row is new.
func (db *DB) CreateFavourite(fav *domain.Favourite) (bool, error) {
	var created bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT OR IGNORE INTO favourites(id, account_id, note_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`,
			fav.Id.String(), fav.AccountId.String(), fav.NoteId.String(), fav.URI, fav.CreatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		created = true
		_, err = tx.Exec(`UPDATE notes SET favourites_count = favourites_count + 1 WHERE id = ?`, fav.NoteId.String())
		return err
	})
	return created, err
}

// RemoveFavouriteByURI undoes a favourite; decrements only when a row was
// actually deleted.
func (db *DB) RemoveFavouriteByURI(uri string) (bool, error) {
	return db.removeEngagementByURI("favourites", "favourites_count", uri)
}

// ReadFavouriteURI returns the Like activity URI behind an account's
// favourite of a note, or "" when there is none.
func (db *DB) ReadFavouriteURI(accountId, noteId uuid.UUID) (error, string) {
	return db.readEngagementURI("favourites", accountId, noteId)
}

// ReadAnnounceURI is ReadFavouriteURI for reblogs.
func (db *DB) ReadAnnounceURI(accountId, noteId uuid.UUID) (error, string) {
	return db.readEngagementURI("announces", accountId, noteId)
}

func (db *DB) readEngagementURI(table string, accountId, noteId uuid.UUID) (error, string) {
	var uri string
	err := db.db.QueryRow(`SELECT uri FROM `+table+` WHERE account_id = ? AND note_id = ?`,
		accountId.String(), noteId.String()).Scan(&uri)
	if err == sql.ErrNoRows {
		return nil, ""
	}
	if err != nil {
		return err, ""
	}
	return nil, uri
}

// CreateAnnounce inserts a reblog under the same (account, note) guard.
func (db *DB) CreateAnnounce(ann *domain.Announce) (bool, error) {
	var created bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT OR IGNORE INTO announces(id, account_id, note_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`,
			ann.Id.String(), ann.AccountId.String(), ann.NoteId.String(), ann.URI, ann.CreatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		created = true
		_, err = tx.Exec(`UPDATE notes SET reblogs_count = reblogs_count + 1 WHERE id = ?`, ann.NoteId.String())
		return err
	})
	return created, err
}

func (db *DB) RemoveAnnounceByURI(uri string) (bool, error) {
	return db.removeEngagementByURI("announces", "reblogs_count", uri)
}

func (db *DB) removeEngagementByURI(table, counter, uri string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var noteId string
		err := tx.QueryRow(`SELECT note_id FROM `+table+` WHERE uri = ?`, uri).Scan(&noteId)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := tx.Exec(`DELETE FROM `+table+` WHERE uri = ?`, uri)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		removed = true
		_, err = tx.Exec(`UPDATE notes SET `+counter+` = MAX(`+counter+` - 1, 0) WHERE id = ?`, noteId)
		return err
	})
	return removed, err
}

// IncrementReplies bumps replies_count for the note a reply references.
// Gated by the reply activity's dedup insert, so it runs at most once per
// reply.
func (db *DB) IncrementReplies(noteObjectURI string, delta int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE notes SET replies_count = MAX(replies_count + ?, 0) WHERE object_uri = ?`, delta, noteObjectURI)
		return err
	})
}

// SetFederationStatusByActivityURI marks the note behind an activity as
// federated or failed once its deliveries settle.
func (db *DB) SetFederationStatusByActivityURI(activityURI string, status domain.FederationStatus) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var objectURI sql.NullString
		err := tx.QueryRow(`SELECT object_uri FROM activities WHERE activity_uri = ?`, activityURI).Scan(&objectURI)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if !objectURI.Valid || objectURI.String == "" {
			return nil
		}
		_, err = tx.Exec(`UPDATE notes SET federation_status = ? WHERE object_uri = ?`, string(status), objectURI.String)
		return err
	})
}
