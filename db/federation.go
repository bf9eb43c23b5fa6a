package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Remote Accounts queries
const (
	sqlInsertRemoteAccount      = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, key_id, last_fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteAccount      = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, key_id, last_fetched_at FROM remote_accounts`
	sqlUpdateRemoteAccount      = `UPDATE remote_accounts SET display_name = ?, summary = ?, inbox_uri = ?, shared_inbox_uri = ?, public_key_pem = ?, key_id = ?, last_fetched_at = ? WHERE actor_uri = ?`
)

func (db *DB) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.KeyId,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteAccount,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.KeyId,
			acc.LastFetchedAt,
			acc.ActorURI,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccount+` WHERE actor_uri = ?`, uri)
	return scanRemoteAccount(row)
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccount+` WHERE id = ?`, id.String())
	return scanRemoteAccount(row)
}

func scanRemoteAccount(row *sql.Row) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.DisplayName,
		&acc.Summary,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.PublicKeyPem,
		&acc.KeyId,
		&acc.LastFetchedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

func (db *DB) DeleteRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM remote_accounts WHERE id = ?`, id.String())
		return err
	})
}

// Activity queries
const (
	sqlInsertActivity      = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivity      = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities`
	sqlMarkActivityApplied = `UPDATE activities SET processed = 1 WHERE activity_uri = ?`
)

// CreateActivity records an activity exactly once. The UNIQUE constraint
// on activity_uri is the dedup contract: a replayed delivery comes back as
// inserted=false with no error, and the caller consults the stored row's
// processed flag to decide whether side effects still need to run.
func (db *DB) CreateActivity(activity *domain.Activity) (bool, error) {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			string(activity.ActivityType),
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			boolToInt(activity.Processed),
			boolToInt(activity.Local),
			activity.CreatedAt,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (db *DB) MarkActivityApplied(activityURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkActivityApplied, activityURI)
		return err
	})
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.Activity) {
	row := db.db.QueryRow(sqlSelectActivity+` WHERE activity_uri = ?`, uri)
	return scanActivity(row)
}

func (db *DB) ReadActivityByObjectURI(objectURI string) (error, *domain.Activity) {
	row := db.db.QueryRow(sqlSelectActivity+` WHERE object_uri = ? ORDER BY created_at DESC`, objectURI)
	return scanActivity(row)
}

func scanActivity(row *sql.Row) (error, *domain.Activity) {
	var activity domain.Activity
	var idStr, actType string
	var processed, local int
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&actType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&processed,
		&local,
		&activity.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	activity.ActivityType = domain.ActivityType(actType)
	activity.Processed = processed != 0
	activity.Local = local != 0
	return nil, &activity
}

func (db *DB) DeleteActivity(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM activities WHERE id = ?`, id.String())
		return err
	})
}

// Delivery Queue queries
const (
	sqlInsertDeliveryJob = `INSERT INTO delivery_queue(id, activity_uri, inbox_uri, domain, activity_json, sign_as, attempts, state, next_attempt_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDeliveryJob = `SELECT id, activity_uri, inbox_uri, domain, activity_json, sign_as, attempts, state, next_attempt_at, created_at, completed_at FROM delivery_queue`
)

func (db *DB) EnqueueDelivery(job *domain.DeliveryJob) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryJob,
			job.Id.String(),
			job.ActivityURI,
			job.InboxURI,
			job.Domain,
			job.ActivityJSON,
			job.SignAs,
			job.Attempts,
			string(job.State),
			job.NextAttemptAt,
			job.CreatedAt,
		)
		return err
	})
}

// ReadDueDeliveries returns queued jobs whose next attempt is due, oldest
// first so per-destination ordering holds.
func (db *DB) ReadDueDeliveries(now time.Time, limit int) (error, *[]domain.DeliveryJob) {
	rows, err := db.db.Query(sqlSelectDeliveryJob+` WHERE state = 'queued' AND next_attempt_at <= ? ORDER BY created_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		var job domain.DeliveryJob
		var idStr, state string
		if err := rows.Scan(&idStr, &job.ActivityURI, &job.InboxURI, &job.Domain, &job.ActivityJSON, &job.SignAs,
			&job.Attempts, &state, &job.NextAttemptAt, &job.CreatedAt, &job.CompletedAt); err != nil {
			return err, &jobs
		}
		job.Id, _ = uuid.Parse(idStr)
		job.State = domain.DeliveryState(state)
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return err, &jobs
	}
	return nil, &jobs
}

func (db *DB) ReadDeliveryJob(id uuid.UUID) (error, *domain.DeliveryJob) {
	row := db.db.QueryRow(sqlSelectDeliveryJob+` WHERE id = ?`, id.String())
	var job domain.DeliveryJob
	var idStr, state string
	err := row.Scan(&idStr, &job.ActivityURI, &job.InboxURI, &job.Domain, &job.ActivityJSON, &job.SignAs,
		&job.Attempts, &state, &job.NextAttemptAt, &job.CreatedAt, &job.CompletedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	job.Id, _ = uuid.Parse(idStr)
	job.State = domain.DeliveryState(state)
	return nil, &job
}

// MarkDeliveryInFlight claims a queued job for an attempt. The pickup
// time lands in next_attempt_at so a job stranded in flight by a dead
// process can be recognized as stale later.
func (db *DB) MarkDeliveryInFlight(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE delivery_queue SET state = 'in_flight', next_attempt_at = ? WHERE id = ? AND state = 'queued'`, time.Now(), id.String())
		return err
	})
}

// RequeueStaleInFlight returns in_flight jobs picked up before the
// cutoff to the queued state, making them visible to ReadDueDeliveries
// again. Without this, a process dying mid-attempt strands its jobs
// forever.
func (db *DB) RequeueStaleInFlight(pickedUpBefore time.Time) (int64, error) {
	var requeued int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE delivery_queue SET state = 'queued' WHERE state = 'in_flight' AND next_attempt_at < ?`, pickedUpBefore)
		if err != nil {
			return err
		}
		requeued, err = res.RowsAffected()
		return err
	})
	return requeued, err
}

func (db *DB) MarkDeliveryDelivered(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE delivery_queue SET state = 'delivered', completed_at = ? WHERE id = ?`, time.Now(), id.String())
		return err
	})
}

func (db *DB) RescheduleDelivery(id uuid.UUID, attempts int, nextAttempt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE delivery_queue SET state = 'queued', attempts = ?, next_attempt_at = ? WHERE id = ?`, attempts, nextAttempt, id.String())
		return err
	})
}

func (db *DB) DeadLetterDelivery(id uuid.UUID, attempts int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE delivery_queue SET state = 'dead_lettered', attempts = ?, completed_at = ? WHERE id = ?`, attempts, time.Now(), id.String())
		return err
	})
}

// CancelDeliveriesByActivityURI removes still-queued jobs for an activity
// that got superseded by a Delete or Undo before first delivery.
func (db *DB) CancelDeliveriesByActivityURI(activityURI string) (int64, error) {
	var canceled int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM delivery_queue WHERE activity_uri = ? AND state = 'queued'`, activityURI)
		if err != nil {
			return err
		}
		canceled, err = res.RowsAffected()
		return err
	})
	return canceled, err
}

// SweepDeliveries removes terminal jobs older than the retention window.
func (db *DB) SweepDeliveries(olderThan time.Time) (int64, error) {
	var swept int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM delivery_queue WHERE state IN ('delivered', 'dead_lettered') AND completed_at < ?`, olderThan)
		if err != nil {
			return err
		}
		swept, err = res.RowsAffected()
		return err
	})
	return swept, err
}

// Notification queries

// CreateNotification stores a notification unless one already exists for
// the same (recipient, activity) pair. Redelivery therefore cannot fan the
// same event out twice.
func (db *DB) CreateNotification(n *domain.Notification) (bool, error) {
	var created bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var from interface{}
		if n.FromAccountId != nil {
			from = n.FromAccountId.String()
		}
		var noteId interface{}
		if n.NoteId != nil {
			noteId = n.NoteId.String()
		}
		res, err := tx.Exec(`INSERT OR IGNORE INTO notifications(id, account_id, from_account_id, type, activity_uri, note_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.Id.String(), n.AccountId.String(), from, string(n.Type), n.ActivityURI, noteId, n.CreatedAt)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = rows == 1
		return nil
	})
	return created, err
}

func (db *DB) ReadNotificationsByAccountId(accountId uuid.UUID, limit int) (error, *[]domain.Notification) {
	rows, err := db.db.Query(`SELECT id, account_id, from_account_id, type, activity_uri, note_id, created_at, read_at FROM notifications WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`,
		accountId.String(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var idStr, accStr, typeStr string
		var fromStr, noteStr sql.NullString
		if err := rows.Scan(&idStr, &accStr, &fromStr, &typeStr, &n.ActivityURI, &noteStr, &n.CreatedAt, &n.ReadAt); err != nil {
			return err, &notifications
		}
		n.Id, _ = uuid.Parse(idStr)
		n.AccountId, _ = uuid.Parse(accStr)
		n.Type = domain.NotificationType(typeStr)
		if fromStr.Valid {
			id, _ := uuid.Parse(fromStr.String)
			n.FromAccountId = &id
		}
		if noteStr.Valid {
			id, _ := uuid.Parse(noteStr.String)
			n.NoteId = &id
		}
		notifications = append(notifications, n)
	}
	if err = rows.Err(); err != nil {
		return err, &notifications
	}
	return nil, &notifications
}

// Follower queries
const (
	sqlSelectFollow = `SELECT id, account_id, target_account_id, uri, status, created_at FROM follows`
)

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollow+` WHERE uri = ?`, uri)
	return scanFollow(row)
}

func (db *DB) ReadFollowByAccountIds(accountId, targetAccountId uuid.UUID) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollow+` WHERE account_id = ? AND target_account_id = ?`, accountId.String(), targetAccountId.String())
	return scanFollow(row)
}

func scanFollow(row *sql.Row) (error, *domain.Follow) {
	var follow domain.Follow
	var idStr, accountIdStr, targetIdStr, status string
	err := row.Scan(
		&idStr,
		&accountIdStr,
		&targetIdStr,
		&follow.URI,
		&status,
		&follow.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	follow.Status = domain.FollowStatus(status)
	return nil, &follow
}

// ReadAcceptedFollowersOf returns the accepted follow edges pointing at an
// account, i.e. who follows it.
func (db *DB) ReadAcceptedFollowersOf(targetAccountId uuid.UUID) (error, *[]domain.Follow) {
	return db.readFollows(sqlSelectFollow+` WHERE target_account_id = ? AND status = 'accepted'`, targetAccountId.String())
}

// ReadAcceptedFollowingOf returns the accepted follow edges originating
// at an account, i.e. who it follows.
func (db *DB) ReadAcceptedFollowingOf(accountId uuid.UUID) (error, *[]domain.Follow) {
	return db.readFollows(sqlSelectFollow+` WHERE account_id = ? AND status = 'accepted'`, accountId.String())
}

// ReadFollowURIsInvolving returns the URIs of every follow edge an
// account participates in, either side. Used to tear an actor down edge
// by edge so counters stay consistent.
func (db *DB) ReadFollowURIsInvolving(accountId uuid.UUID) (error, []string) {
	rows, err := db.db.Query(`SELECT uri FROM follows WHERE account_id = ? OR target_account_id = ?`,
		accountId.String(), accountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return err, uris
		}
		uris = append(uris, uri)
	}
	return rows.Err(), uris
}

func (db *DB) readFollows(query string, args ...interface{}) (error, *[]domain.Follow) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		var follow domain.Follow
		var idStr, accountIdStr, targetIdStr, status string
		if err := rows.Scan(&idStr, &accountIdStr, &targetIdStr, &follow.URI, &status, &follow.CreatedAt); err != nil {
			return err, &follows
		}
		follow.Id, _ = uuid.Parse(idStr)
		follow.AccountId, _ = uuid.Parse(accountIdStr)
		follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
		follow.Status = domain.FollowStatus(status)
		follows = append(follows, follow)
	}
	if err = rows.Err(); err != nil {
		return err, &follows
	}
	return nil, &follows
}

// ReadHomeTimeline returns note ids for an account's home feed: its own
// notes plus notes by accounts it follows, newest first. The timeline
// cache rebuilds from this on a miss.
func (db *DB) ReadHomeTimeline(accountId uuid.UUID, limit int) (error, []uuid.UUID) {
	rows, err := db.db.Query(`SELECT id FROM notes
		WHERE deleted_at IS NULL AND (user_id = ? OR user_id IN
			(SELECT target_account_id FROM follows WHERE account_id = ? AND status = 'accepted'))
		ORDER BY created_at DESC LIMIT ?`,
		accountId.String(), accountId.String(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return err, ids
		}
		id, _ := uuid.Parse(idStr)
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return err, ids
	}
	return nil, ids
}
