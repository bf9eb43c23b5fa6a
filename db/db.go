package db

import (
	"context"
	"database/sql"
	"sync"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
	"log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
	"time"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        display_name text,
                        summary text,
                        locked int default 0,
                        suspended int default 0,
                        web_public_key text,
                        web_private_key text,
                        followers_count integer default 0,
                        following_count integer default 0,
                        notes_count integer default 0,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, locked, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectAccount = `SELECT id, username, display_name, summary, locked, suspended, web_public_key, web_private_key, followers_count, following_count, notes_count, created_at FROM accounts`

	//Notes
	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes(
                        id uuid NOT NULL PRIMARY KEY,
                        user_id uuid NOT NULL,
                        message varchar(1000),
                        visibility text default 'public',
                        in_reply_to_uri text,
                        object_uri text,
                        federation_status text default 'pending',
                        favourites_count integer default 0,
                        reblogs_count integer default 0,
                        replies_count integer default 0,
                        deleted_at timestamp,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertNote = `INSERT INTO notes(id, user_id, message, visibility, in_reply_to_uri, object_uri, federation_status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	// A note's author is either a local account or a remote one; the remote
	// handle renders as user@domain.
	sqlSelectNote = `SELECT notes.id, COALESCE(accounts.username, remote_accounts.username || '@' || remote_accounts.domain), notes.message, notes.visibility, notes.in_reply_to_uri, notes.object_uri, notes.federation_status, notes.favourites_count, notes.reblogs_count, notes.replies_count, notes.deleted_at, notes.created_at FROM notes
                                                            LEFT JOIN accounts ON accounts.id = notes.user_id
                                                            LEFT JOIN remote_accounts ON remote_accounts.id = notes.user_id`
)

// Open opens (or creates) the database at path and runs the schema setup.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqldb.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	// Optimize PRAGMAs for the concurrent federation workload
	sqldb.Exec("PRAGMA synchronous = NORMAL")
	sqldb.Exec("PRAGMA cache_size = -64000")
	sqldb.Exec("PRAGMA temp_store = MEMORY")
	sqldb.Exec("PRAGMA busy_timeout = 5000")
	sqldb.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqldb}
	if err := database.CreateDB(); err != nil {
		return nil, err
	}
	if err := database.RunMigrations(); err != nil {
		return nil, err
	}
	return database, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// GetDB returns the process-wide database, opening it on first use.
func GetDB() *DB {
	dbOnce.Do(func() {
		database, err := Open("database.db")
		if err != nil {
			panic(err)
		}
		dbInstance = database
	})

	return dbInstance
}

// CreateDB creates the base tables.
func (db *DB) CreateDB() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlCreateAccountsTable); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlCreateNotesTable); err != nil {
			return err
		}
		return nil
	})
}

func (db *DB) CreateAccount(username string, locked bool, keypair *util.RsaKeyPair) (error, *domain.Account) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		Locked:        locked,
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
		CreatedAt:     time.Now(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary, boolToInt(acc.Locked), acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		return err, nil
	}
	return nil, acc
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccount+` WHERE username = ?`, username)
	return scanAccount(row)
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccount+` WHERE id = ?`, id.String())
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	var locked, suspended int
	err := row.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary, &locked, &suspended,
		&acc.WebPublicKey, &acc.WebPrivateKey, &acc.FollowersCount, &acc.FollowingCount, &acc.NotesCount, &acc.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.Locked = locked != 0
	acc.Suspended = suspended != 0
	return nil, &acc
}

// CreateNote stores a local note and bumps the author's notes_count in the
// same transaction.
func (db *DB) CreateNote(note *domain.Note, userId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlInsertNote, note.Id.String(), userId.String(), note.Message, note.Visibility,
			note.InReplyToURI, note.ObjectURI, string(note.FederationStatus), note.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE accounts SET notes_count = notes_count + 1 WHERE id = ?`, userId.String())
		return err
	})
}

// CreateRemoteNote stores a note authored by a remote actor so home
// timelines can serve it. Remote authors carry no local notes_count, so
// unlike CreateNote there is no counter to move. Inserting the same
// object twice is a no-op keyed on object_uri.
func (db *DB) CreateRemoteNote(note *domain.Note, remoteAccountId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM notes WHERE object_uri = ?`, note.ObjectURI).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		_, err := tx.Exec(sqlInsertNote, note.Id.String(), remoteAccountId.String(), note.Message, note.Visibility,
			note.InReplyToURI, note.ObjectURI, string(note.FederationStatus), note.CreatedAt)
		return err
	})
}

func (db *DB) ReadNoteById(id uuid.UUID) (error, *domain.Note) {
	row := db.db.QueryRow(sqlSelectNote+` WHERE notes.id = ?`, id.String())
	return scanNote(row)
}

func (db *DB) ReadNoteByObjectURI(objectURI string) (error, *domain.Note) {
	row := db.db.QueryRow(sqlSelectNote+` WHERE notes.object_uri = ?`, objectURI)
	return scanNote(row)
}

func scanNote(row *sql.Row) (error, *domain.Note) {
	var note domain.Note
	var status string
	err := row.Scan(&note.Id, &note.CreatedBy, &note.Message, &note.Visibility, &note.InReplyToURI,
		&note.ObjectURI, &status, &note.FavouritesCount, &note.ReblogsCount, &note.RepliesCount,
		&note.DeletedAt, &note.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	note.FederationStatus = domain.FederationStatus(status)
	return nil, &note
}

func (db *DB) ReadNotesByUsername(username string) (error, *[]domain.Note) {
	rows, err := db.db.Query(sqlSelectNote+` WHERE accounts.username = ? AND notes.deleted_at IS NULL ORDER BY notes.created_at DESC`, username)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		var note domain.Note
		var status string
		if err := rows.Scan(&note.Id, &note.CreatedBy, &note.Message, &note.Visibility, &note.InReplyToURI,
			&note.ObjectURI, &status, &note.FavouritesCount, &note.ReblogsCount, &note.RepliesCount,
			&note.DeletedAt, &note.CreatedAt); err != nil {
			return err, &notes
		}
		note.FederationStatus = domain.FederationStatus(status)
		notes = append(notes, note)
	}
	if err = rows.Err(); err != nil {
		return err, &notes
	}

	return nil, &notes
}

// MarkNoteDeleted tombstones a note and takes the author's notes_count
// down with it. Deleting an already-deleted note is a no-op; the
// returned bool reports whether this call performed the delete.
func (db *DB) MarkNoteDeleted(objectURI string) (bool, error) {
	var deleted bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE notes SET deleted_at = ? WHERE object_uri = ? AND deleted_at IS NULL`, time.Now(), objectURI)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n == 1
		if !deleted {
			return nil
		}
		_, err = tx.Exec(`UPDATE accounts SET notes_count = MAX(notes_count - 1, 0)
			WHERE id = (SELECT user_id FROM notes WHERE object_uri = ?)`, objectURI)
		return err
	})
	return deleted, err
}

// MarkNotesDeletedByUserId tombstones every live note by one author.
// Used when a remote actor is deleted, so timeline rebuilds never
// reference notes whose author row is gone.
func (db *DB) MarkNotesDeletedByUserId(userId uuid.UUID) (int64, error) {
	var tombstoned int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE notes SET deleted_at = ? WHERE user_id = ? AND deleted_at IS NULL`, time.Now(), userId.String())
		if err != nil {
			return err
		}
		tombstoned, err = res.RowsAffected()
		return err
	})
	return tombstoned, err
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// isUniqueViolation reports whether err is a sqlite unique-constraint
// failure, the signal the dedup contracts are built on.
func isUniqueViolation(err error) bool {
	serr, ok := err.(*sqlite.Error)
	if !ok {
		return false
	}
	code := serr.Code()
	return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
