package db

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// testKeypair is shared across tests, generating 4096-bit keys per test
// would dominate the runtime.
var testKeypair = util.GeneratePemKeypair()

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func createTestAccount(t *testing.T, database *DB, username string) *domain.Account {
	t.Helper()
	err, account := database.CreateAccount(username, false, testKeypair)
	if err != nil {
		t.Fatalf("Failed to create account %s: %v", username, err)
	}
	return account
}

func createTestNote(t *testing.T, database *DB, account *domain.Account, message string) *domain.Note {
	t.Helper()
	note := &domain.Note{
		Id:               uuid.New(),
		CreatedBy:        account.Username,
		Message:          message,
		CreatedAt:        time.Now(),
		Visibility:       "public",
		FederationStatus: domain.FederationPending,
	}
	note.ObjectURI = fmt.Sprintf("https://local.example/notes/%s", note.Id)
	if err := database.CreateNote(note, account.Id); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}
	return note
}

func pendingFollow(follower, followee *domain.Account, uri string) *domain.Follow {
	return &domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower.Id,
		TargetAccountId: followee.Id,
		URI:             uri,
		Status:          domain.FollowPending,
		CreatedAt:       time.Now(),
	}
}

func TestSelfFollowForbidden(t *testing.T) {
	database := openTestDB(t)
	alice := createTestAccount(t, database, "alice")

	follow := pendingFollow(alice, alice, "https://local.example/activities/self")
	if _, err := database.CreateFollow(follow); err == nil {
		t.Error("Expected self-follow to be refused")
	}
}

func TestFollowAcceptMovesCountersOnce(t *testing.T) {
	database := openTestDB(t)
	alice := createTestAccount(t, database, "alice")
	bob := createTestAccount(t, database, "bob")

	uri := "https://local.example/activities/follow-1"
	created, err := database.CreateFollow(pendingFollow(alice, bob, uri))
	if err != nil || !created {
		t.Fatalf("Failed to create follow: created=%v err=%v", created, err)
	}

	// Pending edge moves nothing
	err, acc := database.ReadAccByUsername("bob")
	if err != nil {
		t.Fatalf("Failed to read bob: %v", err)
	}
	if acc.FollowersCount != 0 {
		t.Errorf("Pending follow moved followers_count to %d", acc.FollowersCount)
	}

	transitioned, err := database.AcceptFollowByURI(uri)
	if err != nil || !transitioned {
		t.Fatalf("Failed to accept follow: transitioned=%v err=%v", transitioned, err)
	}

	// A second Accept is a pure no-op
	transitioned, err = database.AcceptFollowByURI(uri)
	if err != nil {
		t.Fatalf("Replayed accept errored: %v", err)
	}
	if transitioned {
		t.Error("Replayed accept reported a transition")
	}

	err, bobAfter := database.ReadAccByUsername("bob")
	if err != nil {
		t.Fatalf("Failed to read bob: %v", err)
	}
	if bobAfter.FollowersCount != 1 {
		t.Errorf("Expected followers_count 1, got %d", bobAfter.FollowersCount)
	}
	err, aliceAfter := database.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("Failed to read alice: %v", err)
	}
	if aliceAfter.FollowingCount != 1 {
		t.Errorf("Expected following_count 1, got %d", aliceAfter.FollowingCount)
	}
}

func TestRemoveFollowDecrementsOnlyAccepted(t *testing.T) {
	database := openTestDB(t)
	alice := createTestAccount(t, database, "alice")
	bob := createTestAccount(t, database, "bob")

	// Pending edge removed: no counter movement
	uri := "https://local.example/activities/follow-pending"
	if _, err := database.CreateFollow(pendingFollow(alice, bob, uri)); err != nil {
		t.Fatalf("Failed to create follow: %v", err)
	}
	removed, err := database.RemoveFollowByURI(uri)
	if err != nil || !removed {
		t.Fatalf("Failed to remove pending follow: removed=%v err=%v", removed, err)
	}

	// Accepted edge removed: counters come back down
	uri = "https://local.example/activities/follow-accepted"
	if _, err := database.CreateFollow(pendingFollow(alice, bob, uri)); err != nil {
		t.Fatalf("Failed to create follow: %v", err)
	}
	if _, err := database.AcceptFollowByURI(uri); err != nil {
		t.Fatalf("Failed to accept follow: %v", err)
	}
	if removed, err := database.RemoveFollowByURI(uri); err != nil || !removed {
		t.Fatalf("Failed to remove accepted follow: removed=%v err=%v", removed, err)
	}

	err, bobAfter := database.ReadAccByUsername("bob")
	if err != nil {
		t.Fatalf("Failed to read bob: %v", err)
	}
	if bobAfter.FollowersCount != 0 {
		t.Errorf("Expected followers_count 0, got %d", bobAfter.FollowersCount)
	}

	// Removing an unknown edge is a no-op
	removed, err = database.RemoveFollowByURI("https://local.example/activities/never-existed")
	if err != nil {
		t.Fatalf("Unknown removal errored: %v", err)
	}
	if removed {
		t.Error("Unknown removal reported a delete")
	}
}

func TestFollowerCountMatchesAcceptedEdges(t *testing.T) {
	database := openTestDB(t)
	bob := createTestAccount(t, database, "bob")

	// N accepts, M removals, count must equal N-M
	var uris []string
	for i := 0; i < 5; i++ {
		follower := createTestAccount(t, database, fmt.Sprintf("follower%d", i))
		uri := fmt.Sprintf("https://local.example/activities/follow-%d", i)
		if _, err := database.CreateFollow(pendingFollow(follower, bob, uri)); err != nil {
			t.Fatalf("Failed to create follow %d: %v", i, err)
		}
		if _, err := database.AcceptFollowByURI(uri); err != nil {
			t.Fatalf("Failed to accept follow %d: %v", i, err)
		}
		uris = append(uris, uri)
	}
	for i := 0; i < 2; i++ {
		if _, err := database.RemoveFollowByURI(uris[i]); err != nil {
			t.Fatalf("Failed to remove follow %d: %v", i, err)
		}
	}

	err, acc := database.ReadAccByUsername("bob")
	if err != nil {
		t.Fatalf("Failed to read bob: %v", err)
	}
	if acc.FollowersCount != 3 {
		t.Errorf("Expected followers_count 3 after 5 accepts and 2 removals, got %d", acc.FollowersCount)
	}

	err, edges := database.ReadAcceptedFollowersOf(bob.Id)
	if err != nil {
		t.Fatalf("Failed to read followers: %v", err)
	}
	if int64(len(*edges)) != acc.FollowersCount {
		t.Errorf("Counter %d does not match %d accepted edges", acc.FollowersCount, len(*edges))
	}
}

func TestFavouriteDedup(t *testing.T) {
	database := openTestDB(t)
	alice := createTestAccount(t, database, "alice")
	bob := createTestAccount(t, database, "bob")
	note := createTestNote(t, database, alice, "hello")

	fav := &domain.Favourite{
		Id:        uuid.New(),
		AccountId: bob.Id,
		NoteId:    note.Id,
		URI:       "https://local.example/activities/like-1",
		CreatedAt: time.Now(),
	}
	created, err := database.CreateFavourite(fav)
	if err != nil || !created {
		t.Fatalf("Failed to create favourite: created=%v err=%v", created, err)
	}

	// Same account, same note, different activity: still one favourite
	dup := &domain.Favourite{
		Id:        uuid.New(),
		AccountId: bob.Id,
		NoteId:    note.Id,
		URI:       "https://local.example/activities/like-2",
		CreatedAt: time.Now(),
	}
	created, err = database.CreateFavourite(dup)
	if err != nil {
		t.Fatalf("Duplicate favourite errored: %v", err)
	}
	if created {
		t.Error("Duplicate favourite reported created")
	}

	err, stored := database.ReadNoteById(note.Id)
	if err != nil {
		t.Fatalf("Failed to read note: %v", err)
	}
	if stored.FavouritesCount != 1 {
		t.Errorf("Expected favourites_count 1, got %d", stored.FavouritesCount)
	}

	if removed, err := database.RemoveFavouriteByURI(fav.URI); err != nil || !removed {
		t.Fatalf("Failed to remove favourite: removed=%v err=%v", removed, err)
	}
	err, stored = database.ReadNoteById(note.Id)
	if err != nil {
		t.Fatalf("Failed to read note: %v", err)
	}
	if stored.FavouritesCount != 0 {
		t.Errorf("Expected favourites_count 0 after undo, got %d", stored.FavouritesCount)
	}
}

func TestAnnounceCounters(t *testing.T) {
	database := openTestDB(t)
	alice := createTestAccount(t, database, "alice")
	bob := createTestAccount(t, database, "bob")
	note := createTestNote(t, database, alice, "boost me")

	ann := &domain.Announce{
		Id:        uuid.New(),
		AccountId: bob.Id,
		NoteId:    note.Id,
		URI:       "https://local.example/activities/boost-1",
		CreatedAt: time.Now(),
	}
	if created, err := database.CreateAnnounce(ann); err != nil || !created {
		t.Fatalf("Failed to create announce: created=%v err=%v", created, err)
	}

	err, stored := database.ReadNoteById(note.Id)
	if err != nil {
		t.Fatalf("Failed to read note: %v", err)
	}
	if stored.ReblogsCount != 1 {
		t.Errorf("Expected reblogs_count 1, got %d", stored.ReblogsCount)
	}

	// Undoing an unknown announce moves nothing
	if removed, err := database.RemoveAnnounceByURI("https://local.example/activities/ghost"); err != nil || removed {
		t.Fatalf("Unknown announce removal: removed=%v err=%v", removed, err)
	}
}

func TestIncrementReplies(t *testing.T) {
	database := openTestDB(t)
	alice := createTestAccount(t, database, "alice")
	note := createTestNote(t, database, alice, "parent")

	if err := database.IncrementReplies(note.ObjectURI, 1); err != nil {
		t.Fatalf("Failed to bump replies: %v", err)
	}
	if err := database.IncrementReplies(note.ObjectURI, 1); err != nil {
		t.Fatalf("Failed to bump replies: %v", err)
	}
	if err := database.IncrementReplies(note.ObjectURI, -1); err != nil {
		t.Fatalf("Failed to drop replies: %v", err)
	}

	err, stored := database.ReadNoteById(note.Id)
	if err != nil {
		t.Fatalf("Failed to read note: %v", err)
	}
	if stored.RepliesCount != 1 {
		t.Errorf("Expected replies_count 1, got %d", stored.RepliesCount)
	}
}

func TestNotesCountFollowsCreateAndDelete(t *testing.T) {
	database := openTestDB(t)
	alice := createTestAccount(t, database, "alice")
	note := createTestNote(t, database, alice, "ephemeral")

	err, acc := database.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("Failed to read alice: %v", err)
	}
	if acc.NotesCount != 1 {
		t.Errorf("Expected notes_count 1, got %d", acc.NotesCount)
	}

	deleted, err := database.MarkNoteDeleted(note.ObjectURI)
	if err != nil || !deleted {
		t.Fatalf("Failed to delete note: deleted=%v err=%v", deleted, err)
	}

	// Deleting again is a no-op
	deleted, err = database.MarkNoteDeleted(note.ObjectURI)
	if err != nil {
		t.Fatalf("Replayed delete errored: %v", err)
	}
	if deleted {
		t.Error("Replayed delete reported a delete")
	}

	err, accAfter := database.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("Failed to read alice: %v", err)
	}
	if accAfter.NotesCount != 0 {
		t.Errorf("Expected notes_count 0 after delete, got %d", accAfter.NotesCount)
	}
}
