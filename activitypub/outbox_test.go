package activitypub

import (
	"testing"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

func TestPreferredInbox(t *testing.T) {
	withShared := &domain.RemoteAccount{
		InboxURI:       "https://remote.example/users/bob/inbox",
		SharedInboxURI: "https://remote.example/inbox",
	}
	if got := preferredInbox(withShared); got != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox, got '%s'", got)
	}

	withoutShared := &domain.RemoteAccount{
		InboxURI: "https://remote.example/users/bob/inbox",
	}
	if got := preferredInbox(withoutShared); got != "https://remote.example/users/bob/inbox" {
		t.Errorf("Expected personal inbox, got '%s'", got)
	}
}

func TestNilIfEmpty(t *testing.T) {
	if nilIfEmpty("") != nil {
		t.Error("Expected nil for empty string")
	}
	if nilIfEmpty("value") != "value" {
		t.Error("Expected value to pass through")
	}
}

func outboxTestConf() *util.AppConfig {
	conf := testFederationConf()
	conf.Conf.Host = "local.example"
	conf.Conf.SslDomain = "local.example"
	conf.Conf.WithAp = true
	conf.Cache.ActorTTLHours = 24
	conf.Cache.NegativeTTLMinutes = 10
	return conf
}

func dueDeliveries(t *testing.T, env *inboxTestEnv) []domain.DeliveryJob {
	t.Helper()
	err, jobs := env.db.ReadDueDeliveries(time.Now().Add(time.Second), 100)
	if err != nil {
		t.Fatalf("Failed to read due deliveries: %v", err)
	}
	if jobs == nil {
		return nil
	}
	return *jobs
}

func TestSendAcceptQueuesDelivery(t *testing.T) {
	env := newInboxTestEnv(t)
	conf := outboxTestConf()

	followID := "https://remote.example/activities/follow-1"
	if err := SendAccept(env.db, env.account, env.remote, followID, conf); err != nil {
		t.Fatalf("SendAccept failed: %v", err)
	}

	jobs := dueDeliveries(t, env)
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 queued delivery, got %d", len(jobs))
	}
	job := jobs[0]
	if job.InboxURI != env.remote.InboxURI {
		t.Errorf("Expected delivery to %s, got %s", env.remote.InboxURI, job.InboxURI)
	}
	if job.Domain != "remote.example" {
		t.Errorf("Expected domain remote.example, got %s", job.Domain)
	}
	if job.SignAs != "alice" {
		t.Errorf("Expected delivery signed as alice, got %s", job.SignAs)
	}

	// The Accept itself is on record so an Undo could find it later
	err, stored := env.db.ReadActivityByURI(job.ActivityURI)
	if err != nil || stored == nil {
		t.Fatalf("Expected stored Accept activity for %s", job.ActivityURI)
	}
	if stored.ActivityType != domain.TypeAccept {
		t.Errorf("Expected stored type Accept, got %s", stored.ActivityType)
	}
	if !stored.Local {
		t.Error("Outbound activity should be marked local")
	}
}

func TestSendCreateDeduplicatesSharedInboxes(t *testing.T) {
	env := newInboxTestEnv(t)
	conf := outboxTestConf()

	// Two followers on the same instance share one inbox
	for _, username := range []string{"carol", "dave"} {
		follower := &domain.RemoteAccount{
			Id:             uuid.New(),
			Username:       username,
			Domain:         "other.example",
			ActorURI:       "https://other.example/users/" + username,
			InboxURI:       "https://other.example/users/" + username + "/inbox",
			SharedInboxURI: "https://other.example/inbox",
			PublicKeyPem:   testKeypair.Public,
			LastFetchedAt:  time.Now(),
		}
		if err := env.db.CreateRemoteAccount(follower); err != nil {
			t.Fatalf("Failed to create remote account: %v", err)
		}
		created, err := env.db.CreateFollow(&domain.Follow{
			Id:              uuid.New(),
			AccountId:       follower.Id,
			TargetAccountId: env.account.Id,
			URI:             "https://other.example/activities/follow-" + username,
			Status:          domain.FollowAccepted,
			CreatedAt:       time.Now(),
		})
		if err != nil || !created {
			t.Fatalf("Failed to create follow edge for %s: %v", username, err)
		}
	}

	note := env.createNote(t, "hello everyone")
	if err := SendCreate(env.db, note, env.account, conf); err != nil {
		t.Fatalf("SendCreate failed: %v", err)
	}

	jobs := dueDeliveries(t, env)
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 delivery to the shared inbox, got %d", len(jobs))
	}
	if jobs[0].InboxURI != "https://other.example/inbox" {
		t.Errorf("Expected shared inbox, got %s", jobs[0].InboxURI)
	}
}

func TestSendFollowRecordsPendingEdge(t *testing.T) {
	env := newInboxTestEnv(t)
	conf := outboxTestConf()

	resolver := NewResolver(env.db, conf)
	if err := SendFollow(env.db, resolver, env.account, env.remote.ActorURI, conf); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}

	err, edge := env.db.ReadFollowByAccountIds(env.account.Id, env.remote.Id)
	if err != nil || edge == nil {
		t.Fatal("Expected a follow edge on record")
	}
	if edge.Status != domain.FollowPending {
		t.Errorf("Expected pending edge until the Accept arrives, got %s", edge.Status)
	}

	// Pending edges move no counters
	err, acc := env.db.ReadAccById(env.account.Id)
	if err != nil {
		t.Fatalf("Failed to read account: %v", err)
	}
	if acc.FollowingCount != 0 {
		t.Errorf("Expected following count 0 while pending, got %d", acc.FollowingCount)
	}

	jobs := dueDeliveries(t, env)
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 queued Follow delivery, got %d", len(jobs))
	}

	// Following again is a no-op, not a second edge or delivery
	if err := SendFollow(env.db, resolver, env.account, env.remote.ActorURI, conf); err != nil {
		t.Fatalf("Repeated SendFollow failed: %v", err)
	}
	if jobs := dueDeliveries(t, env); len(jobs) != 1 {
		t.Errorf("Expected still 1 queued delivery, got %d", len(jobs))
	}
}

func TestSendUndoFollowCancelsQueuedFollow(t *testing.T) {
	env := newInboxTestEnv(t)
	conf := outboxTestConf()

	resolver := NewResolver(env.db, conf)
	if err := SendFollow(env.db, resolver, env.account, env.remote.ActorURI, conf); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	err, edge := env.db.ReadFollowByAccountIds(env.account.Id, env.remote.Id)
	if err != nil || edge == nil {
		t.Fatal("Expected a follow edge on record")
	}

	if err := SendUndoFollow(env.db, env.account, env.remote, edge, conf); err != nil {
		t.Fatalf("SendUndoFollow failed: %v", err)
	}

	// The queued Follow is gone, only the Undo remains
	jobs := dueDeliveries(t, env)
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 queued delivery after undo, got %d", len(jobs))
	}
	err, stored := env.db.ReadActivityByURI(jobs[0].ActivityURI)
	if err != nil || stored == nil {
		t.Fatal("Expected stored Undo activity")
	}
	if stored.ActivityType != domain.TypeUndo {
		t.Errorf("Expected queued Undo, got %s", stored.ActivityType)
	}

	err, edge = env.db.ReadFollowByAccountIds(env.account.Id, env.remote.Id)
	if err == nil && edge != nil {
		t.Error("Expected follow edge to be removed")
	}
}

func TestSendDeleteFansOutTombstone(t *testing.T) {
	env := newInboxTestEnv(t)
	conf := outboxTestConf()

	created, err := env.db.CreateFollow(&domain.Follow{
		Id:              uuid.New(),
		AccountId:       env.remote.Id,
		TargetAccountId: env.account.Id,
		URI:             "https://remote.example/activities/follow-bob",
		Status:          domain.FollowAccepted,
		CreatedAt:       time.Now(),
	})
	if err != nil || !created {
		t.Fatalf("Failed to create follower edge: %v", err)
	}

	note := env.createNote(t, "short-lived")
	if err := SendCreate(env.db, note, env.account, conf); err != nil {
		t.Fatalf("SendCreate failed: %v", err)
	}
	if err := SendDelete(env.db, note, env.account, conf); err != nil {
		t.Fatalf("SendDelete failed: %v", err)
	}

	// The queued Create was cancelled, only the Delete goes out
	jobs := dueDeliveries(t, env)
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 queued delivery after delete, got %d", len(jobs))
	}
	err, stored := env.db.ReadActivityByURI(jobs[0].ActivityURI)
	if err != nil || stored == nil {
		t.Fatal("Expected stored Delete activity")
	}
	if stored.ActivityType != domain.TypeDelete {
		t.Errorf("Expected queued Delete, got %s", stored.ActivityType)
	}

	// Deleting again is a no-op
	if err := SendDelete(env.db, note, env.account, conf); err != nil {
		t.Fatalf("Repeated SendDelete failed: %v", err)
	}
	if jobs := dueDeliveries(t, env); len(jobs) != 1 {
		t.Errorf("Expected still 1 queued delivery, got %d", len(jobs))
	}
}
