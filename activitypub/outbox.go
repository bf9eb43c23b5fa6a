package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// Every outbound activity goes through the delivery queue, never a
// direct POST. The queue owns retries, per-domain ordering and the
// circuit breaker; the builders here only construct the payloads and
// enqueue them.

func newActivityURI(conf *util.AppConfig) string {
	return fmt.Sprintf("https://%s/activities/%s", conf.Conf.SslDomain, uuid.New().String())
}

func localActorURI(conf *util.AppConfig, username string) string {
	return fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, username)
}

// storeLocalActivity records an outbound activity so Undo and Delete can
// find it later.
func storeLocalActivity(database *db.DB, activityURI string, typ domain.ActivityType, actorURI, objectURI, rawJSON string) {
	_, err := database.CreateActivity(&domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activityURI,
		ActivityType: typ,
		ActorURI:     actorURI,
		ObjectURI:    objectURI,
		RawJSON:      rawJSON,
		Processed:    true,
		Local:        true,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		log.Printf("Outbox: Failed to store local %s activity: %v", typ, err)
	}
}

// SendAccept queues an Accept activity in response to a Follow
func SendAccept(database *db.DB, localAccount *domain.Account, remoteActor *domain.RemoteAccount, followID string, conf *util.AppConfig) error {
	acceptID := newActivityURI(conf)
	actorURI := localActorURI(conf, localAccount.Username)

	accept := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       acceptID,
		"type":     "Accept",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     followID,
			"type":   "Follow",
			"actor":  remoteActor.ActorURI,
			"object": actorURI,
		},
	}

	payload := mustMarshal(accept)
	storeLocalActivity(database, acceptID, domain.TypeAccept, actorURI, followID, payload)
	return Enqueue(database, acceptID, payload, preferredInbox(remoteActor), localAccount.Username)
}

// SendReject queues a Reject for a follow request the local user turned
// down.
func SendReject(database *db.DB, localAccount *domain.Account, remoteActor *domain.RemoteAccount, followID string, conf *util.AppConfig) error {
	rejectID := newActivityURI(conf)
	actorURI := localActorURI(conf, localAccount.Username)

	reject := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       rejectID,
		"type":     "Reject",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     followID,
			"type":   "Follow",
			"actor":  remoteActor.ActorURI,
			"object": actorURI,
		},
	}

	payload := mustMarshal(reject)
	storeLocalActivity(database, rejectID, domain.TypeReject, actorURI, followID, payload)
	return Enqueue(database, rejectID, payload, preferredInbox(remoteActor), localAccount.Username)
}

// SendCreate queues a Create activity for a new note to every accepted
// follower. Followers sharing a shared inbox get one delivery, not one
// per follower.
func SendCreate(database *db.DB, note *domain.Note, localAccount *domain.Account, conf *util.AppConfig) error {
	actorURI := localActorURI(conf, localAccount.Username)
	noteURI := note.ObjectURI
	if noteURI == "" {
		noteURI = fmt.Sprintf("https://%s/notes/%s", conf.Conf.SslDomain, note.Id.String())
	}
	createID := fmt.Sprintf("https://%s/notes/%s/activity", conf.Conf.SslDomain, note.Id.String())

	create := map[string]interface{}{
		"@context":  "https://www.w3.org/ns/activitystreams",
		"id":        createID,
		"type":      "Create",
		"actor":     actorURI,
		"published": note.CreatedAt.Format(time.RFC3339),
		"to": []string{
			"https://www.w3.org/ns/activitystreams#Public",
		},
		"cc": []string{
			fmt.Sprintf("%s/followers", actorURI),
		},
		"object": map[string]interface{}{
			"id":           noteURI,
			"type":         "Note",
			"attributedTo": actorURI,
			"content":      note.Message,
			"published":    note.CreatedAt.Format(time.RFC3339),
			"inReplyTo":    nilIfEmpty(note.InReplyToURI),
			"to": []string{
				"https://www.w3.org/ns/activitystreams#Public",
			},
			"cc": []string{
				fmt.Sprintf("%s/followers", actorURI),
			},
		},
	}

	payload := mustMarshal(create)
	storeLocalActivity(database, createID, domain.TypeCreate, actorURI, noteURI, payload)
	return deliverToFollowers(database, localAccount, createID, payload)
}

// SendFollow queues a Follow of a remote actor and records the edge as
// pending until the Accept comes back.
func SendFollow(database *db.DB, resolver *Resolver, localAccount *domain.Account, remoteActorURI string, conf *util.AppConfig) error {
	remoteActor, err := resolver.Resolve(context.Background(), remoteActorURI)
	if err != nil {
		return fmt.Errorf("failed to fetch remote actor: %w", err)
	}

	followID := newActivityURI(conf)
	actorURI := localActorURI(conf, localAccount.Username)

	follow := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       followID,
		"type":     "Follow",
		"actor":    actorURI,
		"object":   remoteActorURI,
	}

	created, err := database.CreateFollow(&domain.Follow{
		Id:              uuid.New(),
		AccountId:       localAccount.Id,
		TargetAccountId: remoteActor.Id,
		URI:             followID,
		Status:          domain.FollowPending,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}
	if !created {
		log.Printf("Outbox: Already following %s, skipping", remoteActorURI)
		return nil
	}

	payload := mustMarshal(follow)
	storeLocalActivity(database, followID, domain.TypeFollow, actorURI, remoteActorURI, payload)
	return Enqueue(database, followID, payload, preferredInbox(remoteActor), localAccount.Username)
}

// SendUndoFollow removes the edge, cancels any queued deliveries of the
// original Follow, and queues the Undo.
func SendUndoFollow(database *db.DB, localAccount *domain.Account, remoteActor *domain.RemoteAccount, follow *domain.Follow, conf *util.AppConfig) error {
	if _, err := database.RemoveFollowByURI(follow.URI); err != nil {
		return fmt.Errorf("failed to remove follow: %w", err)
	}
	if cancelled, err := database.CancelDeliveriesByActivityURI(follow.URI); err == nil && cancelled > 0 {
		log.Printf("Outbox: Cancelled %d queued deliveries of %s", cancelled, follow.URI)
	}

	actorURI := localActorURI(conf, localAccount.Username)
	undoID := newActivityURI(conf)
	undo := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       undoID,
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     follow.URI,
			"type":   "Follow",
			"actor":  actorURI,
			"object": remoteActor.ActorURI,
		},
	}

	payload := mustMarshal(undo)
	storeLocalActivity(database, undoID, domain.TypeUndo, actorURI, follow.URI, payload)
	return Enqueue(database, undoID, payload, preferredInbox(remoteActor), localAccount.Username)
}

// SendLike queues a Like of an object and returns the Like's activity
// URI. A nil remoteActor means the object is local and there is nothing
// to deliver; the activity is still recorded so an Undo can find it.
func SendLike(database *db.DB, localAccount *domain.Account, remoteActor *domain.RemoteAccount, objectURI string, conf *util.AppConfig) (string, error) {
	likeID := newActivityURI(conf)
	actorURI := localActorURI(conf, localAccount.Username)

	like := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       likeID,
		"type":     "Like",
		"actor":    actorURI,
		"object":   objectURI,
	}

	payload := mustMarshal(like)
	storeLocalActivity(database, likeID, domain.TypeLike, actorURI, objectURI, payload)
	if remoteActor == nil {
		return likeID, nil
	}
	return likeID, Enqueue(database, likeID, payload, preferredInbox(remoteActor), localAccount.Username)
}

// SendAnnounce queues an Announce (reblog) of an object to the author
// and the local account's followers, returning the Announce's activity
// URI. A nil remoteActor (local object) only fans out to followers.
func SendAnnounce(database *db.DB, localAccount *domain.Account, remoteActor *domain.RemoteAccount, objectURI string, conf *util.AppConfig) (string, error) {
	announceID := newActivityURI(conf)
	actorURI := localActorURI(conf, localAccount.Username)

	announce := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       announceID,
		"type":     "Announce",
		"actor":    actorURI,
		"object":   objectURI,
		"to": []string{
			"https://www.w3.org/ns/activitystreams#Public",
		},
	}

	payload := mustMarshal(announce)
	storeLocalActivity(database, announceID, domain.TypeAnnounce, actorURI, objectURI, payload)
	if remoteActor != nil {
		if err := Enqueue(database, announceID, payload, preferredInbox(remoteActor), localAccount.Username); err != nil {
			return announceID, err
		}
	}
	return announceID, deliverToFollowers(database, localAccount, announceID, payload)
}

// SendUndoOf cancels queued deliveries of a stored local activity and
// queues an Undo of it to the party it originally targeted. A nil
// remoteActor (local object) only cancels and records.
func SendUndoOf(database *db.DB, localAccount *domain.Account, original *domain.Activity, remoteActor *domain.RemoteAccount, conf *util.AppConfig) error {
	if cancelled, err := database.CancelDeliveriesByActivityURI(original.ActivityURI); err == nil && cancelled > 0 {
		log.Printf("Outbox: Cancelled %d queued deliveries of %s", cancelled, original.ActivityURI)
	}

	actorURI := localActorURI(conf, localAccount.Username)
	undoID := newActivityURI(conf)
	undo := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       undoID,
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     original.ActivityURI,
			"type":   string(original.ActivityType),
			"actor":  actorURI,
			"object": original.ObjectURI,
		},
	}

	payload := mustMarshal(undo)
	storeLocalActivity(database, undoID, domain.TypeUndo, actorURI, original.ActivityURI, payload)
	if remoteActor == nil {
		return nil
	}
	return Enqueue(database, undoID, payload, preferredInbox(remoteActor), localAccount.Username)
}

// SendDelete tombstones a local note, cancels queued deliveries of its
// Create, and queues a Delete to every accepted follower.
func SendDelete(database *db.DB, note *domain.Note, localAccount *domain.Account, conf *util.AppConfig) error {
	deleted, err := database.MarkNoteDeleted(note.ObjectURI)
	if err != nil {
		return fmt.Errorf("failed to tombstone note: %w", err)
	}
	if !deleted {
		log.Printf("Outbox: Note %s already deleted, skipping", note.Id)
		return nil
	}

	if err, createActivity := database.ReadActivityByObjectURI(note.ObjectURI); err == nil && createActivity != nil {
		if cancelled, err := database.CancelDeliveriesByActivityURI(createActivity.ActivityURI); err == nil && cancelled > 0 {
			log.Printf("Outbox: Cancelled %d queued deliveries of %s", cancelled, createActivity.ActivityURI)
		}
	}

	actorURI := localActorURI(conf, localAccount.Username)
	deleteID := newActivityURI(conf)
	del := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       deleteID,
		"type":     "Delete",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":   note.ObjectURI,
			"type": "Tombstone",
		},
	}

	payload := mustMarshal(del)
	storeLocalActivity(database, deleteID, domain.TypeDelete, actorURI, note.ObjectURI, payload)
	return deliverToFollowers(database, localAccount, deleteID, payload)
}

// deliverToFollowers queues one delivery per distinct inbox across the
// account's accepted followers, preferring shared inboxes.
func deliverToFollowers(database *db.DB, localAccount *domain.Account, activityURI, activityJSON string) error {
	err, followers := database.ReadAcceptedFollowersOf(localAccount.Id)
	if err != nil {
		log.Printf("Outbox: Failed to get followers: %v", err)
		return nil
	}
	if followers == nil || len(*followers) == 0 {
		log.Printf("Outbox: No followers to deliver %s to", activityURI)
		return nil
	}

	seen := make(map[string]bool)
	queued := 0
	for _, follower := range *followers {
		err, remoteActor := database.ReadRemoteAccountById(follower.AccountId)
		if err != nil || remoteActor == nil {
			// Local follower, nothing to deliver
			continue
		}

		inbox := preferredInbox(remoteActor)
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true

		if err := Enqueue(database, activityURI, activityJSON, inbox, localAccount.Username); err != nil {
			log.Printf("Outbox: Failed to queue delivery to %s: %v", inbox, err)
			continue
		}
		queued++
	}

	log.Printf("Outbox: Queued %s to %d inboxes", activityURI, queued)
	return nil
}

func preferredInbox(actor *domain.RemoteAccount) string {
	if actor.SharedInboxURI != "" {
		return actor.SharedInboxURI
	}
	return actor.InboxURI
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// mustMarshal marshals v to JSON, panicking on error
func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return string(b)
}
