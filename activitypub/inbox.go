package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// Activity represents a generic ActivityPub activity
type Activity struct {
	Context   interface{} `json:"@context"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	Published string      `json:"published"`
}

// FollowActivity represents an ActivityPub Follow activity
type FollowActivity struct {
	Context interface{} `json:"@context"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Actor   string      `json:"actor"`
	Object  string      `json:"object"` // URI of the person being followed
}

// TimelineInvalidator lets the processor drop cached timeline pages when
// an applied activity changes what a home feed should show.
type TimelineInvalidator interface {
	InvalidateUser(accountId uuid.UUID)
}

// pendingActivity is an activity that arrived before the object it
// references. It is retried by the sweeper until the grace window runs
// out.
type pendingActivity struct {
	activity Activity
	raw      []byte
	username string
	deadline time.Time
}

// Processor applies inbound activities exactly once. The activity URI is
// the deduplication key, a keyed mutex serializes activities touching
// the same object, and activities referencing a not-yet-seen object are
// buffered for the grace window instead of being dropped.
type Processor struct {
	db       *db.DB
	conf     *util.AppConfig
	resolver *Resolver
	fanout   *Fanout

	timelines TimelineInvalidator // optional

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   []pendingActivity
}

func NewProcessor(database *db.DB, conf *util.AppConfig, resolver *Resolver) *Processor {
	return &Processor{
		db:       database,
		conf:     conf,
		resolver: resolver,
		fanout:   NewFanout(database),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (p *Processor) SetTimelineInvalidator(t TimelineInvalidator) {
	p.timelines = t
}

// Run drives the grace-window sweeper until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	interval := p.conf.Federation.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Inbox: sweeper started (interval %s, grace window %s)", interval, p.conf.Federation.GraceWindow())
	for {
		select {
		case <-ctx.Done():
			log.Printf("Inbox: sweeper stopped")
			return
		case <-ticker.C:
			p.sweepPending()
		}
	}
}

// HandleInbox processes incoming ActivityPub activities for a local user
func (p *Processor) HandleInbox(w http.ResponseWriter, r *http.Request, username string) {
	remoteIP := r.RemoteAddr

	// Verify HTTP signature
	signature := r.Header.Get("Signature")
	if signature == "" {
		log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecuritySignatureFailure, "", remoteIP, "missing Signature header"))
		metricSignatureFailures.Inc()
		http.Error(w, "Missing signature", http.StatusUnauthorized)
		return
	}

	if err := CheckDateSkew(r, p.conf.Federation.SkewTolerance()); err != nil {
		log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecurityClockSkew, "", remoteIP, err.Error()))
		http.Error(w, "Date header outside tolerance", http.StatusUnauthorized)
		return
	}

	// Read request body
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Parse activity
	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecurityMalformed, "", remoteIP, err.Error()))
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}
	if activity.ID == "" || activity.Type == "" || activity.Actor == "" {
		log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecurityMalformed, activity.Actor, remoteIP, "activity missing id, type or actor"))
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	log.Printf("Inbox: Received %s from %s", activity.Type, activity.Actor)

	if !domain.KnownActivityType(activity.Type) {
		log.Printf("Inbox: %v: %s", domain.ErrUnknownActivityType, activity.Type)
		metricInboxActivities.WithLabelValues(activity.Type, "rejected").Inc()
		http.Error(w, "Unsupported activity type", http.StatusBadRequest)
		return
	}

	// Resolve the signer by the keyId the request was signed with, not
	// by the actor the payload claims.
	keyId, err := SignatureKeyId(r)
	if err != nil {
		log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecuritySignatureFailure, activity.Actor, remoteIP, err.Error()))
		metricSignatureFailures.Inc()
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}
	remoteActor, err := p.resolver.ResolveKey(r.Context(), keyId)
	if err != nil {
		log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecurityKeyUnresolvable, activity.Actor, remoteIP, err.Error()))
		http.Error(w, "Failed to verify actor", http.StatusUnauthorized)
		return
	}

	// Verify the HTTP signature with the signer's public key. On
	// failure, re-fetch the signer once in case the key was rotated.
	if _, err = VerifyRequest(r, remoteActor.PublicKeyPem); err != nil {
		p.resolver.Invalidate(remoteActor.ActorURI)
		if remoteActor, err = p.resolver.ResolveKey(r.Context(), keyId); err == nil {
			_, err = VerifyRequest(r, remoteActor.PublicKeyPem)
		}
		if err != nil {
			log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecuritySignatureFailure, activity.Actor, remoteIP, err.Error()))
			metricSignatureFailures.Inc()
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// The verified signer must be the actor the activity claims.
	if remoteActor.ActorURI != activity.Actor {
		log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecuritySignatureFailure, activity.Actor, remoteIP, "signed by "+remoteActor.ActorURI))
		metricSignatureFailures.Inc()
		http.Error(w, "Signature actor mismatch", http.StatusUnauthorized)
		return
	}

	if err := p.Process(activity, body, username); err != nil {
		if errors.Is(err, domain.ErrMalformedActivity) {
			http.Error(w, "Invalid activity", http.StatusBadRequest)
			return
		}
		log.Printf("Inbox: Failed to process %s: %v", activity.Type, err)
		http.Error(w, "Failed to process activity", http.StatusInternalServerError)
		return
	}

	// Return 202 Accepted
	w.WriteHeader(http.StatusAccepted)
}

// Process deduplicates and applies one verified activity. A replayed
// activity URI whose first application went through is acknowledged
// without side effects; a replay whose first application failed runs
// the side effects again. An activity whose referenced object has not
// arrived yet is buffered and acknowledged.
func (p *Processor) Process(activity Activity, body []byte, username string) error {
	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: domain.ActivityType(activity.Type),
		ActorURI:     activity.Actor,
		ObjectURI:    objectURIOf(activity),
		RawJSON:      string(body),
		Processed:    false,
		Local:        false,
		CreatedAt:    time.Now(),
	}

	inserted, err := p.db.CreateActivity(record)
	if err != nil {
		return fmt.Errorf("failed to store activity: %w", err)
	}
	if !inserted {
		// The dedup row alone does not prove the side effects ran: the
		// first application may have failed after the insert. Only a row
		// marked processed (or one still waiting in the grace-window
		// buffer) is acknowledged without re-applying.
		err, stored := p.db.ReadActivityByURI(activity.ID)
		if err != nil || stored == nil {
			return fmt.Errorf("failed to read stored activity %s: %w", activity.ID, err)
		}
		if stored.Processed || p.isBuffered(activity.ID) {
			log.Printf("Inbox: Activity %s already seen, acknowledging", activity.ID)
			metricInboxActivities.WithLabelValues(activity.Type, "duplicate").Inc()
			return nil
		}
		log.Printf("Inbox: Activity %s seen but never applied, retrying", activity.ID)
	}

	if err := p.apply(activity, body, username); err != nil {
		if errors.Is(err, domain.ErrReferencedObjectMissing) {
			p.buffer(activity, body, username)
			metricInboxActivities.WithLabelValues(activity.Type, "buffered").Inc()
			return nil
		}
		metricInboxActivities.WithLabelValues(activity.Type, "failed").Inc()
		return err
	}

	if err := p.db.MarkActivityApplied(activity.ID); err != nil {
		log.Printf("Inbox: Failed to mark %s applied: %v", activity.ID, err)
	}
	metricInboxActivities.WithLabelValues(activity.Type, "applied").Inc()
	return nil
}

// apply dispatches under the per-subject lock, so two activities touching
// the same object never interleave their counter transitions.
func (p *Processor) apply(activity Activity, body []byte, username string) error {
	subject := objectURIOf(activity)
	if subject == "" {
		subject = activity.Actor
	}
	lock := p.subjectLock(subject)
	lock.Lock()
	defer lock.Unlock()

	err, target := p.db.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("local account %s not found: %w", username, err)
	}

	switch domain.ActivityType(activity.Type) {
	case domain.TypeFollow:
		return p.handleFollowActivity(body, target)
	case domain.TypeAccept:
		return p.handleAcceptActivity(activity, body)
	case domain.TypeReject:
		return p.handleRejectActivity(activity, body)
	case domain.TypeUndo:
		return p.handleUndoActivity(activity, body)
	case domain.TypeLike:
		return p.handleLikeActivity(activity)
	case domain.TypeAnnounce:
		return p.handleAnnounceActivity(activity)
	case domain.TypeCreate:
		return p.handleCreateActivity(activity, body, target)
	case domain.TypeDelete:
		return p.handleDeleteActivity(activity)
	}
	return domain.ErrUnknownActivityType
}

func (p *Processor) subjectLock(subject string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[subject]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[subject] = lock
	}
	return lock
}

func (p *Processor) buffer(activity Activity, body []byte, username string) {
	deadline := time.Now().Add(p.conf.Federation.GraceWindow())
	p.pendingMu.Lock()
	p.pending = append(p.pending, pendingActivity{
		activity: activity,
		raw:      body,
		username: username,
		deadline: deadline,
	})
	p.pendingMu.Unlock()
	log.Printf("Inbox: Buffered %s %s until %s (referenced object missing)", activity.Type, activity.ID, deadline.Format(time.RFC3339))
}

func (p *Processor) isBuffered(activityURI string) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for _, item := range p.pending {
		if item.activity.ID == activityURI {
			return true
		}
	}
	return false
}

// sweepPending retries buffered activities. Whatever still references a
// missing object after the grace window is dropped.
func (p *Processor) sweepPending() {
	p.pendingMu.Lock()
	batch := p.pending
	p.pending = nil
	p.pendingMu.Unlock()

	if len(batch) == 0 {
		return
	}

	var keep []pendingActivity
	for _, item := range batch {
		err := p.apply(item.activity, item.raw, item.username)
		if err == nil {
			if err := p.db.MarkActivityApplied(item.activity.ID); err != nil {
				log.Printf("Inbox: Failed to mark %s applied: %v", item.activity.ID, err)
			}
			metricInboxActivities.WithLabelValues(item.activity.Type, "applied").Inc()
			continue
		}
		if !errors.Is(err, domain.ErrReferencedObjectMissing) {
			log.Printf("Inbox: Dropping buffered %s %s: %v", item.activity.Type, item.activity.ID, err)
			metricInboxActivities.WithLabelValues(item.activity.Type, "failed").Inc()
			continue
		}
		if time.Now().After(item.deadline) {
			log.Printf("Inbox: Grace window expired for %s %s, dropping", item.activity.Type, item.activity.ID)
			metricInboxActivities.WithLabelValues(item.activity.Type, "expired").Inc()
			continue
		}
		keep = append(keep, item)
	}

	if len(keep) > 0 {
		p.pendingMu.Lock()
		p.pending = append(p.pending, keep...)
		p.pendingMu.Unlock()
	}
}

// PendingCount reports how many activities sit in the grace-window
// buffer.
func (p *Processor) PendingCount() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

// handleFollowActivity processes a remote Follow of a local account. The
// edge is created pending when the target is locked, accepted otherwise,
// and an accepted edge answers with an Accept delivery.
func (p *Processor) handleFollowActivity(body []byte, target *domain.Account) error {
	var follow FollowActivity
	if err := json.Unmarshal(body, &follow); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedActivity, err)
	}

	remoteActor, err := p.resolver.Resolve(context.Background(), follow.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve follower: %w", err)
	}

	log.Printf("Inbox: Processing Follow from %s@%s", remoteActor.Username, remoteActor.Domain)

	status := domain.FollowAccepted
	if target.Locked {
		status = domain.FollowPending
	}

	followRecord := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remoteActor.Id, // The follower
		TargetAccountId: target.Id,      // The target being followed
		URI:             follow.ID,
		Status:          status,
		CreatedAt:       time.Now(),
	}

	created, err := p.db.CreateFollow(followRecord)
	if err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}
	if !created {
		log.Printf("Inbox: Follow edge %s@%s -> %s already exists", remoteActor.Username, remoteActor.Domain, target.Username)
		return nil
	}

	if status == domain.FollowAccepted {
		p.fanout.Notify(target.Id, &remoteActor.Id, domain.NotifyFollow, follow.ID, nil)
		if err := SendAccept(p.db, target, remoteActor, follow.ID, p.conf); err != nil {
			return fmt.Errorf("failed to send Accept: %w", err)
		}
		log.Printf("Inbox: Accepted follow from %s@%s", remoteActor.Username, remoteActor.Domain)
	} else {
		p.fanout.Notify(target.Id, &remoteActor.Id, domain.NotifyFollowRequest, follow.ID, nil)
		log.Printf("Inbox: Follow request from %s@%s pending approval", remoteActor.Username, remoteActor.Domain)
	}
	return nil
}

// handleAcceptActivity processes an Accept of a Follow we sent. Only the
// pending->accepted transition moves counters; a repeated Accept is a
// no-op.
func (p *Processor) handleAcceptActivity(activity Activity, body []byte) error {
	followURI, err := embeddedObjectURI(body)
	if err != nil {
		return err
	}

	transitioned, err := p.db.AcceptFollowByURI(followURI)
	if err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}
	if !transitioned {
		err, follow := p.db.ReadFollowByURI(followURI)
		if err != nil || follow == nil {
			log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecurityUnknownEdge, activity.Actor, "", "Accept for unknown follow "+followURI))
			return nil
		}
		// Already accepted
		return nil
	}

	err, follow := p.db.ReadFollowByURI(followURI)
	if err == nil && follow != nil {
		var from *uuid.UUID
		if err, remote := p.db.ReadRemoteAccountByURI(activity.Actor); err == nil && remote != nil {
			from = &remote.Id
		}
		p.fanout.Notify(follow.AccountId, from, domain.NotifyFollow, activity.ID, nil)
		if p.timelines != nil {
			p.timelines.InvalidateUser(follow.AccountId)
		}
	}

	log.Printf("Inbox: Follow %s was accepted by %s", followURI, activity.Actor)
	return nil
}

// handleRejectActivity processes a Reject of a Follow. A pending edge
// transitions to rejected; an already accepted edge is torn down with
// its counters; an unknown edge is a no-op.
func (p *Processor) handleRejectActivity(activity Activity, body []byte) error {
	followURI, err := embeddedObjectURI(body)
	if err != nil {
		return err
	}

	transitioned, err := p.db.RejectFollowByURI(followURI)
	if err != nil {
		return fmt.Errorf("failed to reject follow: %w", err)
	}
	if transitioned {
		log.Printf("Inbox: Follow %s was rejected by %s", followURI, activity.Actor)
		return nil
	}

	removed, err := p.db.RemoveFollowByURI(followURI)
	if err != nil {
		return fmt.Errorf("failed to remove follow: %w", err)
	}
	if removed {
		log.Printf("Inbox: Accepted follow %s revoked by %s", followURI, activity.Actor)
		return nil
	}

	log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecurityUnknownEdge, activity.Actor, "", "Reject for unknown follow "+followURI))
	return nil
}

// handleUndoActivity processes an Undo of a Follow, Like or Announce.
// Undoing something we never saw is a no-op.
func (p *Processor) handleUndoActivity(activity Activity, body []byte) error {
	var undo struct {
		Type   string          `json:"type"`
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &undo); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedActivity, err)
	}

	var obj struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(undo.Object, &obj); err != nil {
		return fmt.Errorf("%w: failed to parse Undo object: %v", domain.ErrMalformedActivity, err)
	}

	var removed bool
	var err error
	switch domain.ActivityType(obj.Type) {
	case domain.TypeFollow:
		removed, err = p.db.RemoveFollowByURI(obj.ID)
	case domain.TypeLike:
		removed, err = p.db.RemoveFavouriteByURI(obj.ID)
	case domain.TypeAnnounce:
		removed, err = p.db.RemoveAnnounceByURI(obj.ID)
	default:
		log.Printf("Inbox: Undo for unsupported object type %s, ignoring", obj.Type)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to undo %s: %w", obj.Type, err)
	}
	if !removed {
		log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecurityUnknownEdge, activity.Actor, "", fmt.Sprintf("Undo %s for unknown %s", obj.Type, obj.ID)))
		return nil
	}

	log.Printf("Inbox: Undid %s %s from %s", obj.Type, obj.ID, activity.Actor)
	return nil
}

// handleLikeActivity processes a Like of a local note. A Like arriving
// before the note it references waits in the grace-window buffer.
func (p *Processor) handleLikeActivity(activity Activity) error {
	noteURI := objectURIOf(activity)
	if noteURI == "" {
		return fmt.Errorf("%w: Like without object", domain.ErrMalformedActivity)
	}

	err, note := p.db.ReadNoteByObjectURI(noteURI)
	if err != nil || note == nil {
		return fmt.Errorf("%w: %s", domain.ErrReferencedObjectMissing, noteURI)
	}
	if note.DeletedAt != nil {
		log.Printf("Inbox: Like for deleted note %s, ignoring", noteURI)
		return nil
	}

	remoteActor, err := p.resolver.Resolve(context.Background(), activity.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve actor: %w", err)
	}

	created, err := p.db.CreateFavourite(&domain.Favourite{
		Id:        uuid.New(),
		AccountId: remoteActor.Id,
		NoteId:    note.Id,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create favourite: %w", err)
	}
	if !created {
		return nil
	}

	if err, author := p.db.ReadAccByUsername(note.CreatedBy); err == nil && author != nil {
		p.fanout.Notify(author.Id, &remoteActor.Id, domain.NotifyFavourite, activity.ID, &note.Id)
	}
	log.Printf("Inbox: %s@%s favourited note %s", remoteActor.Username, remoteActor.Domain, note.Id)
	return nil
}

// handleAnnounceActivity processes an Announce (reblog) of a local note,
// with the same buffering as Like.
func (p *Processor) handleAnnounceActivity(activity Activity) error {
	noteURI := objectURIOf(activity)
	if noteURI == "" {
		return fmt.Errorf("%w: Announce without object", domain.ErrMalformedActivity)
	}

	err, note := p.db.ReadNoteByObjectURI(noteURI)
	if err != nil || note == nil {
		return fmt.Errorf("%w: %s", domain.ErrReferencedObjectMissing, noteURI)
	}
	if note.DeletedAt != nil {
		log.Printf("Inbox: Announce for deleted note %s, ignoring", noteURI)
		return nil
	}

	remoteActor, err := p.resolver.Resolve(context.Background(), activity.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve actor: %w", err)
	}

	created, err := p.db.CreateAnnounce(&domain.Announce{
		Id:        uuid.New(),
		AccountId: remoteActor.Id,
		NoteId:    note.Id,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create announce: %w", err)
	}
	if !created {
		return nil
	}

	if err, author := p.db.ReadAccByUsername(note.CreatedBy); err == nil && author != nil {
		p.fanout.Notify(author.Id, &remoteActor.Id, domain.NotifyReblog, activity.ID, &note.Id)
	}
	log.Printf("Inbox: %s@%s announced note %s", remoteActor.Username, remoteActor.Domain, note.Id)
	return nil
}

// handleCreateActivity processes an incoming post. Posts from actors no
// local account follows are dropped unless they reply to a local note. A
// reply to a local note that has not arrived yet is buffered.
func (p *Processor) handleCreateActivity(activity Activity, body []byte, target *domain.Account) error {
	var create struct {
		ID     string `json:"id"`
		Actor  string `json:"actor"`
		Object struct {
			ID           string `json:"id"`
			Type         string `json:"type"`
			Content      string `json:"content"`
			Published    string `json:"published"`
			AttributedTo string `json:"attributedTo"`
			InReplyTo    string `json:"inReplyTo"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &create); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedActivity, err)
	}
	if create.Object.ID == "" {
		return fmt.Errorf("%w: Create without object id", domain.ErrMalformedActivity)
	}

	remoteActor, err := p.resolver.Resolve(context.Background(), activity.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve actor: %w", err)
	}

	isReply := create.Object.InReplyTo != ""
	if isReply && p.isLocalObject(create.Object.InReplyTo) {
		err, parent := p.db.ReadNoteByObjectURI(create.Object.InReplyTo)
		if err != nil || parent == nil {
			return fmt.Errorf("%w: %s", domain.ErrReferencedObjectMissing, create.Object.InReplyTo)
		}
		if parent.DeletedAt == nil {
			if err := p.db.IncrementReplies(parent.ObjectURI, 1); err != nil {
				return fmt.Errorf("failed to bump replies: %w", err)
			}
			if err, author := p.db.ReadAccByUsername(parent.CreatedBy); err == nil && author != nil {
				p.fanout.Notify(author.Id, &remoteActor.Id, domain.NotifyMention, activity.ID, &parent.Id)
			}
		}
	} else if !isReply {
		// Plain post: only keep it if someone here follows the author
		err, follow := p.db.ReadFollowByAccountIds(target.Id, remoteActor.Id)
		if err != nil || follow == nil || follow.Status != domain.FollowAccepted {
			log.Printf("Inbox: Dropping Create from %s, not followed", activity.Actor)
			return nil
		}
	}

	// Store the post so home timelines can rebuild with it included.
	publishedAt := time.Now()
	if t, err := time.Parse(time.RFC3339, create.Object.Published); err == nil {
		publishedAt = t
	}
	note := &domain.Note{
		Id:               uuid.New(),
		Message:          create.Object.Content,
		Visibility:       "public",
		InReplyToURI:     create.Object.InReplyTo,
		ObjectURI:        create.Object.ID,
		FederationStatus: domain.FederationFederated,
		CreatedAt:        publishedAt,
	}
	if err := p.db.CreateRemoteNote(note, remoteActor.Id); err != nil {
		return fmt.Errorf("failed to store remote note: %w", err)
	}

	if p.timelines != nil {
		p.timelines.InvalidateUser(target.Id)
	}
	log.Printf("Inbox: Accepted post %s from %s@%s", create.Object.ID, remoteActor.Username, remoteActor.Domain)
	return nil
}

// handleDeleteActivity processes a Delete: a tombstone for a note, or an
// actor deleting itself. Deleting something already gone is a no-op.
func (p *Processor) handleDeleteActivity(activity Activity) error {
	objectURI := objectURIOf(activity)
	if objectURI == "" {
		return fmt.Errorf("%w: Delete without object", domain.ErrMalformedActivity)
	}

	if objectURI == activity.Actor {
		return p.deleteRemoteActor(activity.Actor)
	}

	err, stored := p.db.ReadActivityByObjectURI(objectURI)
	if err != nil || stored == nil {
		log.Printf("Inbox: No stored activity for deleted object %s, ignoring", objectURI)
		return nil
	}
	if stored.ActorURI != activity.Actor {
		log.Printf("Inbox: %v", domain.NewSecurityEvent(domain.SecurityUnknownEdge, activity.Actor, "", "Delete for object owned by "+stored.ActorURI))
		return nil
	}

	if deleted, err := p.db.MarkNoteDeleted(objectURI); err != nil {
		return fmt.Errorf("failed to tombstone note: %w", err)
	} else if deleted {
		log.Printf("Inbox: Tombstoned remote note %s", objectURI)
	}

	if err := p.db.DeleteActivity(stored.Id); err != nil {
		return fmt.Errorf("failed to delete activity: %w", err)
	}
	log.Printf("Inbox: Deleted activity containing object %s", objectURI)
	return nil
}

// deleteRemoteActor tears down every follow edge the actor participates
// in, one by one so local counters come down with them, then drops the
// cached account.
func (p *Processor) deleteRemoteActor(actorURI string) error {
	err, remote := p.db.ReadRemoteAccountByURI(actorURI)
	if err != nil || remote == nil {
		log.Printf("Inbox: Delete for unknown actor %s, ignoring", actorURI)
		return nil
	}

	err, uris := p.db.ReadFollowURIsInvolving(remote.Id)
	if err != nil {
		return fmt.Errorf("failed to list follows of %s: %w", actorURI, err)
	}
	for _, uri := range uris {
		if _, err := p.db.RemoveFollowByURI(uri); err != nil {
			return fmt.Errorf("failed to remove follow %s: %w", uri, err)
		}
	}

	if _, err := p.db.MarkNotesDeletedByUserId(remote.Id); err != nil {
		return fmt.Errorf("failed to tombstone notes of %s: %w", actorURI, err)
	}

	if err := p.db.DeleteRemoteAccount(remote.Id); err != nil {
		return fmt.Errorf("failed to delete remote account: %w", err)
	}
	p.resolver.Invalidate(actorURI)
	log.Printf("Inbox: Removed actor %s and %d follow edges", actorURI, len(uris))
	return nil
}

func (p *Processor) isLocalObject(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return u.Host == p.conf.Conf.Host
}

// objectURIOf extracts the object URI whether the object is a bare URI
// string or an embedded object.
func objectURIOf(activity Activity) string {
	switch obj := activity.Object.(type) {
	case string:
		return obj
	case map[string]interface{}:
		if id, ok := obj["id"].(string); ok {
			return id
		}
	}
	return ""
}

func embeddedObjectURI(body []byte) (string, error) {
	var outer struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &outer); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedActivity, err)
	}

	// Object may be a bare URI or an embedded activity
	var uri string
	if err := json.Unmarshal(outer.Object, &uri); err == nil {
		return uri, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(outer.Object, &obj); err != nil || obj.ID == "" {
		return "", fmt.Errorf("%w: object has no id", domain.ErrMalformedActivity)
	}
	return obj.ID, nil
}
