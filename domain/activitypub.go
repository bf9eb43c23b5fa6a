package domain

import (
	"github.com/google/uuid"
	"time"
)

// ActivityType is the closed set of activity kinds the engine applies.
type ActivityType string

const (
	TypeCreate   ActivityType = "Create"
	TypeFollow   ActivityType = "Follow"
	TypeAccept   ActivityType = "Accept"
	TypeReject   ActivityType = "Reject"
	TypeUndo     ActivityType = "Undo"
	TypeLike     ActivityType = "Like"
	TypeAnnounce ActivityType = "Announce"
	TypeDelete   ActivityType = "Delete"
)

// KnownActivityType reports whether t names a supported activity kind.
func KnownActivityType(t string) bool {
	switch ActivityType(t) {
	case TypeCreate, TypeFollow, TypeAccept, TypeReject, TypeUndo, TypeLike, TypeAnnounce, TypeDelete:
		return true
	}
	return false
}

// FollowStatus is the lifecycle of a follow edge. Removing an accepted
// edge is a new Undo/Reject that deletes it, never a back-transition.
type FollowStatus string

const (
	FollowPending  FollowStatus = "pending"
	FollowAccepted FollowStatus = "accepted"
	FollowRejected FollowStatus = "rejected"
)

// DeliveryState is the lifecycle of a queued outbound delivery.
type DeliveryState string

const (
	DeliveryQueued       DeliveryState = "queued"
	DeliveryInFlight     DeliveryState = "in_flight"
	DeliveryDelivered    DeliveryState = "delivered"
	DeliveryDeadLettered DeliveryState = "dead_lettered"
)

// FederationStatus tracks how far a local entity got through delivery.
type FederationStatus string

const (
	FederationPending   FederationStatus = "pending"
	FederationFederated FederationStatus = "federated"
	FederationFailed    FederationStatus = "failed"
	FederationLocalOnly FederationStatus = "local_only"
)

// RemoteAccount represents a cached federated user.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	KeyId          string
	LastFetchedAt  time.Time
}

// Follow represents a follow relationship, unique per
// (account, target account) pair. Self-follows are forbidden.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // the follower, local or remote
	TargetAccountId uuid.UUID // the followee, local or remote
	URI             string    // ActivityPub Follow activity URI
	Status          FollowStatus
	CreatedAt       time.Time
}

// Favourite represents a like on a note, unique per (account, note).
type Favourite struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	URI       string // ActivityPub Like activity URI
	CreatedAt time.Time
}

// Announce represents a reblog of a note, unique per (account, note).
type Announce struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	URI       string // ActivityPub Announce activity URI
	CreatedAt time.Time
}

// Activity is the immutable record of a federated action. ActivityURI is
// globally unique and serves as the deduplication key: a replayed delivery
// with the same URI is acknowledged and otherwise a no-op.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType ActivityType
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryJob is one queued outbound delivery of an activity to a single
// destination inbox. Terminal rows stay around for a retention window
// before the sweeper removes them.
type DeliveryJob struct {
	Id            uuid.UUID
	ActivityURI   string
	InboxURI      string
	Domain        string // destination host, the ordering and breaker unit
	ActivityJSON  string
	SignAs        string // local username whose key signs the request
	Attempts      int
	State         DeliveryState
	NextAttemptAt time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// NotificationType is the closed set of notification kinds.
type NotificationType string

const (
	NotifyFollow        NotificationType = "follow"
	NotifyFollowRequest NotificationType = "follow_request"
	NotifyFavourite     NotificationType = "favourite"
	NotifyReblog        NotificationType = "reblog"
	NotifyMention       NotificationType = "mention"
	NotifyStatus        NotificationType = "status"
	NotifySystem        NotificationType = "system"
)

// Notification is derived from an applied activity, unique per
// (recipient, activity URI) so redelivery cannot duplicate one.
type Notification struct {
	Id            uuid.UUID
	AccountId     uuid.UUID  // recipient
	FromAccountId *uuid.UUID // nil for system notifications
	Type          NotificationType
	ActivityURI   string
	NoteId        *uuid.UUID
	CreatedAt     time.Time
	ReadAt        *time.Time
}
