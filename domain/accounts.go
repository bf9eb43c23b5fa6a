package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// Account represents a local identity participating in federation.
type Account struct {
	Id            uuid.UUID
	Username      string
	CreatedAt     time.Time
	DisplayName   string
	Summary       string
	Locked        bool // follow requests need manual approval
	Suspended     bool
	WebPublicKey  string // PEM, served in the actor document
	WebPrivateKey string // PEM, signs outbound deliveries

	// Denormalized counters, maintained transactionally with the
	// state transition that changes them.
	FollowersCount int64
	FollowingCount int64
	NotesCount     int64
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCreatedAt: %s)", acc.Id, acc.Username, acc.CreatedAt)
}
