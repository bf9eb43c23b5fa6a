package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

type SaveNote struct {
	UserId  uuid.UUID
	Message string
}

type Note struct {
	Id        uuid.UUID
	CreatedBy string
	Message   string
	CreatedAt time.Time
	DeletedAt *time.Time // nil while the note is live
	// ActivityPub fields
	Visibility       string // "public", "unlisted", "followers", "direct"
	InReplyToURI     string // URI of the note this is replying to
	ObjectURI        string // ActivityPub object URI
	FederationStatus FederationStatus

	// Denormalized engagement counters.
	FavouritesCount int64
	ReblogsCount    int64
	RepliesCount    int64
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tCreatedBy: %s \n\tMessage: %s \n\tCreatedAt: %s)", note.Id, note.CreatedBy, note.Message, note.CreatedAt)
}
