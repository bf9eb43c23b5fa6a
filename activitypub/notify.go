package activitypub

import (
	"log"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
	"time"
)

// Fanout converts applied activities into notification records. The
// UNIQUE(recipient, activity) constraint in the store deduplicates, so a
// redelivered activity fans out to nobody twice.
type Fanout struct {
	db *db.DB
}

func NewFanout(database *db.DB) *Fanout {
	return &Fanout{db: database}
}

// Notify writes one notification for one recipient. from is nil for
// system notifications, which carry no sender.
func (f *Fanout) Notify(recipient uuid.UUID, from *uuid.UUID, typ domain.NotificationType, activityURI string, noteId *uuid.UUID) {
	n := &domain.Notification{
		Id:            uuid.New(),
		AccountId:     recipient,
		FromAccountId: from,
		Type:          typ,
		ActivityURI:   activityURI,
		NoteId:        noteId,
		CreatedAt:     time.Now(),
	}
	created, err := f.db.CreateNotification(n)
	if err != nil {
		log.Printf("Fanout: failed to create %s notification for %s: %v", typ, recipient, err)
		return
	}
	if !created {
		// Redelivered activity, notification already exists
		return
	}
	log.Printf("Fanout: %s notification for %s (activity %s)", typ, recipient, activityURI)
}

// System emits a sender-less notification.
func (f *Fanout) System(recipient uuid.UUID, activityURI string) {
	f.Notify(recipient, nil, domain.NotifySystem, activityURI, nil)
}
