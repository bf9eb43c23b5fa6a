package domain

import (
	"fmt"
	"time"
)

// SecurityEventKind is the closed set of security event categories.
type SecurityEventKind string

const (
	SecuritySignatureFailure SecurityEventKind = "signature_failure"
	SecurityKeyUnresolvable  SecurityEventKind = "key_unresolvable"
	SecurityClockSkew        SecurityEventKind = "clock_skew"
	SecurityUnknownEdge      SecurityEventKind = "unknown_edge"
	SecurityMalformed        SecurityEventKind = "malformed_activity"
)

// SecurityEvent is a structured record of a rejected or suspicious
// federation interaction. One category per variant, never an open blob.
type SecurityEvent struct {
	Kind     SecurityEventKind
	ActorURI string
	RemoteIP string
	Detail   string
	At       time.Time
}

func NewSecurityEvent(kind SecurityEventKind, actorURI, remoteIP, detail string) SecurityEvent {
	return SecurityEvent{
		Kind:     kind,
		ActorURI: actorURI,
		RemoteIP: remoteIP,
		Detail:   detail,
		At:       time.Now(),
	}
}

func (e SecurityEvent) String() string {
	return fmt.Sprintf("security event %s actor=%s ip=%s: %s", e.Kind, e.ActorURI, e.RemoteIP, e.Detail)
}
