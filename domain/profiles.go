package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// ProfileKind says whether a remote profile maps to a local person
// record or a local group record.
type ProfileKind int

const (
	KindPerson ProfileKind = iota
	KindGroup
)

// LocalRef points at the local record backing a remote profile. Exactly
// one kind is ever set; the constructors are the only way to build one.
type LocalRef struct {
	Kind ProfileKind
	Id   uuid.UUID
}

func PersonRef(id uuid.UUID) LocalRef {
	return LocalRef{Kind: KindPerson, Id: id}
}

func GroupRef(id uuid.UUID) LocalRef {
	return LocalRef{Kind: KindGroup, Id: id}
}

// RemoteProfile is a federated identity we have materialized locally.
// URI is its canonical identifier and is immutable once created.
type RemoteProfile struct {
	URI        string
	Local      LocalRef
	FeedURI    string
	SalmonURI  string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// IsGroup reports whether this remote profile represents a group.
func (p *RemoteProfile) IsGroup() bool {
	return p.Local.Kind == KindGroup
}

// NewLocalRef validates a profile_id/group_id column pair read from the
// store. Both set or both empty means the row is corrupt.
func NewLocalRef(profileId, groupId uuid.UUID) (LocalRef, error) {
	hasProfile := profileId != uuid.Nil
	hasGroup := groupId != uuid.Nil

	switch {
	case hasProfile && !hasGroup:
		return PersonRef(profileId), nil
	case hasGroup && !hasProfile:
		return GroupRef(groupId), nil
	case hasProfile && hasGroup:
		return LocalRef{}, fmt.Errorf("remote profile links both person %s and group %s", profileId, groupId)
	default:
		return LocalRef{}, fmt.Errorf("remote profile links neither person nor group")
	}
}

func (p *RemoteProfile) ToString() string {
	return fmt.Sprintf("\n\tURI: %s \n\tFeedURI: %s \n\tSalmonURI: %s \n\tCreatedAt: %s)", p.URI, p.FeedURI, p.SalmonURI, p.CreatedAt)
}
