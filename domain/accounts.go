package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// Profile is a person record, local or remote. Remote people get one of
// these when their identity is first resolved.
type Profile struct {
	Id         uuid.UUID
	Nickname   string
	Fullname   string
	ProfileURL string
	AvatarURL  string
	CreatedAt  time.Time
}

// User is a local account. Its URI is the canonical address other
// servers use when replying to this user.
type User struct {
	Id        uuid.UUID
	ProfileId uuid.UUID
	Nickname  string
	URI       string
	CreatedAt time.Time
}

// UserGroup is a group, local or remote.
type UserGroup struct {
	Id        uuid.UUID
	Nickname  string
	Fullname  string
	Homepage  string
	CreatedAt time.Time
}

// GroupMember is a membership edge between a profile and a group.
type GroupMember struct {
	Id        uuid.UUID
	ProfileId uuid.UUID
	GroupId   uuid.UUID
	CreatedAt time.Time
}

// Subscription is a directional follow edge between two profiles.
type Subscription struct {
	Id         uuid.UUID
	Subscriber uuid.UUID
	Subscribed uuid.UUID
	CreatedAt  time.Time
}

func (p *Profile) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tNickname: %s \n\tProfileURL: %s \n\tCreatedAt: %s)", p.Id, p.Nickname, p.ProfileURL, p.CreatedAt)
}
