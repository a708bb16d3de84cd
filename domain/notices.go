package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// Source markers for notices.
const (
	SourceLocal   = "local"
	SourceOStatus = "ostatus"
)

// SaveNotice carries everything needed to create a notice, including
// the audience resolved from an inbound activity.
type SaveNotice struct {
	ProfileId uuid.UUID
	Content   string
	Source    string
	URI       string
	URL       string
	Location  *Location
	Groups    []uuid.UUID
	Replies   []string
}

// Notice is a post, local or federated in.
type Notice struct {
	Id        uuid.UUID
	ProfileId uuid.UUID
	Content   string
	Source    string
	URI       string
	URL       string
	Lat       *float64
	Lon       *float64
	CreatedAt time.Time
}

// NoticeSource records which remote feed a federated notice arrived
// through, and by what channel (push or salmon).
type NoticeSource struct {
	Id         uuid.UUID
	NoticeId   uuid.UUID
	ProfileURI string
	Channel    string
	CreatedAt  time.Time
}

func (n *Notice) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tURI: %s \n\tContent: %s \n\tCreatedAt: %s)", n.Id, n.URI, n.Content, n.CreatedAt)
}
