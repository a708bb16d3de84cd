package domain

import (
	"github.com/google/uuid"
	"time"
)

// SubState is the hub subscription lifecycle state of a feed. Pending
// states resolve to their terminal state only when the hub confirms via
// the push callback.
type SubState string

const (
	SubStateNone               SubState = ""
	SubStateSubscribePending   SubState = "subscribe"
	SubStateActive             SubState = "active"
	SubStateUnsubscribePending SubState = "unsubscribe"
	SubStateInactive           SubState = "inactive"
)

// FeedSub tracks the PuSH subscription for one distinct feed URI.
type FeedSub struct {
	Id          uuid.UUID
	URI         string
	HubURI      string
	Secret      string
	State       SubState
	CreatedAt   time.Time
	ModifiedAt  time.Time
}
