package ostatus

import "errors"

// The error taxonomy of the federation core. Discovery errors
// (feed.ErrDiscovery, feed.ErrNoHub) live in the feed package.
var (
	// ErrNoIdentifier means an actor or object descriptor carries no
	// usable http(s) URI and can never be resolved to a profile.
	ErrNoIdentifier = errors.New("no identifier URI on descriptor")

	// ErrProfileCreation means persisting the local person/group or
	// the remote profile record failed.
	ErrProfileCreation = errors.New("profile creation failed")

	// ErrInvalidState means a subscription operation was requested
	// from an incompatible lifecycle state.
	ErrInvalidState = errors.New("invalid subscription state")

	// ErrNotSubscribable means a follow operation targeted a group
	// where only a person is allowed.
	ErrNotSubscribable = errors.New("not subscribable")

	// ErrPostCreation means persisting an inbound post failed. Scoped
	// to the single entry, never the whole feed.
	ErrPostCreation = errors.New("post creation failed")
)
