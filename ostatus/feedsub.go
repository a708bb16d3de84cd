package ostatus

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/db"
	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/feed"
	"github.com/graylingsocial/grayling/util"
)

// Subscriber drives the PuSH subscription state machine for remote
// feeds and maintains the follow edges that hang off it. Pending
// states resolve when the hub calls back, outside this type.
type Subscriber struct {
	database *db.DB
	conf     *util.AppConfig
	disco    *feed.Discoverer
	notifier *Notifier
	hub      *http.Client
}

func NewSubscriber(database *db.DB, conf *util.AppConfig, notifier *Notifier) *Subscriber {
	return &Subscriber{
		database: database,
		conf:     conf,
		disco:    feed.NewDiscoverer(time.Duration(conf.Conf.FetchTimeoutSec) * time.Second),
		notifier: notifier,
		hub:      &http.Client{Timeout: time.Duration(conf.Conf.HubTimeoutSec) * time.Second},
	}
}

// Subscribe asks the hub for updates on the profile's feed. Already
// active or pending subscriptions are a no-op; a pending unsubscribe
// must resolve before a new subscribe may be issued.
func (s *Subscriber) Subscribe(rp *domain.RemoteProfile) error {
	if rp.FeedURI == "" {
		return fmt.Errorf("%w: profile %s has no feed", feed.ErrNoHub, rp.URI)
	}

	err, fs := s.database.EnsureFeedSub(rp.FeedURI)
	if err != nil {
		return err
	}

	switch fs.State {
	case domain.SubStateActive, domain.SubStateSubscribePending:
		return nil
	case domain.SubStateNone, domain.SubStateInactive:
		return s.requestSubscription(fs, "subscribe")
	case domain.SubStateUnsubscribePending:
		return fmt.Errorf("%w: unsubscribe is pending for %s, can't subscribe", ErrInvalidState, rp.FeedURI)
	default:
		return fmt.Errorf("%w: unknown state %q for %s", ErrInvalidState, fs.State, rp.FeedURI)
	}
}

// Unsubscribe tells the hub to stop pushing the profile's feed. Feeds
// that were never subscribed are a no-op; a pending subscribe must
// resolve before an unsubscribe may be issued.
func (s *Subscriber) Unsubscribe(rp *domain.RemoteProfile) error {
	if rp.FeedURI == "" {
		return nil
	}

	err, fs := s.database.EnsureFeedSub(rp.FeedURI)
	if err != nil {
		return err
	}

	switch fs.State {
	case domain.SubStateNone, domain.SubStateInactive, domain.SubStateUnsubscribePending:
		return nil
	case domain.SubStateActive:
		return s.requestSubscription(fs, "unsubscribe")
	case domain.SubStateSubscribePending:
		return fmt.Errorf("%w: feed %s is awaiting subscription, can't unsub", ErrInvalidState, rp.FeedURI)
	default:
		return fmt.Errorf("%w: unknown state %q for %s", ErrInvalidState, fs.State, rp.FeedURI)
	}
}

// requestSubscription issues the hub request and moves the feed into
// the matching pending state. The hub confirms asynchronously on the
// push callback.
func (s *Subscriber) requestSubscription(fs *domain.FeedSub, mode string) error {
	hubURI := fs.HubURI
	if hubURI == "" {
		res, err := s.disco.Discover(fs.URI)
		if err != nil {
			return err
		}
		hubURI = res.HubURI
		if err := s.database.UpdateFeedSubHub(fs.Id, hubURI); err != nil {
			log.Printf("FeedSub: Failed to record hub for %s: %v", fs.URI, err)
		}
	}

	secret := fs.Secret
	if secret == "" {
		secret = util.RandomString(32)
		if err := s.database.UpdateFeedSubSecret(fs.Id, secret); err != nil {
			return err
		}
	}

	form := url.Values{}
	form.Set("hub.callback", s.conf.HubCallbackURL()+"/"+fs.Id.String())
	form.Set("hub.mode", mode)
	form.Set("hub.topic", fs.URI)
	form.Set("hub.verify", "async")
	form.Set("hub.secret", secret)

	resp, err := s.hub.Post(hubURI, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("hub request to %s failed: %w", hubURI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub %s rejected %s for %s: status %d: %s", hubURI, mode, fs.URI, resp.StatusCode, body)
	}

	target := domain.SubStateSubscribePending
	if mode == "unsubscribe" {
		target = domain.SubStateUnsubscribePending
	}

	if err := s.database.UpdateFeedSubState(fs.Id, target); err != nil {
		return err
	}

	log.Printf("FeedSub: Requested %s for %s at hub %s", mode, fs.URI, hubURI)
	return nil
}

// ConfirmState resolves a pending state after the hub verified the
// request on the callback endpoint.
func (s *Subscriber) ConfirmState(feedSubId uuid.UUID, mode string) error {
	err, fs := s.database.ReadFeedSubById(feedSubId)
	if err != nil {
		return err
	}

	switch mode {
	case "subscribe":
		if fs.State != domain.SubStateSubscribePending {
			return fmt.Errorf("%w: subscribe confirmation for %s in state %q", ErrInvalidState, fs.URI, fs.State)
		}
		return s.database.UpdateFeedSubState(fs.Id, domain.SubStateActive)
	case "unsubscribe":
		if fs.State != domain.SubStateUnsubscribePending {
			return fmt.Errorf("%w: unsubscribe confirmation for %s in state %q", ErrInvalidState, fs.URI, fs.State)
		}
		return s.database.UpdateFeedSubState(fs.Id, domain.SubStateInactive)
	default:
		return fmt.Errorf("%w: unknown confirmation mode %q", ErrInvalidState, mode)
	}
}

// SubscribeLocalToRemote follows a remote person on behalf of a local
// user: hub subscription, follow edge, and a best-effort FOLLOW
// notification to the remote actor's salmon endpoint.
func (s *Subscriber) SubscribeLocalToRemote(user *domain.User, rp *domain.RemoteProfile) error {
	if rp.IsGroup() {
		return fmt.Errorf("%w: can't subscribe to a remote group", ErrNotSubscribable)
	}

	if err := s.Subscribe(rp); err != nil {
		return err
	}

	sub := &domain.Subscription{
		Id:         uuid.New(),
		Subscriber: user.ProfileId,
		Subscribed: rp.Local.Id,
		CreatedAt:  time.Now(),
	}
	if err := s.database.CreateSubscription(sub); err != nil {
		if !db.IsConstraintErr(err) {
			return err
		}
		// Already following, nothing more to do.
		return nil
	}

	err, profile := s.database.ReadProfileById(user.ProfileId)
	if err != nil {
		log.Printf("FeedSub: Follow saved but local profile %s unreadable: %v", user.ProfileId, err)
		return nil
	}

	// The remote echo must not block the local follow.
	if !s.notifier.Notify(rp, profile, user.URI, domain.VerbFollow, nil) {
		log.Printf("FeedSub: Follow notification to %s not delivered", rp.URI)
	}

	return nil
}

// SubscribeRemoteToLocal records that a remote person now follows a
// local user, generally in response to a salmon follow notification.
func (s *Subscriber) SubscribeRemoteToLocal(rp *domain.RemoteProfile, user *domain.User) error {
	if rp.IsGroup() {
		return fmt.Errorf("%w: remote groups can't subscribe to local users", ErrNotSubscribable)
	}

	sub := &domain.Subscription{
		Id:         uuid.New(),
		Subscriber: rp.Local.Id,
		Subscribed: user.ProfileId,
		CreatedAt:  time.Now(),
	}
	if err := s.database.CreateSubscription(sub); err != nil {
		if !db.IsConstraintErr(err) {
			return err
		}
		return nil
	}

	log.Printf("FeedSub: %s now follows local user %s", rp.URI, user.Nickname)
	return nil
}

// GarbageCollect drops the hub subscription for a remote profile that
// no local user subscribes to (or, for groups, that has no local
// members left). Reports whether a reclamation happened.
func (s *Subscriber) GarbageCollect(rp *domain.RemoteProfile) (bool, error) {
	var count int
	var err error

	if rp.IsGroup() {
		err, count = s.database.CountGroupMembers(rp.Local.Id)
	} else {
		err, count = s.database.CountSubscribers(rp.Local.Id)
	}
	if err != nil {
		return false, err
	}

	if count > 0 {
		return false, nil
	}

	log.Printf("FeedSub: Unsubscribing from now-unused remote feed %s", rp.FeedURI)
	if err := s.Unsubscribe(rp); err != nil {
		return false, err
	}
	return true, nil
}
