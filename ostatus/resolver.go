package ostatus

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/db"
	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/feed"
	"github.com/graylingsocial/grayling/util"
)

// ProfileHints carries endpoint knowledge picked up along the way (for
// example from a webfinger lookup), saving a re-discovery during
// profile creation.
type ProfileHints struct {
	Nickname   string
	Webfinger  string
	ProfileURL string
	FeedURI    string
	SalmonURI  string
	HubURI     string
}

// Resolver materializes remote identities: given a seed URI, an
// account address or a parsed actor descriptor, it finds or creates
// the matching RemoteProfile.
type Resolver struct {
	database  *db.DB
	conf      *util.AppConfig
	disco     *feed.Discoverer
	webfinger *feed.WebfingerClient
	avatars   *http.Client
}

func NewResolver(database *db.DB, conf *util.AppConfig) *Resolver {
	timeout := time.Duration(conf.Conf.FetchTimeoutSec) * time.Second
	return &Resolver{
		database:  database,
		conf:      conf,
		disco:     feed.NewDiscoverer(timeout),
		webfinger: feed.NewWebfingerClient(timeout),
		avatars:   &http.Client{Timeout: timeout},
	}
}

// EnsureProfileByURI resolves a profile or feed seed URI into a
// RemoteProfile, discovering the canonical feed and reading the
// identity claim out of it. The feed's subject element wins, then the
// feed author, then the first entry's actor and author.
func (r *Resolver) EnsureProfileByURI(seedURI string, hints *ProfileHints) (*domain.RemoteProfile, error) {
	res, err := r.disco.Discover(seedURI)
	if err != nil {
		// A feed without a hub still names an identity, only the
		// subscription will fail later.
		if !errors.Is(err, feed.ErrNoHub) || res == nil {
			return nil, err
		}
	}

	if hints == nil {
		hints = &ProfileHints{}
	}
	hints.FeedURI = res.FeedURI
	hints.SalmonURI = res.SalmonURI
	hints.HubURI = res.HubURI

	atom := res.Feed

	if obj := atom.Subject.ActivityObject(); obj != nil && obj.Id != "" {
		return r.EnsureActivityObjectProfile(obj, hints)
	}

	if obj := atom.Author.ActivityObject(); obj != nil && obj.Id != "" {
		return r.EnsureActivityObjectProfile(obj, hints)
	}

	// Not a very nice feed. Poke around in the first entry.
	if len(atom.Entries) > 0 {
		entry := atom.Entries[0]
		if obj := entry.Actor.ActivityObject(); obj != nil && obj.Id != "" {
			return r.EnsureActivityObjectProfile(obj, hints)
		}
		if obj := entry.Author.ActivityObject(); obj != nil && obj.Id != "" {
			return r.EnsureActivityObjectProfile(obj, hints)
		}
	}

	return nil, fmt.Errorf("%w: no identity claim in feed %s", ErrNoIdentifier, res.FeedURI)
}

// EnsureActorProfile resolves the actor of a parsed activity.
func (r *Resolver) EnsureActorProfile(act *domain.ActivityDocument) (*domain.RemoteProfile, error) {
	return r.EnsureActivityObjectProfile(act.Actor, nil)
}

// EnsureActivityObjectProfile finds the RemoteProfile for a descriptor
// by its canonical identifier, creating one if this identity has never
// been seen before.
func (r *Resolver) EnsureActivityObjectProfile(obj *domain.ActivityObject, hints *ProfileHints) (*domain.RemoteProfile, error) {
	uri, err := canonicalURI(obj)
	if err != nil {
		return nil, err
	}

	dbErr, existing := r.database.ReadRemoteProfileByURI(uri)
	if dbErr == nil && existing != nil {
		return existing, nil
	}
	if dbErr != nil && dbErr != sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", ErrProfileCreation, dbErr)
	}

	return r.createActivityObjectProfile(obj, uri, hints)
}

// canonicalURI picks the descriptor's identifier: its id, falling back
// to its link, both required to be http(s).
func canonicalURI(obj *domain.ActivityObject) (string, error) {
	if obj == nil {
		return "", ErrNoIdentifier
	}
	if isHTTPURI(obj.Id) {
		return obj.Id, nil
	}
	if isHTTPURI(obj.Link) {
		return obj.Link, nil
	}
	return "", fmt.Errorf("%w: id=%q link=%q", ErrNoIdentifier, obj.Id, obj.Link)
}

func isHTTPURI(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

func (r *Resolver) createActivityObjectProfile(obj *domain.ActivityObject, homeURI string, hints *ProfileHints) (*domain.RemoteProfile, error) {
	if hints == nil {
		hints = &ProfileHints{}
	}

	nickname := r.nicknameFor(obj, hints)

	feedURI := hints.FeedURI
	salmonURI := hints.SalmonURI

	if feedURI == "" {
		// Endpoints were not passed down, re-discover from the identity
		// URI. Salmon stays optional either way.
		res, err := r.disco.Discover(homeURI)
		if err != nil && (!errors.Is(err, feed.ErrNoHub) || res == nil) {
			return nil, err
		}
		feedURI = res.FeedURI
		salmonURI = res.SalmonURI
		if hints.HubURI == "" {
			hints.HubURI = res.HubURI
		}
	}

	var local domain.LocalRef

	if obj.Type == domain.ObjectGroup {
		group := &domain.UserGroup{
			Id:        uuid.New(),
			Nickname:  nickname,
			Fullname:  obj.Title,
			Homepage:  homeURI,
			CreatedAt: time.Now(),
		}
		if err := r.database.CreateGroup(group); err != nil {
			return nil, fmt.Errorf("%w: group insert: %v", ErrProfileCreation, err)
		}
		local = domain.GroupRef(group.Id)
	} else {
		profileURL := obj.Link
		if profileURL == "" {
			profileURL = hints.ProfileURL
		}
		profile := &domain.Profile{
			Id:         uuid.New(),
			Nickname:   nickname,
			Fullname:   obj.Title,
			ProfileURL: profileURL,
			CreatedAt:  time.Now(),
		}
		if err := r.database.CreateProfile(profile); err != nil {
			return nil, fmt.Errorf("%w: profile insert: %v", ErrProfileCreation, err)
		}
		local = domain.PersonRef(profile.Id)
	}

	rp := &domain.RemoteProfile{
		URI:        homeURI,
		Local:      local,
		FeedURI:    feedURI,
		SalmonURI:  salmonURI,
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
	}

	if err := r.database.CreateRemoteProfile(rp); err != nil {
		if db.IsConstraintErr(err) {
			// Lost a creation race, the winner's record is canonical.
			rdErr, winner := r.database.ReadRemoteProfileByURI(homeURI)
			if rdErr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("%w: remote profile insert: %v", ErrProfileCreation, err)
	}

	// Track the feed for later subscription handling.
	if feedURI != "" {
		if err, fs := r.database.EnsureFeedSub(feedURI); err != nil {
			log.Printf("Resolver: Failed to track feed %s: %v", feedURI, err)
		} else if fs.HubURI == "" && hints.HubURI != "" {
			if err := r.database.UpdateFeedSubHub(fs.Id, hints.HubURI); err != nil {
				log.Printf("Resolver: Failed to record hub for %s: %v", feedURI, err)
			}
		}
	}

	// Avatar is best-effort, never fails profile creation.
	if obj.Avatar != "" {
		r.updateAvatar(rp, obj.Avatar)
	}

	return rp, nil
}

// nicknameFor derives a nickname: explicit hint, then the identifier
// (acct:/mailto: local-part or URL path), then the display title.
func (r *Resolver) nicknameFor(obj *domain.ActivityObject, hints *ProfileHints) string {
	if hints.Nickname != "" {
		return util.Nicknamize(hints.Nickname)
	}
	if obj.Nickname != "" {
		return util.Nicknamize(obj.Nickname)
	}

	if nick := nicknameFromURI(obj.Id); nick != "" {
		return nick
	}

	if hints.Webfinger != "" {
		if nick := nicknameFromURI("acct:" + hints.Webfinger); nick != "" {
			return nick
		}
	}

	return util.Nicknamize(obj.Title)
}

// nicknameFromURI extracts the local part of an acct:/mailto:
// identifier, or derives one from an http(s) URL.
func nicknameFromURI(uri string) string {
	switch {
	case strings.HasPrefix(uri, "acct:"), strings.HasPrefix(uri, "mailto:"):
		rest := uri[strings.Index(uri, ":")+1:]
		at := strings.Index(rest, "@")
		if at < 0 {
			return ""
		}
		return util.Nicknamize(rest[:at])
	case isHTTPURI(uri):
		return util.NicknameFromURL(uri)
	default:
		return ""
	}
}

// updateAvatar checks the avatar URL is fetchable and records it on
// the local person/group record. Failures are logged only.
func (r *Resolver) updateAvatar(rp *domain.RemoteProfile, avatarURL string) {
	if !isHTTPURI(avatarURL) {
		return
	}

	resp, err := r.avatars.Get(avatarURL)
	if err != nil {
		log.Printf("Resolver: Failed to fetch avatar %s: %v", avatarURL, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("Resolver: Avatar %s returned status %d", avatarURL, resp.StatusCode)
		return
	}

	if rp.Local.Kind != domain.KindPerson {
		return
	}
	if err := r.database.UpdateProfileAvatar(rp.Local.Id, avatarURL); err != nil {
		log.Printf("Resolver: Failed to store avatar for %s: %v", rp.URI, err)
		return
	}
	if err := r.database.TouchRemoteProfile(rp.URI); err != nil {
		log.Printf("Resolver: Failed to touch profile %s: %v", rp.URI, err)
	}
}
