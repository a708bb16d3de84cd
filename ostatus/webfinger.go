package ostatus

import (
	"crypto/rsa"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/db"
	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/feed"
	"github.com/graylingsocial/grayling/util"
)

// EnsureByAddress is the last-resort discovery path: from an account
// address like bob@example.org to a RemoteProfile. Returns (nil, nil)
// when the address resolves to no usable relation links at all.
func (r *Resolver) EnsureByAddress(addr string) (*domain.RemoteProfile, error) {
	addr = feed.CanonicalAddress(addr)
	uri := "acct:" + addr

	dbErr, cached := r.database.ReadRemoteProfileByURI(uri)
	if dbErr == nil && cached != nil {
		return cached, nil
	}
	if dbErr != nil && dbErr != sql.ErrNoRows {
		return nil, dbErr
	}

	links, err := r.webfinger.Lookup(addr)
	if err != nil {
		return nil, err
	}
	if links == nil {
		return nil, nil
	}

	var profileURL, salmonURI, feedURL string
	for _, link := range links {
		switch link.Rel {
		case feed.RelProfilePage:
			profileURL = link.Href
		case feed.RelSalmon:
			salmonURI = link.Href
		case feed.RelUpdatesFrom:
			feedURL = link.Href
		case feed.RelMagicKey:
			// Fetched again at verification time, nothing to keep.
		default:
			log.Printf("Webfinger: Don't know what to do with rel = '%s'", link.Rel)
		}
	}

	hints := &ProfileHints{
		Webfinger:  addr,
		ProfileURL: profileURL,
		SalmonURI:  salmonURI,
	}

	// If we got a feed URL, try that first.
	if feedURL != "" {
		rp, err := r.EnsureProfileByURI(feedURL, hints)
		if err == nil {
			return rp, nil
		}
		log.Printf("Webfinger: Failed creating profile from feed URL '%s': %v", feedURL, err)
	}

	// If we got a profile page, try that.
	if profileURL != "" {
		rp, err := r.EnsureProfileByURI(profileURL, hints)
		if err == nil {
			return rp, nil
		}
		log.Printf("Webfinger: Failed creating profile from profile URL '%s': %v", profileURL, err)
	}

	if salmonURI != "" {
		// An account address, a salmon endpoint, and a dream. Not much
		// to go on, but enough for a linkable identity without a feed.
		return r.createMinimalProfile(uri, addr, profileURL, salmonURI)
	}

	return nil, nil
}

// SenderKey fetches the magic signing key the entry's actor advertises
// over webfinger, for verifying the envelope the entry arrived in.
func (r *Resolver) SenderKey(entry *feed.AtomEntry) (*rsa.PublicKey, error) {
	addr := senderAddress(entry)
	if addr == "" {
		return nil, fmt.Errorf("no resolvable sender address in entry '%s'", entry.Id)
	}

	links, err := r.webfinger.Lookup(addr)
	if err != nil {
		return nil, fmt.Errorf("key lookup for '%s' failed: %w", addr, err)
	}
	for _, link := range links {
		if link.Rel == feed.RelMagicKey {
			return ParseMagicKey(link.Href)
		}
	}
	return nil, fmt.Errorf("no magic key advertised for '%s'", addr)
}

// senderAddress derives an account address from the entry's actor,
// either directly from an acct: URI or as nickname@host of a profile
// URL.
func senderAddress(entry *feed.AtomEntry) string {
	person := entry.Actor
	if person == nil || (person.URI == "" && person.Id == "") {
		person = entry.Author
	}
	if person == nil {
		return ""
	}

	uri := person.URI
	if uri == "" {
		uri = person.Id
	}
	if strings.HasPrefix(uri, "acct:") {
		return feed.CanonicalAddress(uri)
	}

	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return ""
	}
	nick := util.NicknameFromURL(uri)
	if nick == "" {
		nick = util.Nicknamize(person.PocoNickname)
	}
	if nick == "" {
		return ""
	}
	return nick + "@" + u.Host
}

func (r *Resolver) createMinimalProfile(uri, addr, profileURL, salmonURI string) (*domain.RemoteProfile, error) {
	profile := &domain.Profile{
		Id:         uuid.New(),
		Nickname:   nicknameFromURI(uri),
		ProfileURL: profileURL,
		CreatedAt:  time.Now(),
	}
	if err := r.database.CreateProfile(profile); err != nil {
		return nil, fmt.Errorf("%w: profile insert for '%s': %v", ErrProfileCreation, addr, err)
	}

	rp := &domain.RemoteProfile{
		URI:        uri,
		Local:      domain.PersonRef(profile.Id),
		SalmonURI:  salmonURI,
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
	}

	if err := r.database.CreateRemoteProfile(rp); err != nil {
		if db.IsConstraintErr(err) {
			rdErr, winner := r.database.ReadRemoteProfileByURI(uri)
			if rdErr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("%w: remote profile insert for '%s': %v", ErrProfileCreation, addr, err)
	}

	return rp, nil
}
