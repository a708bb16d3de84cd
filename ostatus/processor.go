package ostatus

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/db"
	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/feed"
	"github.com/graylingsocial/grayling/util"
)

// Delivery channels recorded per inbound notice.
const (
	ChannelPush   = "push"
	ChannelSalmon = "salmon"
)

// Processor turns inbound federated entries into local notices. Feed
// pushes and salmon slaps converge on the same post handling; they
// differ only in how the author is pinned down.
type Processor struct {
	database   *db.DB
	conf       *util.AppConfig
	resolver   *Resolver
	subscriber *Subscriber
}

func NewProcessor(database *db.DB, conf *util.AppConfig, resolver *Resolver, subscriber *Subscriber) *Processor {
	return &Processor{
		database:   database,
		conf:       conf,
		resolver:   resolver,
		subscriber: subscriber,
	}
}

// ProcessFeed handles a pushed feed update from the profile's feed.
// Entries are processed in document order; one bad entry is logged
// and skipped, the rest still go through. Returns how many entries
// produced a notice.
func (p *Processor) ProcessFeed(rp *domain.RemoteProfile, atom *feed.AtomFeed) int {
	saved := 0
	for i := range atom.Entries {
		act := atom.Entries[i].Activity()
		notice, err := p.processActivity(rp, act, ChannelPush)
		if err != nil {
			log.Printf("Processor: Entry %s from %s failed: %v", act.Id, rp.URI, err)
			continue
		}
		if notice != nil {
			saved++
		}
	}
	return saved
}

// ProcessEntry handles a single salmon-delivered entry addressed to a
// local user: a reply, a follow or an unfollow.
func (p *Processor) ProcessEntry(user *domain.User, entry *feed.AtomEntry) error {
	act := entry.Activity()

	rp, err := p.resolver.EnsureActorProfile(act)
	if err != nil {
		return fmt.Errorf("can't resolve salmon actor: %w", err)
	}

	switch act.Verb {
	case domain.VerbPost:
		_, err := p.processActivity(rp, act, ChannelSalmon)
		return err
	case domain.VerbFollow:
		return p.subscriber.SubscribeRemoteToLocal(rp, user)
	case domain.VerbUnfollow:
		if rp.IsGroup() {
			return fmt.Errorf("%w: group %s can't unfollow a user", ErrNotSubscribable, rp.URI)
		}
		if err := p.database.DeleteSubscription(rp.Local.Id, user.ProfileId); err != nil {
			return err
		}
		// The feed may have just lost its last local reader.
		if _, err := p.subscriber.GarbageCollect(rp); err != nil {
			log.Printf("Processor: Feed cleanup for %s failed: %v", rp.URI, err)
		}
		return nil
	case domain.VerbJoin, domain.VerbLeave, domain.VerbFavorite:
		log.Printf("Processor: Ignoring %s from %s for %s", act.Verb, rp.URI, user.Nickname)
		return nil
	default:
		log.Printf("Processor: Unknown verb %s from %s", act.Verb, rp.URI)
		return nil
	}
}

// processActivity stores one post activity from the given source
// profile. Non-post verbs arriving on a feed are not notices and are
// skipped.
func (p *Processor) processActivity(rp *domain.RemoteProfile, act *domain.ActivityDocument, channel string) (*domain.Notice, error) {
	if act.Verb != domain.VerbPost {
		return nil, nil
	}
	return p.processPost(rp, act, channel)
}

func (p *Processor) processPost(rp *domain.RemoteProfile, act *domain.ActivityDocument, channel string) (*domain.Notice, error) {
	author, err := p.postAuthor(rp, act)
	if err != nil {
		return nil, err
	}
	if author.IsGroup() {
		return nil, fmt.Errorf("%w: group %s can't author a post", ErrPostCreation, author.URI)
	}

	if act.Object == nil || act.Object.Id == "" {
		return nil, fmt.Errorf("%w: post from %s has no object id", ErrPostCreation, author.URI)
	}

	// Seen before, pushed again or relayed through another channel.
	dbErr, existing := p.database.ReadNoticeByURI(act.Object.Id)
	if dbErr == nil && existing != nil {
		return nil, nil
	}
	if dbErr != nil && dbErr != sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", ErrPostCreation, dbErr)
	}

	sourceURL := act.Object.Link
	if sourceURL == "" {
		sourceURL = act.Object.Id
	}

	save := &domain.SaveNotice{
		ProfileId: author.Local.Id,
		Content:   act.Object.Content,
		Source:    domain.SourceOStatus,
		URI:       act.Object.Id,
		URL:       sourceURL,
	}
	if act.Context != nil {
		save.Location = act.Context.Location
		if err := p.resolveAudience(author, act.Context, save); err != nil {
			return nil, err
		}
	}
	if rp.IsGroup() {
		save.Groups = appendGroup(save.Groups, rp.Local.Id)
	}

	createErr, notice := p.database.CreateNotice(save)
	if createErr != nil {
		if db.IsConstraintErr(createErr) {
			// Lost a race against a concurrent delivery, the winner's
			// notice is the notice.
			dbErr, winner := p.database.ReadNoticeByURI(act.Object.Id)
			if dbErr == nil && winner != nil {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrPostCreation, createErr)
	}

	src := &domain.NoticeSource{
		Id:         uuid.New(),
		NoticeId:   notice.Id,
		ProfileURI: rp.URI,
		Channel:    channel,
		CreatedAt:  time.Now(),
	}
	if err := p.database.CreateNoticeSource(src); err != nil {
		log.Printf("Processor: Notice %s saved but source record failed: %v", notice.Id, err)
	}

	log.Printf("Processor: Saved notice %s from %s via %s", notice.URI, author.URI, channel)
	return notice, nil
}

// postAuthor pins down who wrote the entry. Group feeds relay posts
// from many authors, so the entry actor is resolved as its own
// profile. Person feeds should only carry their owner; a differing
// actor is noted but the feed owner stays the author.
func (p *Processor) postAuthor(rp *domain.RemoteProfile, act *domain.ActivityDocument) (*domain.RemoteProfile, error) {
	if rp.IsGroup() {
		author, err := p.resolver.EnsureActorProfile(act)
		if err != nil {
			return nil, fmt.Errorf("can't resolve author of group post: %w", err)
		}
		return author, nil
	}

	if act.Actor != nil && act.Actor.Id != "" && act.Actor.Id != rp.URI {
		log.Printf("Processor: Entry actor %s doesn't match feed owner %s, keeping owner", act.Actor.Id, rp.URI)
	}
	return rp, nil
}

// resolveAudience walks the entry's attention list and sorts addressed
// parties into group deliveries and user replies. Mentions of local
// groups the author isn't a member of are dropped, mentions of remote
// persons are left for their own servers to handle.
func (p *Processor) resolveAudience(author *domain.RemoteProfile, ctx *domain.ActivityContext, save *domain.SaveNotice) error {
	for _, uri := range ctx.Attention {
		// Known remote profiles first: a tracked remote group fans
		// out to its local members, a remote person is not ours.
		dbErr, mentioned := p.database.ReadRemoteProfileByURI(uri)
		if dbErr != nil && dbErr != sql.ErrNoRows {
			return fmt.Errorf("%w: %v", ErrPostCreation, dbErr)
		}
		if mentioned != nil {
			if mentioned.IsGroup() {
				save.Groups = appendGroup(save.Groups, mentioned.Local.Id)
			}
			continue
		}

		if gid := p.conf.LocalGroupId(uri); gid != "" {
			groupId, err := uuid.Parse(gid)
			if err != nil {
				log.Printf("Processor: Malformed group mention %s", uri)
				continue
			}
			dbErr, member := p.database.IsGroupMember(author.Local.Id, groupId)
			if dbErr != nil {
				return fmt.Errorf("%w: %v", ErrPostCreation, dbErr)
			}
			if !member {
				log.Printf("Processor: Dropping mention of group %s, %s is not a member", uri, author.URI)
				continue
			}
			save.Groups = appendGroup(save.Groups, groupId)
			continue
		}

		dbErr, user := p.database.ReadUserByURI(uri)
		if dbErr == nil && user != nil {
			save.Replies = append(save.Replies, uri)
			continue
		}
		if dbErr != nil && dbErr != sql.ErrNoRows {
			return fmt.Errorf("%w: %v", ErrPostCreation, dbErr)
		}

		// Remote mention, not ours to fan out.
	}
	return nil
}

func appendGroup(groups []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, g := range groups {
		if g == id {
			return groups
		}
	}
	return append(groups, id)
}
