package ostatus

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/db"
	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/feed"
	"github.com/graylingsocial/grayling/util"
)

func testProcessor(t *testing.T, database *db.DB, conf *util.AppConfig) *Processor {
	resolver := NewResolver(database, conf)
	subscriber := NewSubscriber(database, conf, NewNotifier(conf, &fakeDeliverer{}))
	return NewProcessor(database, conf, resolver, subscriber)
}

func postActivity(objectId, content string, attention ...string) *domain.ActivityDocument {
	return &domain.ActivityDocument{
		Id:   objectId,
		Verb: domain.VerbPost,
		Object: &domain.ActivityObject{
			Type:    domain.ObjectNote,
			Id:      objectId,
			Content: content,
			Link:    objectId,
		},
		Context: &domain.ActivityContext{Attention: attention},
		Time:    "2009-09-01T10:00:00Z",
	}
}

func TestProcessPostSavesNotice(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()
	p := testProcessor(t, database, conf)

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	act := postActivity("https://remote.example/notice/1", "hello world")
	notice, err := p.processPost(rp, act, ChannelPush)
	if err != nil {
		t.Fatalf("processPost failed: %v", err)
	}
	if notice == nil {
		t.Fatal("Expected a saved notice")
	}
	if notice.ProfileId != rp.Local.Id {
		t.Errorf("Notice should belong to the feed owner, got %s", notice.ProfileId)
	}
	if notice.Source != domain.SourceOStatus {
		t.Errorf("Expected ostatus source, got %q", notice.Source)
	}
	if notice.URL != "https://remote.example/notice/1" {
		t.Errorf("Unexpected source URL %q", notice.URL)
	}

	// The delivery channel is recorded alongside.
	err2, got := database.ReadNoticeByURI(act.Object.Id)
	if err2 != nil || got == nil {
		t.Fatalf("Notice not readable by URI: %v", err2)
	}
}

func TestProcessPostSuppressesDuplicate(t *testing.T) {
	database := setupTestDB(t)
	p := testProcessor(t, database, testConf())

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	act := postActivity("https://remote.example/notice/1", "hello world")
	first, err := p.processPost(rp, act, ChannelPush)
	if err != nil || first == nil {
		t.Fatalf("First processPost failed: %v", err)
	}

	// Same entry arrives again, e.g. relayed via salmon.
	second, err := p.processPost(rp, act, ChannelSalmon)
	if err != nil {
		t.Fatalf("Duplicate should be suppressed silently: %v", err)
	}
	if second != nil {
		t.Error("Duplicate must not produce a second notice")
	}
}

func TestProcessPostGroupAudience(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()
	p := testProcessor(t, database, conf)

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	g := &domain.UserGroup{Id: uuid.New(), Nickname: "gophers", CreatedAt: time.Now()}
	if err := database.CreateGroup(g); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	member := &domain.GroupMember{
		Id:        uuid.New(),
		ProfileId: rp.Local.Id,
		GroupId:   g.Id,
		CreatedAt: time.Now(),
	}
	if err := database.CreateGroupMember(member); err != nil {
		t.Fatalf("CreateGroupMember failed: %v", err)
	}

	groupURL := conf.GroupURL(g.Id.String())
	act := postActivity("https://remote.example/notice/2", "hello group", groupURL)

	notice, err := p.processPost(rp, act, ChannelPush)
	if err != nil {
		t.Fatalf("processPost failed: %v", err)
	}

	err2, groups := database.ReadNoticeGroups(notice.Id)
	if err2 != nil {
		t.Fatalf("ReadNoticeGroups failed: %v", err2)
	}
	if len(groups) != 1 || groups[0] != g.Id {
		t.Errorf("Expected group delivery to %s, got %v", g.Id, groups)
	}
}

func TestProcessPostRemoteGroupAudience(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()
	p := testProcessor(t, database, conf)

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	// A remote group we track, with local members subscribed to it.
	g := &domain.UserGroup{Id: uuid.New(), Nickname: "fedigophers", CreatedAt: time.Now()}
	if err := database.CreateGroup(g); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	group := &domain.RemoteProfile{
		URI:        "https://groups.example/fedigophers",
		Local:      domain.GroupRef(g.Id),
		FeedURI:    "https://groups.example/fedigophers/feed",
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
	}
	if err := database.CreateRemoteProfile(group); err != nil {
		t.Fatalf("CreateRemoteProfile failed: %v", err)
	}

	// A remote person we also track, mentioned in the same entry.
	peer := remotePerson(t, database, "https://remote.example/user/2", "https://remote.example/feed/2", "")

	act := postActivity("https://remote.example/notice/7", "hello fedi group",
		group.URI, peer.URI)

	notice, err := p.processPost(rp, act, ChannelPush)
	if err != nil {
		t.Fatalf("processPost failed: %v", err)
	}

	err2, groups := database.ReadNoticeGroups(notice.Id)
	if err2 != nil {
		t.Fatalf("ReadNoticeGroups failed: %v", err2)
	}
	if len(groups) != 1 || groups[0] != g.Id {
		t.Errorf("Mention of known remote group must deliver to its local group, got %v", groups)
	}

	// The mentioned remote person is their own server's business.
	err3, replies := database.ReadNoticeReplies(notice.Id)
	if err3 != nil {
		t.Fatalf("ReadNoticeReplies failed: %v", err3)
	}
	if len(replies) != 0 {
		t.Errorf("Known remote person mention must not become a reply, got %v", replies)
	}
}

func TestProcessPostDropsNonMemberGroupMention(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()
	p := testProcessor(t, database, conf)

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	g := &domain.UserGroup{Id: uuid.New(), Nickname: "gophers", CreatedAt: time.Now()}
	if err := database.CreateGroup(g); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	// The author is NOT a member.

	groupURL := conf.GroupURL(g.Id.String())
	act := postActivity("https://remote.example/notice/3", "spam", groupURL)

	notice, err := p.processPost(rp, act, ChannelPush)
	if err != nil {
		t.Fatalf("processPost failed: %v", err)
	}
	if notice == nil {
		t.Fatal("The notice itself is still saved, only the mention is dropped")
	}

	err2, groups := database.ReadNoticeGroups(notice.Id)
	if err2 != nil {
		t.Fatalf("ReadNoticeGroups failed: %v", err2)
	}
	if len(groups) != 0 {
		t.Errorf("Non-member group mention must be dropped, got %v", groups)
	}
}

func TestProcessPostLocalUserReply(t *testing.T) {
	database := setupTestDB(t)
	p := testProcessor(t, database, testConf())

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	profile := &domain.Profile{Id: uuid.New(), Nickname: "alice", CreatedAt: time.Now()}
	if err := database.CreateProfile(profile); err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}
	user := &domain.User{
		Id:        uuid.New(),
		ProfileId: profile.Id,
		Nickname:  "alice",
		URI:       "https://local.example/user/alice",
		CreatedAt: time.Now(),
	}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	act := postActivity("https://remote.example/notice/4", "@alice hi", user.URI)

	notice, err := p.processPost(rp, act, ChannelSalmon)
	if err != nil {
		t.Fatalf("processPost failed: %v", err)
	}

	err2, replies := database.ReadNoticeReplies(notice.Id)
	if err2 != nil {
		t.Fatalf("ReadNoticeReplies failed: %v", err2)
	}
	if len(replies) != 1 || replies[0] != user.URI {
		t.Errorf("Expected reply to %s, got %v", user.URI, replies)
	}
}

func TestProcessPostIgnoresRemoteMention(t *testing.T) {
	database := setupTestDB(t)
	p := testProcessor(t, database, testConf())

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	act := postActivity("https://remote.example/notice/5", "cc", "https://elsewhere.example/user/zoe")

	notice, err := p.processPost(rp, act, ChannelPush)
	if err != nil {
		t.Fatalf("processPost failed: %v", err)
	}

	err2, replies := database.ReadNoticeReplies(notice.Id)
	if err2 != nil {
		t.Fatalf("ReadNoticeReplies failed: %v", err2)
	}
	if len(replies) != 0 {
		t.Errorf("Remote mentions are not our fan-out, got %v", replies)
	}
}

func TestProcessPostLenientActorMismatch(t *testing.T) {
	database := setupTestDB(t)
	p := testProcessor(t, database, testConf())

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	act := postActivity("https://remote.example/notice/6", "who am i")
	act.Actor = &domain.ActivityObject{
		Type: domain.ObjectPerson,
		Id:   "https://remote.example/user/999",
	}

	// The feed owner stays the author despite the differing actor claim.
	notice, err := p.processPost(rp, act, ChannelPush)
	if err != nil {
		t.Fatalf("processPost failed: %v", err)
	}
	if notice.ProfileId != rp.Local.Id {
		t.Errorf("Author should stay the feed owner, got %s", notice.ProfileId)
	}
}

func TestProcessFeedIsolatesBadEntries(t *testing.T) {
	database := setupTestDB(t)
	p := testProcessor(t, database, testConf())

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	raw := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <id>https://remote.example/feed</id>
  <title>mixed bag</title>
  <entry>
    <title>no id at all</title>
  </entry>
  <entry>
    <id>https://remote.example/notice/7</id>
    <title>fine</title>
    <content>fine</content>
  </entry>
</feed>`

	atom, err := feed.ParseFeed([]byte(raw))
	if err != nil {
		t.Fatalf("ParseFeed failed: %v", err)
	}

	saved := p.ProcessFeed(rp, atom)
	if saved != 1 {
		t.Errorf("Expected 1 saved notice with the bad entry skipped, got %d", saved)
	}

	err2, notice := database.ReadNoticeByURI("https://remote.example/notice/7")
	if err2 != nil || notice == nil {
		t.Errorf("Good entry should have been saved: %v", err2)
	}
}

func TestProcessEntryFollow(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()

	// Serve the remote actor's feed so the resolver can materialize it.
	var actorURI string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, personFeed(actorURI, "bob", "https://remote.example/hub", ""))
	}))
	defer server.Close()
	actorURI = server.URL + "/user/bob"

	p := testProcessor(t, database, conf)

	profile := &domain.Profile{Id: uuid.New(), Nickname: "alice", CreatedAt: time.Now()}
	if err := database.CreateProfile(profile); err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}
	user := &domain.User{
		Id:        uuid.New(),
		ProfileId: profile.Id,
		Nickname:  "alice",
		URI:       "https://local.example/user/alice",
		CreatedAt: time.Now(),
	}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	raw := fmt.Sprintf(`<entry xmlns="http://www.w3.org/2005/Atom"
       xmlns:activity="http://activitystrea.ms/spec/1.0/">
  <id>tag:remote.example,2009:follow:1</id>
  <title>bob started following alice</title>
  <activity:verb>http://activitystrea.ms/schema/1.0/follow</activity:verb>
  <activity:actor>
    <activity:object-type>http://activitystrea.ms/schema/1.0/person</activity:object-type>
    <id>%s</id>
    <title>bob</title>
  </activity:actor>
</entry>`, actorURI)

	entry, err := feed.ParseEntry([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEntry failed: %v", err)
	}

	if err := p.ProcessEntry(user, entry); err != nil {
		t.Fatalf("ProcessEntry failed: %v", err)
	}

	err2, count := database.CountSubscribers(user.ProfileId)
	if err2 != nil {
		t.Fatalf("CountSubscribers failed: %v", err2)
	}
	if count != 1 {
		t.Errorf("Expected the remote follow to be recorded, got %d subscribers", count)
	}
}

func TestProcessActivityIgnoresNonPostOnFeed(t *testing.T) {
	database := setupTestDB(t)
	p := testProcessor(t, database, testConf())

	rp := remotePerson(t, database, "https://remote.example/user/1", "https://remote.example/feed", "")

	act := &domain.ActivityDocument{
		Id:   "tag:remote.example,2009:favorite:1",
		Verb: domain.VerbFavorite,
	}

	notice, err := p.processActivity(rp, act, ChannelPush)
	if err != nil {
		t.Fatalf("processActivity failed: %v", err)
	}
	if notice != nil {
		t.Error("Non-post feed activity must not create a notice")
	}
}

func TestProcessEntryUnfollowReclaims(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()

	var hubMode string
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		hubMode = r.PostForm.Get("hub.mode")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hub.Close()

	p := testProcessor(t, database, conf)

	// Remote bob with an actively tracked feed, following local alice.
	rp := remotePerson(t, database, "https://remote.example/user/bob", "https://remote.example/feed/bob", "")
	fs := trackedFeed(t, database, rp.FeedURI, hub.URL, domain.SubStateActive)

	profile := &domain.Profile{Id: uuid.New(), Nickname: "alice", CreatedAt: time.Now()}
	if err := database.CreateProfile(profile); err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}
	user := &domain.User{
		Id:        uuid.New(),
		ProfileId: profile.Id,
		Nickname:  "alice",
		URI:       "https://local.example/user/alice",
		CreatedAt: time.Now(),
	}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	sub := &domain.Subscription{Id: uuid.New(), Subscriber: rp.Local.Id, Subscribed: profile.Id, CreatedAt: time.Now()}
	if err := database.CreateSubscription(sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	raw := fmt.Sprintf(`<entry xmlns="http://www.w3.org/2005/Atom"
       xmlns:activity="http://activitystrea.ms/spec/1.0/">
  <id>tag:remote.example,2009:unfollow:1</id>
  <title>bob stopped following alice</title>
  <activity:verb>http://ostatus.org/schema/1.0/unfollow</activity:verb>
  <activity:actor>
    <activity:object-type>http://activitystrea.ms/schema/1.0/person</activity:object-type>
    <id>%s</id>
    <title>bob</title>
  </activity:actor>
</entry>`, rp.URI)

	entry, err := feed.ParseEntry([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEntry failed: %v", err)
	}

	if err := p.ProcessEntry(user, entry); err != nil {
		t.Fatalf("ProcessEntry failed: %v", err)
	}

	err2, count := database.CountSubscribers(profile.Id)
	if err2 != nil {
		t.Fatalf("CountSubscribers failed: %v", err2)
	}
	if count != 0 {
		t.Errorf("Expected follow edge gone, got %d", count)
	}

	// Nobody local reads bob's feed, the hub subscription goes too.
	if hubMode != "unsubscribe" {
		t.Errorf("Expected hub unsubscribe request, got %q", hubMode)
	}
	err3, after := database.ReadFeedSubById(fs.Id)
	if err3 != nil {
		t.Fatalf("ReadFeedSubById failed: %v", err3)
	}
	if after.State != domain.SubStateUnsubscribePending {
		t.Errorf("Expected state %q, got %q", domain.SubStateUnsubscribePending, after.State)
	}
}

func TestProcessEntryUnfollowKeepsWantedFeed(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()
	p := testProcessor(t, database, conf)

	rp := remotePerson(t, database, "https://remote.example/user/bob", "https://remote.example/feed/bob", "")
	fs := trackedFeed(t, database, rp.FeedURI, "https://remote.example/hub", domain.SubStateActive)

	aliceProfile := &domain.Profile{Id: uuid.New(), Nickname: "alice", CreatedAt: time.Now()}
	if err := database.CreateProfile(aliceProfile); err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}
	user := &domain.User{
		Id:        uuid.New(),
		ProfileId: aliceProfile.Id,
		Nickname:  "alice",
		URI:       "https://local.example/user/alice",
		CreatedAt: time.Now(),
	}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	// Another local reader still follows bob.
	reader := &domain.Profile{Id: uuid.New(), Nickname: "carol", CreatedAt: time.Now()}
	if err := database.CreateProfile(reader); err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}
	keep := &domain.Subscription{Id: uuid.New(), Subscriber: reader.Id, Subscribed: rp.Local.Id, CreatedAt: time.Now()}
	if err := database.CreateSubscription(keep); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	raw := fmt.Sprintf(`<entry xmlns="http://www.w3.org/2005/Atom"
       xmlns:activity="http://activitystrea.ms/spec/1.0/">
  <id>tag:remote.example,2009:unfollow:2</id>
  <activity:verb>http://ostatus.org/schema/1.0/unfollow</activity:verb>
  <activity:actor>
    <activity:object-type>http://activitystrea.ms/schema/1.0/person</activity:object-type>
    <id>%s</id>
  </activity:actor>
</entry>`, rp.URI)

	entry, err := feed.ParseEntry([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEntry failed: %v", err)
	}

	if err := p.ProcessEntry(user, entry); err != nil {
		t.Fatalf("ProcessEntry failed: %v", err)
	}

	// The feed still has a reader, so the hub subscription stays.
	err2, after := database.ReadFeedSubById(fs.Id)
	if err2 != nil {
		t.Fatalf("ReadFeedSubById failed: %v", err2)
	}
	if after.State != domain.SubStateActive {
		t.Errorf("Expected feed to stay %q, got %q", domain.SubStateActive, after.State)
	}
}
