package feed

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/graylingsocial/grayling/domain"
)

// Link relations used by the OStatus stack.
const (
	RelHub       = "hub"
	RelSalmon    = "salmon"
	RelSelf      = "self"
	RelAlternate = "alternate"
	RelMentioned = "mentioned"
)

// AtomLink is a single atom:link element.
type AtomLink struct {
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
	Href string `xml:"href,attr"`
	Ref  string `xml:"ref,attr"`
}

// AtomPerson covers both atom:author and the activity:subject/actor
// noun forms; feeds in the wild populate different subsets.
type AtomPerson struct {
	ObjectType   string     `xml:"http://activitystrea.ms/spec/1.0/ object-type"`
	Id           string     `xml:"id"`
	URI          string     `xml:"uri"`
	Name         string     `xml:"name"`
	Title        string     `xml:"title"`
	PocoNickname string     `xml:"http://portablecontacts.net/spec/1.0 preferredUsername"`
	Links        []AtomLink `xml:"link"`
}

// AtomObject is an activity:object element inside an entry.
type AtomObject struct {
	ObjectType string     `xml:"http://activitystrea.ms/spec/1.0/ object-type"`
	Id         string     `xml:"id"`
	Title      string     `xml:"title"`
	Content    string     `xml:"content"`
	Links      []AtomLink `xml:"link"`
}

// AtomEntry is one atom:entry with its ActivityStreams extensions.
type AtomEntry struct {
	Id        string       `xml:"id"`
	Title     string       `xml:"title"`
	Content   string       `xml:"content"`
	Published string       `xml:"published"`
	Verb      string       `xml:"http://activitystrea.ms/spec/1.0/ verb"`
	Actor     *AtomPerson  `xml:"http://activitystrea.ms/spec/1.0/ actor"`
	Author    *AtomPerson  `xml:"author"`
	Object    *AtomObject  `xml:"http://activitystrea.ms/spec/1.0/ object"`
	InReplyTo *ThrReplyTo  `xml:"http://purl.org/syndication/thread/1.0 in-reply-to"`
	Point     string       `xml:"http://www.georss.org/georss point"`
	Links     []AtomLink   `xml:"link"`
}

// ThrReplyTo is a thr:in-reply-to element.
type ThrReplyTo struct {
	Ref  string `xml:"ref,attr"`
	Href string `xml:"href,attr"`
}

// AtomFeed is a parsed OStatus feed document.
type AtomFeed struct {
	XMLName xml.Name    `xml:"http://www.w3.org/2005/Atom feed"`
	Id      string      `xml:"id"`
	Title   string      `xml:"title"`
	Logo    string      `xml:"logo"`
	Icon    string      `xml:"icon"`
	Subject *AtomPerson `xml:"http://activitystrea.ms/spec/1.0/ subject"`
	Author  *AtomPerson `xml:"author"`
	Links   []AtomLink  `xml:"link"`
	Entries []AtomEntry `xml:"entry"`
}

// ParseFeed unmarshals an Atom feed document.
func ParseFeed(data []byte) (*AtomFeed, error) {
	var f AtomFeed
	if err := xml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return &f, nil
}

// ParseEntry unmarshals a single standalone atom:entry document, as
// delivered on the salmon endpoint.
func ParseEntry(data []byte) (*AtomEntry, error) {
	var e struct {
		XMLName xml.Name `xml:"http://www.w3.org/2005/Atom entry"`
		AtomEntry
	}
	if err := xml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse entry: %w", err)
	}
	return &e.AtomEntry, nil
}

// GetLink returns the href of the first link with the given rel, or "".
func GetLink(links []AtomLink, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// GetLink returns the feed-level link with the given rel, or "".
func (f *AtomFeed) GetLink(rel string) string {
	return GetLink(f.Links, rel)
}

// ActivityObject converts a parsed person noun into the domain form.
func (p *AtomPerson) ActivityObject() *domain.ActivityObject {
	if p == nil {
		return nil
	}

	obj := &domain.ActivityObject{
		Type:     p.ObjectType,
		Id:       p.Id,
		Title:    p.Title,
		Nickname: p.PocoNickname,
		Avatar:   avatarLink(p.Links),
	}
	if obj.Type == "" {
		obj.Type = domain.ObjectPerson
	}
	if obj.Id == "" {
		obj.Id = p.URI
	}
	if obj.Title == "" {
		obj.Title = p.Name
	}
	obj.Link = GetLink(p.Links, RelAlternate)
	return obj
}

func avatarLink(links []AtomLink) string {
	for _, l := range links {
		if l.Rel == "avatar" || (l.Rel == "" && strings.HasPrefix(l.Type, "image/")) {
			return l.Href
		}
	}
	return ""
}

// Activity converts an entry into a domain ActivityDocument. Entries
// with no explicit verb are plain posts of the entry itself.
func (e *AtomEntry) Activity() *domain.ActivityDocument {
	act := &domain.ActivityDocument{
		Id:   e.Id,
		Verb: e.Verb,
		Time: e.Published,
	}
	if act.Verb == "" {
		act.Verb = domain.VerbPost
	}

	if e.Actor != nil {
		act.Actor = e.Actor.ActivityObject()
	} else if e.Author != nil {
		act.Actor = e.Author.ActivityObject()
	}

	if e.Object != nil {
		act.Object = &domain.ActivityObject{
			Type:    e.Object.ObjectType,
			Id:      e.Object.Id,
			Title:   e.Object.Title,
			Content: e.Object.Content,
			Link:    GetLink(e.Object.Links, RelAlternate),
		}
	} else {
		// No explicit object, the entry itself is the note.
		act.Object = &domain.ActivityObject{
			Type:    domain.ObjectNote,
			Id:      e.Id,
			Title:   e.Title,
			Content: e.Content,
			Link:    GetLink(e.Links, RelAlternate),
		}
	}

	act.Context = e.context()
	return act
}

func (e *AtomEntry) context() *domain.ActivityContext {
	ctx := &domain.ActivityContext{}

	if e.InReplyTo != nil {
		ctx.ReplyToID = e.InReplyTo.Ref
		ctx.ReplyToURL = e.InReplyTo.Href
	}

	for _, l := range e.Links {
		if l.Rel == RelMentioned && l.Href != "" {
			ctx.Attention = append(ctx.Attention, l.Href)
		}
	}

	if loc := parsePoint(e.Point); loc != nil {
		ctx.Location = loc
	}

	return ctx
}

// parsePoint reads a georss:point "lat lon" pair.
func parsePoint(point string) *domain.Location {
	fields := strings.Fields(point)
	if len(fields) != 2 {
		return nil
	}
	lat, err1 := strconv.ParseFloat(fields[0], 64)
	lon, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &domain.Location{Lat: lat, Lon: lon}
}
