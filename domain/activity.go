package domain

// Activity Streams 1.0 verb and object-type URIs used on the wire.
const (
	VerbPost      = "http://activitystrea.ms/schema/1.0/post"
	VerbFollow    = "http://activitystrea.ms/schema/1.0/follow"
	VerbJoin      = "http://activitystrea.ms/schema/1.0/join"
	VerbFavorite  = "http://activitystrea.ms/schema/1.0/favorite"
	VerbUnfollow  = "http://ostatus.org/schema/1.0/unfollow"
	VerbLeave     = "http://ostatus.org/schema/1.0/leave"

	ObjectPerson = "http://activitystrea.ms/schema/1.0/person"
	ObjectGroup  = "http://activitystrea.ms/schema/1.0/group"
	ObjectNote   = "http://activitystrea.ms/schema/1.0/note"
)

// XML namespaces of the protocol stack.
const (
	NsAtom     = "http://www.w3.org/2005/Atom"
	NsActivity = "http://activitystrea.ms/spec/1.0/"
	NsThread   = "http://purl.org/syndication/thread/1.0"
	NsGeoRSS   = "http://www.georss.org/georss"
	NsOStatus  = "http://ostatus.org/schema/1.0"
	NsPoco     = "http://portablecontacts.net/spec/1.0"
)

// ActivityObject describes an actor or object inside an activity: a
// person, group or note, as claimed by the sending feed.
type ActivityObject struct {
	Type     string
	Id       string
	Link     string
	Title    string
	Content  string
	Nickname string
	Avatar   string
}

// Location is an optional georss:point payload.
type Location struct {
	Lat float64
	Lon float64
}

// ActivityContext carries audience and situational data for an entry.
// Attention is the list of addressed recipient URIs.
type ActivityContext struct {
	ReplyToID  string
	ReplyToURL string
	Attention  []string
	Location   *Location
}

// ActivityDocument is one parsed federated activity: actor did verb on
// object. Transient; consumed to produce a Notice and then discarded.
type ActivityDocument struct {
	Id      string
	Verb    string
	Actor   *ActivityObject
	Object  *ActivityObject
	Context *ActivityContext
	Time    string
}
