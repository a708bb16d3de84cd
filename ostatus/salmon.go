package ostatus

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/util"
)

const (
	salmonContentType = "application/magic-envelope+xml"
	salmonDataType    = "application/atom+xml"
	salmonEncoding    = "base64url"
	salmonAlgorithm   = "RSA-SHA256"
)

// Deliverer posts a signed payload to a remote salmon endpoint.
// Swapped out in tests.
type Deliverer interface {
	Post(endpoint string, entry []byte) error
}

// Notifier pushes activity entries to remote salmon endpoints. A
// profile without a salmon endpoint simply can't be notified; that is
// reported, not an error.
type Notifier struct {
	conf      *util.AppConfig
	deliverer Deliverer
}

func NewNotifier(conf *util.AppConfig, deliverer Deliverer) *Notifier {
	return &Notifier{conf: conf, deliverer: deliverer}
}

type salmonAuthor struct {
	URI  string `xml:"uri"`
	Name string `xml:"name,omitempty"`
}

type salmonObject struct {
	Type  string `xml:"activity:object-type,omitempty"`
	Id    string `xml:"id,omitempty"`
	Title string `xml:"title,omitempty"`
}

type salmonEntry struct {
	XMLName       xml.Name      `xml:"entry"`
	XmlnsAtom     string        `xml:"xmlns,attr"`
	XmlnsActivity string        `xml:"xmlns:activity,attr"`
	Id            string        `xml:"id"`
	Title         string        `xml:"title"`
	Updated       string        `xml:"updated"`
	Author        salmonAuthor  `xml:"author"`
	Verb          string        `xml:"activity:verb"`
	Object        *salmonObject `xml:"activity:object,omitempty"`
	Content       string        `xml:"content,omitempty"`
}

// Notify sends a single-verb activity entry (follow, join, favorite
// and the like) to the remote profile's salmon endpoint. Reports
// whether the notification went out; remote endpoints are optional
// and failures must never break the local operation that triggered
// the notice.
func (n *Notifier) Notify(rp *domain.RemoteProfile, actor *domain.Profile, actorURI, verb string, object *domain.ActivityObject) bool {
	if rp.SalmonURI == "" {
		return false
	}

	entry := salmonEntry{
		XmlnsAtom:     domain.NsAtom,
		XmlnsActivity: domain.NsActivity,
		Id:            util.MintTagURI(n.conf.Conf.SslDomain, verb, actorURI),
		Title:         fmt.Sprintf("%s %s %s", actor.Nickname, verbLabel(verb), rp.URI),
		Updated:       time.Now().UTC().Format(time.RFC3339),
		Author: salmonAuthor{
			URI:  actorURI,
			Name: actor.Fullname,
		},
		Verb: verb,
		Object: &salmonObject{
			Type: domain.ObjectPerson,
			Id:   rp.URI,
		},
	}
	if rp.IsGroup() {
		entry.Object.Type = domain.ObjectGroup
	}

	return n.deliver(rp.SalmonURI, entry)
}

// NotifyActivity sends a full activity document, typically a reply
// post that mentions the remote profile's owner.
func (n *Notifier) NotifyActivity(rp *domain.RemoteProfile, actor *domain.Profile, actorURI string, doc *domain.ActivityDocument) bool {
	if rp.SalmonURI == "" {
		return false
	}

	entry := salmonEntry{
		XmlnsAtom:     domain.NsAtom,
		XmlnsActivity: domain.NsActivity,
		Id:            doc.Id,
		Updated:       doc.Time,
		Author: salmonAuthor{
			URI:  actorURI,
			Name: actor.Fullname,
		},
		Verb: doc.Verb,
	}
	if entry.Updated == "" {
		entry.Updated = time.Now().UTC().Format(time.RFC3339)
	}
	if doc.Object != nil {
		entry.Title = doc.Object.Title
		entry.Content = doc.Object.Content
	}

	return n.deliver(rp.SalmonURI, entry)
}

func (n *Notifier) deliver(endpoint string, entry salmonEntry) bool {
	body, err := xml.Marshal(entry)
	if err != nil {
		log.Printf("Salmon: Failed to serialize entry %s: %v", entry.Id, err)
		return false
	}

	if err := n.deliverer.Post(endpoint, append([]byte(xml.Header), body...)); err != nil {
		log.Printf("Salmon: Delivery to %s failed: %v", endpoint, err)
		return false
	}
	return true
}

func verbLabel(verb string) string {
	switch verb {
	case domain.VerbFollow:
		return "started following"
	case domain.VerbUnfollow:
		return "stopped following"
	case domain.VerbJoin:
		return "joined"
	case domain.VerbLeave:
		return "left"
	case domain.VerbFavorite:
		return "favorited"
	default:
		return "updated"
	}
}

// MagicEnvelope is the me:env wrapper carrying a signed salmon
// payload.
type MagicEnvelope struct {
	XMLName  xml.Name     `xml:"http://salmon-protocol.org/ns/magic-env env"`
	Data     envelopeData `xml:"data"`
	Encoding string       `xml:"encoding"`
	Alg      string       `xml:"alg"`
	Sig      string       `xml:"sig"`
}

type envelopeData struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// SalmonClient signs payloads with the instance key and posts them as
// magic envelopes.
type SalmonClient struct {
	key    *rsa.PrivateKey
	client *http.Client
}

func NewSalmonClient(key *rsa.PrivateKey, timeout time.Duration) *SalmonClient {
	return &SalmonClient{
		key:    key,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *SalmonClient) Post(endpoint string, entry []byte) error {
	env, err := c.wrap(entry)
	if err != nil {
		return err
	}

	body, err := xml.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize magic envelope: %w", err)
	}

	resp, err := c.client.Post(endpoint, salmonContentType,
		bytes.NewReader(append([]byte(xml.Header), body...)))
	if err != nil {
		return fmt.Errorf("salmon post to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("salmon endpoint %s returned status %d", endpoint, resp.StatusCode)
	}
	return nil
}

func (c *SalmonClient) wrap(entry []byte) (*MagicEnvelope, error) {
	data := base64.URLEncoding.EncodeToString(entry)

	digest := sha256.Sum256([]byte(signingBase(data)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}

	return &MagicEnvelope{
		Data:     envelopeData{Type: salmonDataType, Value: data},
		Encoding: salmonEncoding,
		Alg:      salmonAlgorithm,
		Sig:      base64.URLEncoding.EncodeToString(sig),
	}, nil
}

// signingBase builds the string the salmon signature covers: the
// payload plus its metadata, each part base64url encoded.
func signingBase(data string) string {
	return data +
		"." + base64.URLEncoding.EncodeToString([]byte(salmonDataType)) +
		"." + base64.URLEncoding.EncodeToString([]byte(salmonEncoding)) +
		"." + base64.URLEncoding.EncodeToString([]byte(salmonAlgorithm))
}

// OpenEnvelope parses a magic envelope and returns the enclosed atom
// entry. The signature travels with the envelope; verification
// requires the sender's public key, which callers resolve separately
// via VerifyEnvelope.
func OpenEnvelope(raw []byte) (*MagicEnvelope, []byte, error) {
	var env MagicEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("failed to parse magic envelope: %w", err)
	}

	if env.Encoding != salmonEncoding {
		return nil, nil, fmt.Errorf("unsupported envelope encoding %q", env.Encoding)
	}
	if env.Alg != salmonAlgorithm {
		return nil, nil, fmt.Errorf("unsupported envelope algorithm %q", env.Alg)
	}

	entry, err := base64.URLEncoding.DecodeString(padBase64(env.Data.Value))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode envelope payload: %w", err)
	}
	return &env, entry, nil
}

// VerifyEnvelope checks the envelope signature against the sender's
// public key.
func VerifyEnvelope(env *MagicEnvelope, pub *rsa.PublicKey) error {
	sig, err := base64.URLEncoding.DecodeString(padBase64(env.Sig))
	if err != nil {
		return fmt.Errorf("failed to decode envelope signature: %w", err)
	}

	digest := sha256.Sum256([]byte(signingBase(env.Data.Value)))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("envelope signature mismatch: %w", err)
	}
	return nil
}

// Some implementations strip base64url padding, the decoder wants it
// back.
func padBase64(s string) string {
	for len(s)%4 != 0 {
		s += "="
	}
	return s
}

const magicKeyPrefix = "data:application/magic-public-key,"

// FormatMagicKey renders a public key in the magic-public-key data
// form advertised in webfinger descriptors.
func FormatMagicKey(pub *rsa.PublicKey) string {
	mod := base64.URLEncoding.EncodeToString(pub.N.Bytes())
	exp := base64.URLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	return magicKeyPrefix + "RSA." + mod + "." + exp
}

// ParseMagicKey decodes a magic-public-key value of the form
// "RSA.<modulus>.<exponent>" (base64url components), with or without
// the data: prefix.
func ParseMagicKey(s string) (*rsa.PublicKey, error) {
	s = strings.TrimPrefix(s, magicKeyPrefix)
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] != "RSA" {
		return nil, fmt.Errorf("malformed magic key")
	}

	mod, err := base64.URLEncoding.DecodeString(padBase64(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("malformed magic key modulus: %w", err)
	}
	exp, err := base64.URLEncoding.DecodeString(padBase64(parts[2]))
	if err != nil {
		return nil, fmt.Errorf("malformed magic key exponent: %w", err)
	}

	e := 0
	for _, b := range exp {
		e = e<<8 | int(b)
	}
	if len(mod) == 0 || e == 0 {
		return nil, fmt.Errorf("empty magic key component")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(mod), E: e}, nil
}

// ParsePrivateKey reads a PEM encoded RSA private key, the format
// GeneratePemKeypair writes.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key material")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
