package ostatus

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/feed"
	"github.com/graylingsocial/grayling/util"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	// Small key, test signing only.
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func TestNotifyWithoutSalmonEndpoint(t *testing.T) {
	notifier := NewNotifier(testConf(), &fakeDeliverer{})

	rp := &domain.RemoteProfile{
		URI:   "https://remote.example/user/1",
		Local: domain.PersonRef(uuid.New()),
		// No salmon endpoint.
	}
	actor := &domain.Profile{Id: uuid.New(), Nickname: "alice"}

	if notifier.Notify(rp, actor, "https://local.example/user/alice", domain.VerbFollow, nil) {
		t.Error("Notify without an endpoint must report false")
	}
}

func TestNotifyBuildsFollowEntry(t *testing.T) {
	deliverer := &fakeDeliverer{}
	notifier := NewNotifier(testConf(), deliverer)

	rp := &domain.RemoteProfile{
		URI:       "https://remote.example/user/1",
		Local:     domain.PersonRef(uuid.New()),
		SalmonURI: "https://remote.example/salmon/1",
	}
	actor := &domain.Profile{Id: uuid.New(), Nickname: "alice", Fullname: "Alice Cooper"}

	ok := notifier.Notify(rp, actor, "https://local.example/user/alice", domain.VerbFollow, nil)
	if !ok {
		t.Fatal("Notify should report success")
	}

	if len(deliverer.entries) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(deliverer.entries))
	}

	entry, err := feed.ParseEntry(deliverer.entries[0])
	if err != nil {
		t.Fatalf("Delivered entry should be parseable atom: %v", err)
	}

	act := entry.Activity()
	if act.Verb != domain.VerbFollow {
		t.Errorf("Expected follow verb, got %q", act.Verb)
	}
	if act.Actor == nil || act.Actor.Id != "https://local.example/user/alice" {
		t.Errorf("Unexpected actor %+v", act.Actor)
	}
	if !strings.HasPrefix(act.Id, "tag:local.example,") {
		t.Errorf("Entry id should be a minted tag URI, got %q", act.Id)
	}
}

func TestNotifyDeliveryFailure(t *testing.T) {
	deliverer := &fakeDeliverer{err: errors.New("connection refused")}
	notifier := NewNotifier(testConf(), deliverer)

	rp := &domain.RemoteProfile{
		URI:       "https://remote.example/user/1",
		Local:     domain.PersonRef(uuid.New()),
		SalmonURI: "https://remote.example/salmon/1",
	}
	actor := &domain.Profile{Id: uuid.New(), Nickname: "alice"}

	if notifier.Notify(rp, actor, "https://local.example/user/alice", domain.VerbFollow, nil) {
		t.Error("Failed delivery must report false")
	}
}

func TestMagicEnvelopeRoundtrip(t *testing.T) {
	key := testKey(t)
	client := NewSalmonClient(key, 5*time.Second)

	entry := []byte(`<entry xmlns="http://www.w3.org/2005/Atom"><id>tag:x,2009:1</id></entry>`)

	env, err := client.wrap(entry)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	raw, err := xml.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to serialize envelope: %v", err)
	}

	parsed, payload, err := OpenEnvelope(raw)
	if err != nil {
		t.Fatalf("OpenEnvelope failed: %v", err)
	}
	if string(payload) != string(entry) {
		t.Errorf("Payload mismatch: %s", payload)
	}

	if err := VerifyEnvelope(parsed, &key.PublicKey); err != nil {
		t.Errorf("Signature should verify: %v", err)
	}

	// A different key must not verify.
	other := testKey(t)
	if err := VerifyEnvelope(parsed, &other.PublicKey); err == nil {
		t.Error("Signature must not verify under a different key")
	}
}

func TestOpenEnvelopeRejectsUnknownAlg(t *testing.T) {
	raw := []byte(`<?xml version="1.0"?>
<me:env xmlns:me="http://salmon-protocol.org/ns/magic-env">
  <me:data type="application/atom+xml">aGVsbG8=</me:data>
  <me:encoding>base64url</me:encoding>
  <me:alg>RSA-MD5</me:alg>
  <me:sig>c2ln</me:sig>
</me:env>`)

	if _, _, err := OpenEnvelope(raw); err == nil {
		t.Error("Expected error for unsupported algorithm")
	}
}

func TestOpenEnvelopeRejectsGarbage(t *testing.T) {
	if _, _, err := OpenEnvelope([]byte("nope")); err == nil {
		t.Error("Expected error for non-XML input")
	}
}

func TestSalmonClientPost(t *testing.T) {
	key := testKey(t)

	var contentType string
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewSalmonClient(key, 5*time.Second)
	entry := []byte(`<entry xmlns="http://www.w3.org/2005/Atom"><id>tag:x,2009:1</id></entry>`)

	if err := client.Post(server.URL, entry); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	if contentType != salmonContentType {
		t.Errorf("Expected %s, got %s", salmonContentType, contentType)
	}

	_, payload, err := OpenEnvelope(received)
	if err != nil {
		t.Fatalf("Posted body should be a magic envelope: %v", err)
	}
	if string(payload) != string(entry) {
		t.Errorf("Payload mismatch: %s", payload)
	}
}

func TestSalmonClientPostRejected(t *testing.T) {
	key := testKey(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewSalmonClient(key, 5*time.Second)
	if err := client.Post(server.URL, []byte("<entry/>")); err == nil {
		t.Error("Expected error for rejected delivery")
	}
}

func TestParsePrivateKey(t *testing.T) {
	pair := util.GeneratePemKeypair()

	key, err := ParsePrivateKey([]byte(pair.Private))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if key == nil {
		t.Fatal("Expected a key")
	}

	if _, err := ParsePrivateKey([]byte("not a key")); err == nil {
		t.Error("Expected error for garbage input")
	}
}

func TestPadBase64(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"YQ", "YQ=="},
		{"YWI", "YWI="},
		{"YWJj", "YWJj"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := padBase64(tt.input); got != tt.want {
			t.Errorf("padBase64(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMagicKeyRoundtrip(t *testing.T) {
	key := testKey(t)

	encoded := FormatMagicKey(&key.PublicKey)
	if !strings.HasPrefix(encoded, "data:application/magic-public-key,RSA.") {
		t.Fatalf("Unexpected magic key form: %s", encoded)
	}

	decoded, err := ParseMagicKey(encoded)
	if err != nil {
		t.Fatalf("ParseMagicKey failed: %v", err)
	}
	if decoded.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("Modulus did not survive the roundtrip")
	}
	if decoded.E != key.PublicKey.E {
		t.Errorf("Expected exponent %d, got %d", key.PublicKey.E, decoded.E)
	}

	// The bare form without the data: prefix must parse too.
	bare := strings.TrimPrefix(encoded, "data:application/magic-public-key,")
	if _, err := ParseMagicKey(bare); err != nil {
		t.Errorf("Bare magic key should parse: %v", err)
	}
}

func TestParseMagicKeyRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong algorithm", "DSA.YWJj.AQAB"},
		{"missing exponent", "RSA.YWJj"},
		{"bad base64", "RSA.!!!.AQAB"},
		{"empty modulus", "RSA..AQAB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMagicKey(tt.input); err == nil {
				t.Errorf("ParseMagicKey(%q) should fail", tt.input)
			}
		})
	}
}

func TestVerifiedEnvelopeFromMagicKey(t *testing.T) {
	key := testKey(t)
	client := NewSalmonClient(key, time.Second)

	env, err := client.wrap([]byte("<entry>signed slap</entry>"))
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	// A receiver that only has the webfinger-advertised key form must
	// still be able to verify the envelope.
	pub, err := ParseMagicKey(FormatMagicKey(&key.PublicKey))
	if err != nil {
		t.Fatalf("ParseMagicKey failed: %v", err)
	}
	if err := VerifyEnvelope(env, pub); err != nil {
		t.Errorf("Envelope should verify with the advertised key: %v", err)
	}

	other := testKey(t)
	if err := VerifyEnvelope(env, &other.PublicKey); err == nil {
		t.Error("Envelope must not verify with an unrelated key")
	}
}
