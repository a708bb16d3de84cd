package ostatus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/feed"
)

func TestEnsureByAddressReturnsCached(t *testing.T) {
	database := setupTestDB(t)
	r := NewResolver(database, testConf())

	profile := &domain.Profile{
		Id:        uuid.New(),
		Nickname:  "bob",
		CreatedAt: time.Now(),
	}
	if err := database.CreateProfile(profile); err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}

	rp := &domain.RemoteProfile{
		URI:        "acct:bob@remote.example",
		Local:      domain.PersonRef(profile.Id),
		SalmonURI:  "https://remote.example/salmon/bob",
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
	}
	if err := database.CreateRemoteProfile(rp); err != nil {
		t.Fatalf("CreateRemoteProfile failed: %v", err)
	}

	// A cached acct: URI must short-circuit before any network lookup.
	got, err := r.EnsureByAddress("acct:bob@Remote.Example")
	if err != nil {
		t.Fatalf("EnsureByAddress failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected cached remote profile")
	}
	if got.URI != "acct:bob@remote.example" {
		t.Errorf("Expected cached URI, got '%s'", got.URI)
	}
	if got.Local.Id != profile.Id {
		t.Errorf("Expected local ref %s, got %s", profile.Id, got.Local.Id)
	}
}

func TestCreateMinimalProfile(t *testing.T) {
	database := setupTestDB(t)
	r := NewResolver(database, testConf())

	rp, err := r.createMinimalProfile(
		"acct:carol@remote.example",
		"carol@remote.example",
		"https://remote.example/carol",
		"https://remote.example/salmon/carol")
	if err != nil {
		t.Fatalf("createMinimalProfile failed: %v", err)
	}

	if rp.URI != "acct:carol@remote.example" {
		t.Errorf("Expected acct URI, got '%s'", rp.URI)
	}
	if rp.SalmonURI != "https://remote.example/salmon/carol" {
		t.Errorf("Expected salmon URI, got '%s'", rp.SalmonURI)
	}
	if rp.FeedURI != "" {
		t.Errorf("Minimal profile should have no feed, got '%s'", rp.FeedURI)
	}
	if rp.IsGroup() {
		t.Error("Minimal profile should be a person")
	}

	dbErr, profile := database.ReadProfileById(rp.Local.Id)
	if dbErr != nil {
		t.Fatalf("ReadProfileById failed: %v", dbErr)
	}
	if profile.Nickname != "carol" {
		t.Errorf("Expected nickname 'carol', got '%s'", profile.Nickname)
	}
}

func TestCreateMinimalProfileManyFeedless(t *testing.T) {
	database := setupTestDB(t)
	r := NewResolver(database, testConf())

	// Feed-less profiles share no feed URI; each address must still
	// get its own row.
	first, err := r.createMinimalProfile(
		"acct:bob@one.example", "bob@one.example",
		"", "https://one.example/salmon/bob")
	if err != nil {
		t.Fatalf("First salmon-only profile failed: %v", err)
	}

	second, err := r.createMinimalProfile(
		"acct:eve@two.example", "eve@two.example",
		"", "https://two.example/salmon/eve")
	if err != nil {
		t.Fatalf("Second salmon-only profile failed: %v", err)
	}

	if first.Local.Id == second.Local.Id {
		t.Error("Distinct addresses must not share a local profile")
	}

	dbErr, got := database.ReadRemoteProfileByURI("acct:eve@two.example")
	if dbErr != nil || got == nil {
		t.Fatalf("Second profile not readable: %v", dbErr)
	}
	if got.FeedURI != "" {
		t.Errorf("Expected empty feed URI, got '%s'", got.FeedURI)
	}
}

func TestCreateMinimalProfileConverges(t *testing.T) {
	database := setupTestDB(t)
	r := NewResolver(database, testConf())

	first, err := r.createMinimalProfile(
		"acct:dave@remote.example", "dave@remote.example",
		"", "https://remote.example/salmon/dave")
	if err != nil {
		t.Fatalf("First createMinimalProfile failed: %v", err)
	}

	// A second insert for the same URI loses the race and must
	// return the existing row instead of an error.
	second, err := r.createMinimalProfile(
		"acct:dave@remote.example", "dave@remote.example",
		"", "https://remote.example/salmon/dave")
	if err != nil {
		t.Fatalf("Second createMinimalProfile failed: %v", err)
	}

	if second.Local.Id != first.Local.Id {
		t.Errorf("Expected convergence on local ref %s, got %s", first.Local.Id, second.Local.Id)
	}
}

func TestSenderAddress(t *testing.T) {
	tests := []struct {
		name  string
		entry *feed.AtomEntry
		want  string
	}{
		{
			name: "acct actor",
			entry: &feed.AtomEntry{
				Actor: &feed.AtomPerson{URI: "acct:Bob@Example.org"},
			},
			want: "bob@example.org",
		},
		{
			name: "profile url actor",
			entry: &feed.AtomEntry{
				Actor: &feed.AtomPerson{URI: "https://example.org/user/alice"},
			},
			want: "alice@example.org",
		},
		{
			name: "author fallback",
			entry: &feed.AtomEntry{
				Author: &feed.AtomPerson{URI: "acct:carol@example.org"},
			},
			want: "carol@example.org",
		},
		{
			name: "actor id when uri missing",
			entry: &feed.AtomEntry{
				Actor: &feed.AtomPerson{Id: "https://example.org/@dave"},
			},
			want: "dave@example.org",
		},
		{
			name:  "no person at all",
			entry: &feed.AtomEntry{},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := senderAddress(tt.entry); got != tt.want {
				t.Errorf("senderAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}
