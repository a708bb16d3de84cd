package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"html"
	rnd "math/rand"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

func RandomString(length int) string {
	rnd.Seed(time.Now().UnixNano())
	b := make([]byte, length)
	rnd.Read(b)
	return fmt.Sprintf("%x", b)[:length]
}

func NormalizeInput(text string) string {
	normalized := strings.Replace(text, "\n", " ", -1)
	normalized = html.EscapeString(normalized)
	return normalized
}

var nonNickname = regexp.MustCompile(`[^a-z0-9]`)

// Nicknamize reduces a display name to a canonical nickname:
// lowercased, alphanumerics only.
func Nicknamize(name string) string {
	return nonNickname.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "")
}

// NicknameFromURL derives a nickname from an http(s) profile URL,
// using the last path segment, falling back to the first host label.
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
// - "https://alice.example.com/" -> "alice"
func NicknameFromURL(rawurl string) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := strings.TrimPrefix(segments[i], "@")
		if nick := Nicknamize(seg); nick != "" {
			return nick
		}
	}

	labels := strings.Split(parsed.Hostname(), ".")
	if len(labels) > 0 {
		return Nicknamize(labels[0])
	}
	return ""
}

// MintTagURI builds a unique tag URI for an outbound activity, e.g.
// "tag:example.org,2009:follow:https://a.example/:<uuid>". The uuid
// keeps two same-verb activities apart no matter how close together
// they are minted.
func MintTagURI(domain string, parts ...string) string {
	return fmt.Sprintf("tag:%s,%d:%s:%s",
		domain, time.Now().UTC().Year(), strings.Join(parts, ":"), uuid.New())
}

func DateTimeFormat() string {
	return "2006-01-02 15:04:05 CEST"
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

func GeneratePemKeypair() *RsaKeyPair {
	bitSize := 4096

	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		panic(err)
	}

	pub := key.Public()

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PUBLIC KEY",
			Bytes: x509.MarshalPKCS1PublicKey(pub.(*rsa.PublicKey)),
		},
	)

	return &RsaKeyPair{Private: string(keyPEM[:]), Public: string(pubPEM[:])}
}

// LoadOrCreateKeypair returns the instance signing key, generating and
// persisting one on first start.
func LoadOrCreateKeypair() (*RsaKeyPair, error) {
	privPath := ResolveFilePath("salmon.pem")
	pubPath := ResolveFilePath("salmon.pub.pem")

	priv, err := os.ReadFile(privPath)
	if err == nil {
		pub, pubErr := os.ReadFile(pubPath)
		if pubErr != nil {
			return nil, fmt.Errorf("failed to read public key %s: %w", pubPath, pubErr)
		}
		return &RsaKeyPair{Private: string(priv), Public: string(pub)}, nil
	}

	pair := GeneratePemKeypair()
	if err := os.WriteFile(privPath, []byte(pair.Private), 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key %s: %w", privPath, err)
	}
	if err := os.WriteFile(pubPath, []byte(pair.Public), 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key %s: %w", pubPath, err)
	}
	return pair, nil
}
