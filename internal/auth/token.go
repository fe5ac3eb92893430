package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btouchard/pvepilot/internal/config"
)

// tokenPrefix marks generated tokens so they are recognisable in logs and
// secret scanners.
const tokenPrefix = "pvp_"

// BootstrapTokenName names the token generated when none is configured.
const BootstrapTokenName = "bootstrap"

// HashToken returns the hex SHA-256 of a token, as stored in
// auth.api_tokens[].token_hash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns a new random bearer token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}

// LoadOrCreateToken reads the bootstrap token from path, or generates and
// persists a new one if the file is missing or empty. created reports
// whether a new token was written.
func LoadOrCreateToken(path string) (token string, created bool, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, false, nil
		}
	}

	token, err = RotateToken(path)
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// RotateToken generates a new bootstrap token, replacing the existing one.
// Clients holding the previous token are rejected from then on.
func RotateToken(path string) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	if err := writeToken(path, token); err != nil {
		return "", err
	}
	return token, nil
}

func writeToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// TokenSet validates bearer tokens against a set of SHA-256 hashes.
// It is immutable after construction.
type TokenSet struct {
	names  []string
	hashes [][]byte
}

// NewTokenSet builds a set from configured entries. Entries whose hash is not
// valid hex are skipped with an error.
func NewTokenSet(entries []config.APITokenEntry) (*TokenSet, error) {
	s := &TokenSet{}
	for _, e := range entries {
		if err := s.addHash(e.Name, e.TokenHash); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a plaintext token under name.
func (s *TokenSet) Add(name, token string) {
	_ = s.addHash(name, HashToken(token))
}

func (s *TokenSet) addHash(name, hash string) error {
	raw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(hash)))
	if err != nil || len(raw) != sha256.Size {
		return fmt.Errorf("token %q: token_hash must be a hex SHA-256 digest", name)
	}
	s.names = append(s.names, name)
	s.hashes = append(s.hashes, raw)
	return nil
}

// Len returns the number of registered tokens.
func (s *TokenSet) Len() int {
	return len(s.hashes)
}

// Validate reports whether token matches a registered hash and returns the
// token's name. Every candidate is compared so timing does not reveal which
// entry matched.
func (s *TokenSet) Validate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(token))

	name, ok := "", false
	for i, h := range s.hashes {
		if subtle.ConstantTimeCompare(sum[:], h) == 1 && !ok {
			name, ok = s.names[i], true
		}
	}
	return name, ok
}

// Setup builds the token set for the server. When no token is configured, a
// bootstrap token is loaded from (or created at) cfg.SecretFile; the token is
// returned only when it was freshly created so the caller can show it once.
func Setup(cfg config.AuthConfig) (*TokenSet, string, error) {
	set, err := NewTokenSet(cfg.APITokens)
	if err != nil {
		return nil, "", err
	}
	if set.Len() > 0 {
		return set, "", nil
	}

	token, created, err := LoadOrCreateToken(cfg.SecretFile)
	if err != nil {
		return nil, "", fmt.Errorf("bootstrap token: %w", err)
	}
	set.Add(BootstrapTokenName, token)

	if created {
		return set, token, nil
	}
	return set, "", nil
}
