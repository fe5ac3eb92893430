package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/pvepilot/internal/config"
)

func TestHashToken_IsHexSHA256(t *testing.T) {
	t.Parallel()

	// echo -n "abc" | sha256sum
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashToken("abc"))
}

func TestGenerateToken_HasPrefixAndIsUnique(t *testing.T) {
	t.Parallel()

	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, tokenPrefix))
	assert.Len(t, a, len(tokenPrefix)+64)
	assert.NotEqual(t, a, b)
}

func TestLoadOrCreateToken_WhenNoFile_CreatesToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "api_token")

	token, created, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, strings.HasPrefix(token, tokenPrefix))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadOrCreateToken_CalledTwice_ReturnsSameToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "api_token")

	first, _, err := LoadOrCreateToken(path)
	require.NoError(t, err)

	second, created, err := LoadOrCreateToken(path)
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateToken_WhenEmptyFile_GeneratesNew(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "api_token")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0600))

	token, created, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, token)
}

func TestRotateToken_GeneratesDifferentToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "api_token")

	original, _, err := LoadOrCreateToken(path)
	require.NoError(t, err)

	rotated, err := RotateToken(path)
	require.NoError(t, err)
	assert.NotEqual(t, original, rotated)

	reloaded, _, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Equal(t, rotated, reloaded)
}

func TestTokenSet_Validate(t *testing.T) {
	t.Parallel()

	set, err := NewTokenSet([]config.APITokenEntry{
		{Name: "ci", TokenHash: HashToken("ci-token")},
		{Name: "ops", TokenHash: strings.ToUpper(HashToken("ops-token"))},
	})
	require.NoError(t, err)

	name, ok := set.Validate("ci-token")
	assert.True(t, ok)
	assert.Equal(t, "ci", name)

	name, ok = set.Validate("ops-token")
	assert.True(t, ok)
	assert.Equal(t, "ops", name)

	_, ok = set.Validate("wrong")
	assert.False(t, ok)

	_, ok = set.Validate("")
	assert.False(t, ok)
}

func TestNewTokenSet_WhenHashInvalid_ReturnsError(t *testing.T) {
	t.Parallel()

	_, err := NewTokenSet([]config.APITokenEntry{{Name: "bad", TokenHash: "not-hex"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)

	_, err = NewTokenSet([]config.APITokenEntry{{Name: "short", TokenHash: "abcd"}})
	require.Error(t, err)
}

func TestSetup_WhenTokensConfigured_DoesNotBootstrap(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "api_token")

	set, fresh, err := Setup(config.AuthConfig{
		SecretFile: path,
		APITokens:  []config.APITokenEntry{{Name: "ci", TokenHash: HashToken("x")}},
	})
	require.NoError(t, err)

	assert.Empty(t, fresh)
	assert.Equal(t, 1, set.Len())
	assert.NoFileExists(t, path)
}

func TestSetup_WhenNoTokens_BootstrapsOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "api_token")
	cfg := config.AuthConfig{SecretFile: path}

	set, fresh, err := Setup(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, fresh)

	name, ok := set.Validate(fresh)
	assert.True(t, ok)
	assert.Equal(t, BootstrapTokenName, name)

	set, again, err := Setup(cfg)
	require.NoError(t, err)
	assert.Empty(t, again, "an existing bootstrap token is not shown again")

	_, ok = set.Validate(fresh)
	assert.True(t, ok)
}
