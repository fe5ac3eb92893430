package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFilePrompt_WhenFileMissing_UsesFallback(t *testing.T) {
	t.Parallel()

	p := NewFilePrompt(filepath.Join(t.TempDir(), "prompt.txt"), "fallback")
	assert.Equal(t, "fallback", p.Prompt())
}

func TestNewFilePrompt_WhenFileEmpty_UsesFallback(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("\n  \n"), 0600))

	assert.Equal(t, "fallback", NewFilePrompt(path, "fallback").Prompt())
}

func TestNewFilePrompt_TrimsFileContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("\nYou manage PVE.\n"), 0600))

	assert.Equal(t, "You manage PVE.", NewFilePrompt(path, "fallback").Prompt())
}

func TestFilePrompt_Watch_ReloadsOnWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0600))

	p := NewFilePrompt(path, "fallback")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0600))

	assert.Eventually(t, func() bool { return p.Prompt() == "v2" }, 5*time.Second, 20*time.Millisecond)
}

func TestFilePrompt_Watch_KeepsLastGoodPromptOnRemoval(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0600))

	p := NewFilePrompt(path, "fallback")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.Watch(ctx))

	require.NoError(t, os.Remove(path))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, "v1", p.Prompt())
}

func TestStaticPrompt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "x", StaticPrompt("x").Prompt())
}
