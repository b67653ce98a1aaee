package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"keybot/internal/platform/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "genkey", "stats", "prune"})

	genkey, _, err := root.Find([]string{"genkey"})
	require.NoError(t, err)
	assert.Equal(t, "1", genkey.Flag("count").DefValue)
	assert.NotNil(t, genkey.Flag("owner"))
}

// 以 memory 後端執行 genkey，每次執行都是新的文件
func TestGenKey_MemoryBackend(t *testing.T) {
	prev := config.GetEnv()
	t.Cleanup(func() { config.SetEnv(prev) })

	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: keybot
storage:
  backend: memory
keys:
  prefix: VIP
  privileged_ids: [7]
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LOG_PATH", filepath.Join(dir, "logs"))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"genkey", "-n", "3"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "VIP-"), l)
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"genkey", "--owner", "8"})
	assert.Error(t, root.Execute())
}
