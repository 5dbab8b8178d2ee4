package passwords

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testDescriptors = `passwords:
  - shortname: work
    types: [command]
    command: pass show oidc/work
    lifetime: 1h
  - shortname: home
    types: prompt
`

func TestParseDescriptors(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	entries, err := ParseDescriptors([]byte(testDescriptors), now)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "work", entries[0].Shortname)
	assert.Equal(t, NewTypes(TypeCommand), entries[0].Types)
	assert.Equal(t, "pass show oidc/work", entries[0].Command)
	assert.True(t, entries[0].ExpiresAt.Equal(now.Add(time.Hour)))

	assert.Equal(t, NewTypes(TypePrompt), entries[1].Types)
	assert.True(t, entries[1].ExpiresAt.IsZero())
}

func TestParseDescriptors_Rejects(t *testing.T) {
	tests := map[string]string{
		"secret types": "passwords:\n  - shortname: a\n    types: [memory]\n",
		"bad lifetime": "passwords:\n  - shortname: a\n    types: [prompt]\n    lifetime: soon\n",
		"duplicate":    "passwords:\n  - shortname: a\n    types: [prompt]\n  - shortname: a\n    types: [prompt]\n",
		"no command":   "passwords:\n  - shortname: a\n    types: [command]\n",
		"unknown type": "passwords:\n  - shortname: a\n    types: [carrier-pigeon]\n",
		"not yaml":     "passwords: [",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDescriptors([]byte(doc), time.Now())
			assert.Error(t, err)
		})
	}

	_, err := ParseDescriptors([]byte(tests["secret types"]), time.Now())
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestDescriptorFile_LoadAndReload(t *testing.T) {
	s, b := newTestStore(t)
	path := filepath.Join(t.TempDir(), "passwords.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDescriptors), 0o600))

	d := NewDescriptorFile(path, s, testLogger())
	require.NoError(t, d.Load())
	assert.ElementsMatch(t, []string{"work", "home"}, s.Shortnames())

	b.runner.EXPECT().Run(gomock.Any(), "pass show oidc/work").Return(secret.New("w"), nil)
	got, err := s.Get(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "w", got.Reveal())

	require.NoError(t, os.WriteFile(path, []byte("passwords:\n  - shortname: home\n    types: [prompt]\n"), 0o600))
	require.NoError(t, d.Load())
	assert.Equal(t, []string{"home"}, s.Shortnames())
}

func TestDescriptorFile_MissingFileIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	d := NewDescriptorFile(filepath.Join(t.TempDir(), "absent.yaml"), s, testLogger())
	require.NoError(t, d.Load())
	assert.Equal(t, 0, s.Len())
}

func TestDescriptorFile_WatchReloads(t *testing.T) {
	s, _ := newTestStore(t)
	path := filepath.Join(t.TempDir(), "passwords.yaml")
	require.NoError(t, os.WriteFile(path, []byte("passwords: []\n"), 0o600))

	d := NewDescriptorFile(path, s, testLogger())
	require.NoError(t, d.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(testDescriptors), 0o600))

	assert.Eventually(t, func() bool { return s.Len() == 2 }, 5*time.Second, 20*time.Millisecond)
}
