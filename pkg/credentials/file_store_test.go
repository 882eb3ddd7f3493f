package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	token, err := Static(" abc ").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = Static("  ").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	store := NewFileStore(path, nil)

	_, err := store.Token(context.Background())
	require.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, store.Save("tok-1"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	fresh := NewFileStore(path, nil)
	token, err := fresh.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	require.NoError(t, fresh.Clear())
	_, err = fresh.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewFileStore(path, nil).Token(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoToken)
}

func TestFileStoreWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewFileStore(path, nil)
	require.NoError(t, store.Save("old"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	writer := NewFileStore(path, nil)
	assert.Eventually(t, func() bool {
		// keep rewriting until the watcher has registered and picked it up
		_ = writer.Save("new")
		token, err := store.Token(context.Background())
		return err == nil && token == "new"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
