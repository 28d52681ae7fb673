package pushstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	bs, err := OpenBolt(filepath.Join(t.TempDir(), "state", "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	tests := []struct {
		name  string
		store Store
	}{
		{"bolt", bs},
		{"memory", NewMemoryStore()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.store.Get("alice@example.com", "INBOX")
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, tt.store.Set("alice@example.com", "INBOX", "uidNext=100;uidValidity=7"))
			require.NoError(t, tt.store.Set("alice@example.com", "INBOX", "uidNext=105;uidValidity=7"))
			require.NoError(t, tt.store.Set("bob@example.com", "INBOX", "uidNext=3"))

			got, err = tt.store.Get("alice@example.com", "INBOX")
			require.NoError(t, err)
			assert.Equal(t, "uidNext=105;uidValidity=7", got)

			got, err = tt.store.Get("bob@example.com", "INBOX")
			require.NoError(t, err)
			assert.Equal(t, "uidNext=3", got)

			got, err = tt.store.Get("alice@example.com", "Sent")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "push.db")
	bs, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, bs.Set("acct", "Archive/2024", "uidNext=42"))
	require.NoError(t, bs.Close())

	bs, err = OpenBolt(path)
	require.NoError(t, err)
	defer bs.Close()
	got, err := bs.Get("acct", "Archive/2024")
	require.NoError(t, err)
	assert.Equal(t, "uidNext=42", got)

	require.NoError(t, bs.Delete("acct"))
	got, err = bs.Get("acct", "Archive/2024")
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, bs.Delete("missing"))
}
