package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeedDefaultsAndCan(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SeedDefaults())
	require.NoError(t, s.Bind("alice", "operator"))

	ok, err := s.Can("alice", "submit")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Can("alice", "admin-only-action")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanWithNoBindingDenies(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SeedDefaults())

	ok, err := s.Can("ghost", "view")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdminWildcardPermitsAnyAction(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SeedDefaults())
	require.NoError(t, s.Bind("root", "admin"))

	ok, err := s.Can("root", "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}
