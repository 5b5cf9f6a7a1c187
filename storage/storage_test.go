package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solixapi/solix/log2"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	s := NewStore(t.TempDir(), "User@Example.com", log)

	b, err := s.Load()
	assert.Error(t, err)
	assert.Nil(t, b)

	require.NoError(t, s.Save([]byte(`{"auth_token":"t1"}`)))
	b, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, `{"auth_token":"t1"}`, string(b))

	require.NoError(t, s.Clear())
	b, _ = s.Load()
	assert.Nil(t, b)
}

func TestStoreDisabled(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	s := NewStore("", "user@example.com", log)
	assert.NoError(t, s.Save([]byte("x")))
	b, err := s.Load()
	assert.NoError(t, err)
	assert.Nil(t, b)

	var nilStore *Store
	assert.NoError(t, nilStore.Clear())
}

func TestAccountDir(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "user_example.com", accountDir("User@Example.com"))
	assert.Equal(t, "default", accountDir(""))
}
