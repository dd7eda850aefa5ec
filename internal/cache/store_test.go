package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewMemory("test-").Open("test-v1")
	require.NoError(t, err)
	return store
}

func TestStoreSetAndGet(t *testing.T) {
	store := openStore(t)

	testData := []byte("test response data\nwith a second line")
	require.NoError(t, store.Set("GET http://example.com/api", testData))

	data, err := store.Get("GET http://example.com/api")
	require.NoError(t, err)
	assert.Equal(t, testData, data)
}

func TestStoreGetMiss(t *testing.T) {
	store := openStore(t)

	data, err := store.Get("GET http://example.com/missing")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestStoreOverwrite(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.Set("GET http://example.com/", []byte("old")))
	require.NoError(t, store.Set("GET http://example.com/", []byte("new")))

	data, err := store.Get("GET http://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://example.com/"}, keys)
}

func TestStoreKeysAndDelete(t *testing.T) {
	store := openStore(t)

	for _, key := range []string{"GET http://example.com/b", "GET http://example.com/a"} {
		require.NoError(t, store.Set(key, []byte(key)))
	}

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://example.com/a", "GET http://example.com/b"}, keys)

	require.NoError(t, store.Delete("GET http://example.com/a"))
	require.NoError(t, store.Delete("GET http://example.com/never"))

	keys, err = store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://example.com/b"}, keys)
}

func TestStoreRejectsMultilineKey(t *testing.T) {
	store := openStore(t)
	assert.Error(t, store.Set("GET http://example.com/\nx", []byte("x")))
}
