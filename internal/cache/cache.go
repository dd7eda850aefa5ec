// Handles named, versioned stores of cached HTTP responses
package cache

// GenericCache interface for byte-level caching operations
type GenericCache interface {
	// retrieves cached data if it exists.
	// returns nil, nil when not found
	Get(key string) ([]byte, error)
	// stores data in the cache under the specified key, replacing any previous value
	Set(key string, value []byte) error
	// removes the value stored under key, if any
	Delete(key string) error
	// lists every key currently stored
	Keys() ([]string, error)
}
