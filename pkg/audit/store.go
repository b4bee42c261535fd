package audit

import "fmt"

// Backend names accepted by OpenStore.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

type storeOptions struct {
	instance string
}

// StoreOption customises a persistent store.
type StoreOption func(*storeOptions)

// WithStoreScope restricts a store to the records of one instance. Records are
// keyed by (instance, seq), so instances sharing a path never collide. An
// unscoped store lists every instance.
func WithStoreScope(instance string) StoreOption {
	return func(o *storeOptions) { o.instance = instance }
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OpenStore opens the store for backend. path is a file for sqlite and a directory
// for badger; empty means in-memory for both.
func OpenStore(backend, path string, opts ...StoreOption) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(path, opts...)
	case BackendBadger:
		return NewBadgerStore(path, opts...)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", backend)
	}
}
