package sqlite

import (
	"errors"
	"sync"
)

// StoreManager manages one NodeStore per node name with caching.
type StoreManager struct {
	basePath string
	stores   map[string]*NodeStore // nodeName -> store
	mu       sync.RWMutex
}

// NewStoreManager creates a new StoreManager.
func NewStoreManager(basePath string) *StoreManager {
	return &StoreManager{
		basePath: basePath,
		stores:   make(map[string]*NodeStore),
	}
}

// GetStore returns the NodeStore for nodeName, opening it on first use.
func (m *StoreManager) GetStore(nodeName string) (*NodeStore, error) {
	m.mu.RLock()
	if store, ok := m.stores[nodeName]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[nodeName]; ok {
		return store, nil
	}

	store, err := OpenNodeStore(m.basePath, nodeName)
	if err != nil {
		return nil, err
	}

	m.stores[nodeName] = store
	return store, nil
}

// CloseAll closes all cached stores.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[string]*NodeStore)
	return errors.Join(errs...)
}
