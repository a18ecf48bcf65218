package credstore

import "sync"

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store. It satisfies the same contract as
// the durable implementations and is the store of choice in tests.
type MemoryStore struct {
	secure *memoryRepo
	plain  *memoryRepo
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secure: newMemoryRepo(),
		plain:  newMemoryRepo(),
	}
}

func (m *MemoryStore) Secure() Repo { return m.secure }
func (m *MemoryStore) Plain() Repo  { return m.plain }

type memoryRepo struct {
	values map[string]string
	lock   sync.RWMutex
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{values: make(map[string]string)}
}

func (r *memoryRepo) Get(key string) (string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	v, ok := r.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (r *memoryRepo) Set(key, value string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.values[key] = value
	return nil
}

func (r *memoryRepo) Delete(key string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.values, key)
	return nil
}
