package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

var _ Store = (*FileStore)(nil)

const (
	plainFileName  = "store.json"
	secureFileName = "secure.json"
	storeFileMode  = 0o600
)

// FileStore is a durable Store backed by two JSON documents under one
// directory. Secure-partition values are encrypted at rest; plain
// values are stored as-is. Writes rewrite the whole document, which is
// acceptable at the handful-of-keys scale this store holds.
type FileStore struct {
	secure *fileRepo
	plain  *fileRepo
}

// NewFileStore opens (or creates) the store rooted at dir. passphrase
// keys the secure partition's encryption.
func NewFileStore(dir, passphrase string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] os.MkdirAll")
	}

	plain, err := newFileRepo(filepath.Join(dir, plainFileName), nil)
	if err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] plain partition")
	}

	secure, err := newFileRepo(filepath.Join(dir, secureFileName), newCipher(passphrase))
	if err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] secure partition")
	}

	return &FileStore{secure: secure, plain: plain}, nil
}

func (f *FileStore) Secure() Repo { return f.secure }
func (f *FileStore) Plain() Repo  { return f.plain }

// fileRepo is one partition: a map persisted as a JSON document. When a
// cipher is present, values are sealed before they touch disk.
type fileRepo struct {
	path   string
	cipher *cipher
	values map[string]string
	lock   sync.RWMutex
}

func newFileRepo(path string, c *cipher) (*fileRepo, error) {
	r := &fileRepo{path: path, cipher: c, values: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "os.ReadFile")
	}
	if len(raw) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(raw, &r.values); err != nil {
		return nil, errors.Wrap(err, "json.Unmarshal")
	}
	return r, nil
}

func (r *fileRepo) Get(key string) (string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	v, ok := r.values[key]
	if !ok {
		return "", ErrNotFound
	}
	if r.cipher != nil {
		return r.cipher.open(v)
	}
	return v, nil
}

func (r *fileRepo) Set(key, value string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.cipher != nil {
		sealed, err := r.cipher.seal(value)
		if err != nil {
			return errors.Wrap(err, "[fileRepo.Set] seal")
		}
		value = sealed
	}
	r.values[key] = value
	return r.persist()
}

func (r *fileRepo) Delete(key string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.values[key]; !ok {
		return nil
	}
	delete(r.values, key)
	return r.persist()
}

// persist writes the document through a temp file so a crash mid-write
// never truncates the store. Callers hold the write lock.
func (r *fileRepo) persist() error {
	raw, err := json.MarshalIndent(r.values, "", "  ")
	if err != nil {
		return errors.Wrap(err, "[fileRepo.persist] json.Marshal")
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, storeFileMode); err != nil {
		return errors.Wrap(err, "[fileRepo.persist] os.WriteFile")
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errors.Wrap(err, "[fileRepo.persist] os.Rename")
	}
	return nil
}
