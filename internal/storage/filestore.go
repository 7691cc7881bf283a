package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Namespace identifies one of the independent record collections.
type Namespace string

const (
	// NamespaceUsers holds profile snapshots keyed by fid.
	NamespaceUsers Namespace = "users"
	// NamespacePosts holds immutable cast records keyed by post id.
	NamespacePosts Namespace = "posts"
	// NamespaceSessions holds the persistent signer mirrors keyed by signer id.
	NamespaceSessions Namespace = "sessions"
)

const updatedAtField = "updatedAt"

var (
	// ErrInvalidKey indicates a record key that cannot be used as a file name.
	ErrInvalidKey = errors.New("storage: invalid record key")
	// ErrUnknownNamespace indicates a namespace the store was not built with.
	ErrUnknownNamespace = errors.New("storage: unknown namespace")
)

// FileStore persists one JSON document per record under
// <root>/<namespace>/<key>.json. Writes go through a temp file and rename
// so readers never observe a partially written document.
type FileStore struct {
	mu    sync.Mutex
	root  string
	clock func() time.Time
}

// Config describes FileStore construction parameters.
type Config struct {
	Root  string
	Clock func() time.Time
}

// NewFileStore creates the root and namespace directories and returns a
// ready store.
func NewFileStore(cfg Config) (*FileStore, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("storage: root directory is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	for _, ns := range []Namespace{NamespaceUsers, NamespacePosts, NamespaceSessions} {
		if err := os.MkdirAll(filepath.Join(root, string(ns)), 0o755); err != nil {
			return nil, err
		}
	}
	return &FileStore{root: root, clock: clock}, nil
}

// Put overwrites the record at key with value, stamping an updatedAt field.
func (s *FileStore) Put(ns Namespace, key string, value interface{}) error {
	path, err := s.recordPath(ns, key)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var document map[string]json.RawMessage
	if err := json.Unmarshal(raw, &document); err != nil {
		return fmt.Errorf("storage: value must marshal to a JSON object: %w", err)
	}
	stamp, err := json.Marshal(s.clock().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	document[updatedAtField] = stamp
	encoded, err := json.Marshal(document)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get decodes the record at key into out, reporting whether it existed.
func (s *FileStore) Get(ns Namespace, key string, out interface{}) (bool, error) {
	path, err := s.recordPath(ns, key)
	if err != nil {
		return false, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	return true, json.Unmarshal(raw, out)
}

// Delete removes the record at key, reporting whether it existed.
func (s *FileStore) Delete(ns Namespace, key string) (bool, error) {
	path, err := s.recordPath(ns, key)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns every record document in the namespace, ordered by key.
func (s *FileStore) List(ns Namespace) ([]json.RawMessage, error) {
	dir, err := s.namespaceDir(ns)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	documents := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		documents = append(documents, json.RawMessage(raw))
	}
	return documents, nil
}

// Keys returns every record key in the namespace, ordered lexically.
func (s *FileStore) Keys(ns Namespace) ([]string, error) {
	dir, err := s.namespaceDir(ns)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

// Count returns the number of records in the namespace.
func (s *FileStore) Count(ns Namespace) (int, error) {
	keys, err := s.Keys(ns)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *FileStore) namespaceDir(ns Namespace) (string, error) {
	switch ns {
	case NamespaceUsers, NamespacePosts, NamespaceSessions:
		return filepath.Join(s.root, string(ns)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
}

func (s *FileStore) recordPath(ns Namespace, key string) (string, error) {
	dir, err := s.namespaceDir(ns)
	if err != nil {
		return "", err
	}
	if !validKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(dir, key+".json"), nil
}

func validKey(key string) bool {
	if key == "" || len(key) > 190 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
			if strings.HasPrefix(key, ".") {
				return false
			}
		default:
			return false
		}
	}
	return true
}
