package metadata

import (
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// DedupIndex maps content hashes to the first file that produced them. It is
// an optimization hint: a missing entry costs a redundant store, a stale one
// is repaired on lookup by the caller. Writes are mutually exclusive per
// hash so two racing uploads of identical content cannot both claim first.
type DedupIndex struct {
	store *Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDedupIndex creates a deduplication index backed by the store's
// database.
func NewDedupIndex(store *Store) *DedupIndex {
	return &DedupIndex{store: store, locks: make(map[string]*sync.Mutex)}
}

// Lookup returns the file that first stored content with this hash.
func (d *DedupIndex) Lookup(hash interfaces.ContentHash) (string, bool, error) {
	data, err := d.store.db.Get(dedupKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return string(data), true, nil
}

// Record claims hash for fileID. The first writer wins; the returned fileID
// is whichever claim holds after the call.
func (d *DedupIndex) Record(hash interfaces.ContentHash, fileID string) (string, error) {
	lock := d.keyLock(hash)
	lock.Lock()
	defer lock.Unlock()

	existing, ok, err := d.Lookup(hash)
	if err != nil {
		return "", err
	}
	if ok {
		return existing, nil
	}
	if err := d.store.db.Put(dedupKey(hash), []byte(fileID), nil); err != nil {
		return "", fmt.Errorf("dedup record failed: %w", err)
	}
	return fileID, nil
}

// Remove drops the hash mapping if it still points at fileID. Called when a
// file is deleted so the index never references a removed record.
func (d *DedupIndex) Remove(hash interfaces.ContentHash, fileID string) error {
	lock := d.keyLock(hash)
	lock.Lock()
	defer lock.Unlock()

	existing, ok, err := d.Lookup(hash)
	if err != nil || !ok {
		return err
	}
	if existing != fileID {
		return nil
	}
	if err := d.store.db.Delete(dedupKey(hash), nil); err != nil {
		return fmt.Errorf("dedup remove failed: %w", err)
	}
	return nil
}

func (d *DedupIndex) keyLock(hash interfaces.ContentHash) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := hash.String()
	lock, ok := d.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[key] = lock
	}
	return lock
}

func dedupKey(hash interfaces.ContentHash) []byte {
	return []byte("dedup/" + hash.String())
}
