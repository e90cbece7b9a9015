package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// cacheLimit bounds the in-memory record cache.
const cacheLimit = 1024

// Store persists file records in LevelDB with a read-through cache. Writes
// serialize through a single mutex; reads of cached records are lock-light.
type Store struct {
	db  *leveldb.DB
	log *slog.Logger

	// writeMu serializes record mutations so concurrent updates never lose
	// writes.
	writeMu sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]*FileRecord
}

// NewStore opens (or creates) the record database at path.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	return &Store{
		db:    db,
		log:   log,
		cache: make(map[string]*FileRecord),
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new record. The record must carry a FileID; version and
// timestamps are set here. Creating an existing FileID is an error.
func (s *Store) Create(ctx context.Context, record *FileRecord) error {
	if record.FileID == "" {
		return fmt.Errorf("record has no fileId")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Get(fileKey(record.FileID), nil); err == nil {
		return fmt.Errorf("record %s already exists", record.FileID)
	}

	now := time.Now().UTC()
	record.Version = 1
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt

	if err := s.persist(record); err != nil {
		return err
	}

	s.log.Debug("Created file record",
		slog.String("file_id", record.FileID),
		slog.String("content_hash", record.ContentHash.String()))
	return nil
}

// Update applies mutate to a copy of the current record, bumps the version,
// and persists the result. Prior version entries in the history are never
// mutated in place; the history keeps the last entries up to a fixed depth.
func (s *Store) Update(ctx context.Context, fileID string, mutate func(*FileRecord) error) (*FileRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.load(fileID)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.FileID = current.FileID
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now().UTC()

	if err := s.persist(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Get returns the record for fileID, consulting the cache first and
// re-populating it on a miss.
func (s *Store) Get(ctx context.Context, fileID string) (*FileRecord, error) {
	s.cacheMu.RLock()
	cached, ok := s.cache[fileID]
	s.cacheMu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	record, err := s.load(fileID)
	if err != nil {
		return nil, err
	}
	s.cacheRecord(record)
	return record.Clone(), nil
}

// History returns the retained version snapshots for fileID, oldest first.
func (s *Store) History(ctx context.Context, fileID string) ([]*FileRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte("hist/"+fileID+"/")), nil)
	defer iter.Release()

	var out []*FileRecord
	for iter.Next() {
		var record FileRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("corrupt history entry for %s: %w", fileID, err)
		}
		out = append(out, &record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return out, nil
}

// SearchFilter selects and orders records. Zero values mean "no constraint".
type SearchFilter struct {
	Owner    string
	Category string
	// TypePrefix matches the declared or detected content type prefix,
	// e.g. "image/".
	TypePrefix string
	// Text is a case-insensitive substring match over name, description and
	// tags.
	Text string

	MinSize       int64
	MaxSize       int64
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// SortBy is one of createdAt, name, sizeBytes, downloadCount. Empty
	// sorts by createdAt.
	SortBy     string
	Descending bool

	Offset int
	Limit  int
}

// SearchResult is one page of matching records.
type SearchResult struct {
	Records []*FileRecord
	// Total counts all matches, not just this page.
	Total int
}

// Search scans the store for records matching filter. Pagination is not
// stable across mutations; callers tolerate drift between pages.
func (s *Store) Search(ctx context.Context, filter SearchFilter) (SearchResult, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte("file/")), nil)
	defer iter.Release()

	var matches []*FileRecord
	for iter.Next() {
		var record FileRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			s.log.Warn("Skipping corrupt record during search", "err", err)
			continue
		}
		if filter.matches(&record) {
			matches = append(matches, &record)
		}
	}
	if err := iter.Error(); err != nil {
		return SearchResult{}, fmt.Errorf("search failed: %w", err)
	}

	sortRecords(matches, filter.SortBy, filter.Descending)

	total := len(matches)
	if filter.Offset > 0 {
		if filter.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return SearchResult{Records: matches, Total: total}, nil
}

// RecordAccess increments the download counter and stamps the access time.
func (s *Store) RecordAccess(ctx context.Context, fileID string) error {
	_, err := s.Update(ctx, fileID, func(r *FileRecord) error {
		now := time.Now().UTC()
		r.Access.DownloadCount++
		r.Access.LastAccessedAt = &now
		return nil
	})
	return err
}

// Share appends a grant to the file's share ledger and returns it.
func (s *Store) Share(ctx context.Context, fileID, granteeID, grantedBy string, permissions []string, expiresAt *time.Time) (ShareGrant, error) {
	grant := ShareGrant{
		ShareID:     uuid.NewString(),
		GranteeID:   granteeID,
		Permissions: append([]string(nil), permissions...),
		GrantedBy:   grantedBy,
		GrantedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
		Active:      true,
	}
	_, err := s.Update(ctx, fileID, func(r *FileRecord) error {
		r.Access.Shares = append(r.Access.Shares, grant)
		return nil
	})
	if err != nil {
		return ShareGrant{}, err
	}
	return grant, nil
}

// RevokeShare deactivates a grant. The grant stays in the ledger.
func (s *Store) RevokeShare(ctx context.Context, fileID, shareID string) error {
	_, err := s.Update(ctx, fileID, func(r *FileRecord) error {
		for i := range r.Access.Shares {
			if r.Access.Shares[i].ShareID == shareID {
				r.Access.Shares[i].Active = false
				return nil
			}
		}
		return fmt.Errorf("share %s not found on file %s", shareID, fileID)
	})
	return err
}

// Delete removes the record, its history, and any pending ledger entry. The
// caller removes the underlying storage placements first.
func (s *Store) Delete(ctx context.Context, fileID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.load(fileID); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Delete(fileKey(fileID))
	batch.Delete(ledgerKey(fileID))

	iter := s.db.NewIterator(util.BytesPrefix([]byte("hist/"+fileID+"/")), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to collect history keys: %w", err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	s.cacheMu.Lock()
	delete(s.cache, fileID)
	s.cacheMu.Unlock()

	s.log.Debug("Deleted file record", slog.String("file_id", fileID))
	return nil
}

func (s *Store) load(fileID string) (*FileRecord, error) {
	data, err := s.db.Get(fileKey(fileID), nil)
	if err == leveldb.ErrNotFound {
		return nil, &interfaces.NotFoundError{FileID: fileID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	var record FileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", fileID, err)
	}
	return &record, nil
}

// persist writes the record, a history snapshot for its version, and prunes
// history beyond the retention depth. Caller holds writeMu.
func (s *Store) persist(record *FileRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(fileKey(record.FileID), data)
	batch.Put(histKey(record.FileID, record.Version), data)
	if prune := record.Version - historyDepth; prune >= 1 {
		batch.Delete(histKey(record.FileID, prune))
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	s.cacheRecord(record)
	return nil
}

func (s *Store) cacheRecord(record *FileRecord) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if len(s.cache) >= cacheLimit {
		for id := range s.cache {
			delete(s.cache, id)
			break
		}
	}
	s.cache[record.FileID] = record.Clone()
}

func (f SearchFilter) matches(r *FileRecord) bool {
	if f.Owner != "" && r.Access.Owner != f.Owner {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.TypePrefix != "" &&
		!strings.HasPrefix(r.DeclaredType, f.TypePrefix) &&
		!strings.HasPrefix(r.DetectedType, f.TypePrefix) {
		return false
	}
	if f.MinSize > 0 && r.SizeBytes < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && r.SizeBytes > f.MaxSize {
		return false
	}
	if !f.CreatedAfter.IsZero() && r.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && r.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		hay := strings.ToLower(r.OriginalName + " " + r.Description + " " + strings.Join(r.Tags, " "))
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return true
}

func sortRecords(records []*FileRecord, sortBy string, descending bool) {
	less := func(a, b *FileRecord) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch sortBy {
	case "name":
		less = func(a, b *FileRecord) bool { return a.OriginalName < b.OriginalName }
	case "sizeBytes":
		less = func(a, b *FileRecord) bool { return a.SizeBytes < b.SizeBytes }
	case "downloadCount":
		less = func(a, b *FileRecord) bool { return a.Access.DownloadCount < b.Access.DownloadCount }
	}
	sort.SliceStable(records, func(i, j int) bool {
		if descending {
			return less(records[j], records[i])
		}
		return less(records[i], records[j])
	})
}

func fileKey(fileID string) []byte {
	return []byte("file/" + fileID)
}

func histKey(fileID string, version int) []byte {
	return []byte(fmt.Sprintf("hist/%s/%08d", fileID, version))
}

func ledgerKey(fileID string) []byte {
	return []byte("ledgerq/" + fileID)
}
