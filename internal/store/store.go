// Package store persists the three credential collections of the key
// panel: license keys nested by owner, active access keys, and blocked
// access keys. The on-disk layout is three JSON files that stay
// wire-compatible with the legacy panel (keys.json, access.json,
// blocked_users.json). Every mutation is a whole-collection
// replace-and-persist behind a process-wide lock, so a completed call
// is durable before any later read can observe it.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"keypanel/internal/license"
)

const (
	licenseFile = "keys.json"
	activeFile  = "access.json"
	blockedFile = "blocked_users.json"
)

// Partition identifies which access-key collection a record lives in.
// A record resides in exactly one partition at any time.
type Partition int

const (
	// PartitionActive holds access keys that admit their principals.
	PartitionActive Partition = iota
	// PartitionBlocked holds access keys relocated by a block cascade.
	// Residency here is itself the authoritative blocked signal.
	PartitionBlocked
)

// String implements fmt.Stringer for log output.
func (p Partition) String() string {
	if p == PartitionBlocked {
		return "blocked"
	}
	return "active"
}

// Store is the durable key store. All exported methods are safe for
// concurrent use; read-modify-write sequences go through the Update*
// methods so two racing mutations cannot clobber each other.
type Store struct {
	mu     sync.RWMutex
	dir    string
	logger *slog.Logger

	licenses map[string]map[string]*license.LicenseKeyRecord
	active   map[string]*license.AccessKeyRecord
	blocked  map[string]*license.AccessKeyRecord
}

// Open loads the three collections from dir, creating the directory
// and treating missing files as empty collections.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}

	s := &Store{
		dir:      dir,
		logger:   logger.With(slog.String("component", "store")),
		licenses: make(map[string]map[string]*license.LicenseKeyRecord),
		active:   make(map[string]*license.AccessKeyRecord),
		blocked:  make(map[string]*license.AccessKeyRecord),
	}

	if err := loadJSON(filepath.Join(dir, licenseFile), &s.licenses); err != nil {
		return nil, fmt.Errorf("load license keys: %w", err)
	}
	if err := loadJSON(filepath.Join(dir, activeFile), &s.active); err != nil {
		return nil, fmt.Errorf("load active access keys: %w", err)
	}
	if err := loadJSON(filepath.Join(dir, blockedFile), &s.blocked); err != nil {
		return nil, fmt.Errorf("load blocked access keys: %w", err)
	}

	s.logger.Info("store opened",
		slog.String("dir", dir),
		slog.Int("license_owners", len(s.licenses)),
		slog.Int("access_active", len(s.active)),
		slog.Int("access_blocked", len(s.blocked)),
	)
	return s, nil
}

// GetLicenseKey returns a copy of the record identified by
// (owner, key), or false when absent.
func (s *Store) GetLicenseKey(owner, key string) (*license.LicenseKeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.licenses[owner][key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// FindLicenseKeyOwner scans every owner for the key string. Key
// strings are practically unique across owners; the scan still visits
// all owners (in deterministic order) rather than trusting the first
// dictionary miss.
func (s *Store) FindLicenseKeyOwner(key string) (string, *license.LicenseKeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, owner := range sortedOwners(s.licenses) {
		if rec, ok := s.licenses[owner][key]; ok {
			return owner, rec.Clone(), true
		}
	}
	return "", nil, false
}

// LicenseKeysByOwner returns a copy of the owner's whole key map.
func (s *Store) LicenseKeysByOwner(owner string) map[string]*license.LicenseKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*license.LicenseKeyRecord, len(s.licenses[owner]))
	for k, rec := range s.licenses[owner] {
		out[k] = rec.Clone()
	}
	return out
}

// PutLicenseKey stores the record under (owner, key) and persists the
// collection before returning.
func (s *Store) PutLicenseKey(owner, key string, rec *license.LicenseKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.licenses[owner] == nil {
		s.licenses[owner] = make(map[string]*license.LicenseKeyRecord)
	}
	s.licenses[owner][key] = rec.Clone()
	return s.persistLicenses()
}

// UpdateLicenseKey runs fn on the record under the write lock and
// persists when fn reports a change. fn receives a private copy; the
// swap-in happens only on success. Returns license.ErrNotFound when
// the record is absent.
func (s *Store) UpdateLicenseKey(owner, key string, fn func(rec *license.LicenseKeyRecord) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.licenses[owner][key]
	if !ok {
		return license.ErrNotFound
	}
	rec := cur.Clone()
	changed, err := fn(rec)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.licenses[owner][key] = rec
	return s.persistLicenses()
}

// DeleteLicenseKey removes (owner, key). Returns license.ErrNotFound
// without side effects when absent.
func (s *Store) DeleteLicenseKey(owner, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[owner][key]; !ok {
		return license.ErrNotFound
	}
	delete(s.licenses[owner], key)
	if len(s.licenses[owner]) == 0 {
		delete(s.licenses, owner)
	}
	return s.persistLicenses()
}

// DeleteLicenseKeysByOwner drops the owner's entire license-key
// collection, leaving their access keys alone. Returns the number of
// records removed; zero is a no-op.
func (s *Store) DeleteLicenseKeysByOwner(owner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.licenses[owner])
	if n == 0 {
		return 0, nil
	}
	delete(s.licenses, owner)
	return n, s.persistLicenses()
}

// GetAccessKey looks the key up in both partitions.
func (s *Store) GetAccessKey(key string) (*license.AccessKeyRecord, Partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.active[key]; ok {
		return rec.Clone(), PartitionActive, true
	}
	if rec, ok := s.blocked[key]; ok {
		return rec.Clone(), PartitionBlocked, true
	}
	return nil, PartitionActive, false
}

// AccessKeyExists reports whether the key string is taken in either
// partition. The union of keys across both partitions is unique.
func (s *Store) AccessKeyExists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, inActive := s.active[key]
	_, inBlocked := s.blocked[key]
	return inActive || inBlocked
}

// PutAccessKey stores a record in the active partition and persists.
func (s *Store) PutAccessKey(key string, rec *license.AccessKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[key] = rec.Clone()
	return s.persistAccess(PartitionActive)
}

// UpdateAccessKey runs fn on the active-partition record under the
// write lock, persisting on change. Blocked records are not updatable;
// they only move as a whole via RelocateOwner.
func (s *Store) UpdateAccessKey(key string, fn func(rec *license.AccessKeyRecord) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.active[key]
	if !ok {
		return license.ErrNotFound
	}
	rec := cur.Clone()
	changed, err := fn(rec)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.active[key] = rec
	return s.persistAccess(PartitionActive)
}

// DeleteAccessKey removes the key from whichever partition holds it
// and returns the removed record.
func (s *Store) DeleteAccessKey(key string) (*license.AccessKeyRecord, Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.active[key]; ok {
		delete(s.active, key)
		return rec, PartitionActive, s.persistAccess(PartitionActive)
	}
	if rec, ok := s.blocked[key]; ok {
		delete(s.blocked, key)
		return rec, PartitionBlocked, s.persistAccess(PartitionBlocked)
	}
	return nil, PartitionActive, license.ErrNotFound
}

// AccessKeys returns a copy of the requested partition.
func (s *Store) AccessKeys(p Partition) map[string]*license.AccessKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.active
	if p == PartitionBlocked {
		src = s.blocked
	}
	out := make(map[string]*license.AccessKeyRecord, len(src))
	for k, rec := range src {
		out[k] = rec.Clone()
	}
	return out
}

// AccessKeysByOwner returns copies of the owner's records in the
// requested partition.
func (s *Store) AccessKeysByOwner(owner string, p Partition) map[string]*license.AccessKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.active
	if p == PartitionBlocked {
		src = s.blocked
	}
	out := make(map[string]*license.AccessKeyRecord)
	for k, rec := range src {
		if rec.Owner == owner {
			out[k] = rec.Clone()
		}
	}
	return out
}

// RelocateOwner moves every record owned by owner from one partition
// to the other, verbatim, under a single lock hold. The full selection
// is collected before any map is touched, so a failure before the
// writes leaves the pre-operation state intact. Returns the number of
// records moved; zero means nothing to relocate (a no-op, not an
// error).
func (s *Store) RelocateOwner(owner string, from, to Partition) (int, error) {
	if from == to {
		return 0, fmt.Errorf("relocate owner %s: identical partitions", owner)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, dst := s.active, s.blocked
	if from == PartitionBlocked {
		src, dst = s.blocked, s.active
	}

	var keys []string
	for k, rec := range src {
		if rec.Owner == owner {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	sort.Strings(keys)

	for _, k := range keys {
		dst[k] = src[k]
		delete(src, k)
	}
	if err := s.persistAccess(from); err != nil {
		return 0, err
	}
	if err := s.persistAccess(to); err != nil {
		return 0, err
	}

	s.logger.Info("relocated access keys",
		slog.String("owner", owner),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("moved", len(keys)),
	)
	return len(keys), nil
}

// DeleteOwner removes the owner's entire license-key collection and
// every access key they own in both partitions, in one lock hold.
// Returns the number of license and access records removed.
func (s *Store) DeleteOwner(owner string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nLicense := len(s.licenses[owner])
	delete(s.licenses, owner)

	nAccess := 0
	for k, rec := range s.active {
		if rec.Owner == owner {
			delete(s.active, k)
			nAccess++
		}
	}
	for k, rec := range s.blocked {
		if rec.Owner == owner {
			delete(s.blocked, k)
			nAccess++
		}
	}

	if err := s.persistLicenses(); err != nil {
		return 0, 0, err
	}
	if err := s.persistAccess(PartitionActive); err != nil {
		return 0, 0, err
	}
	if err := s.persistAccess(PartitionBlocked); err != nil {
		return 0, 0, err
	}
	return nLicense, nAccess, nil
}

// persistLicenses writes keys.json. Callers hold the write lock.
func (s *Store) persistLicenses() error {
	return writeJSON(filepath.Join(s.dir, licenseFile), s.licenses)
}

// persistAccess writes the file backing the given partition. Callers
// hold the write lock.
func (s *Store) persistAccess(p Partition) error {
	if p == PartitionBlocked {
		return writeJSON(filepath.Join(s.dir, blockedFile), s.blocked)
	}
	return writeJSON(filepath.Join(s.dir, activeFile), s.active)
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeJSON replaces the file atomically: marshal, write a temp file
// in the same directory, fsync, rename.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func sortedOwners(m map[string]map[string]*license.LicenseKeyRecord) []string {
	owners := make([]string, 0, len(m))
	for o := range m {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}
