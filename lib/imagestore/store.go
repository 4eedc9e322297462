// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package imagestore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/glyphd/glyphd/lib/clock"
	"github.com/glyphd/glyphd/lib/codec"
)

// Directory names within the store root.
const (
	blobDir = "blobs"
	tmpDir  = "tmp"
)

// metaSuffix names the CBOR sidecar next to each blob.
const metaSuffix = ".meta"

// imageDomainKey is the BLAKE3 keyed-hash key for image content. The
// bytes are the ASCII domain name zero-padded to 32; keyed hashing
// keeps image IDs from colliding with any other hash domain in the
// system.
var imageDomainKey = [32]byte{
	'g', 'l', 'y', 'p', 'h', 'd', '.', 'i', 'm', 'a', 'g', 'e',
}

// validID matches the only ID shape the store accepts from callers.
var validID = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ErrNotFound is returned by Get and Delete for IDs with no stored
// blob.
var ErrNotFound = errors.New("imagestore: image not found")

// ErrInvalidID is returned for IDs that are not 64 lowercase hex
// characters. Such IDs never touch the filesystem.
var ErrInvalidID = errors.New("imagestore: invalid image ID")

// Metadata is the sidecar record kept next to each blob.
type Metadata struct {
	MediaType string    `cbor:"mediaType" json:"mediaType"`
	Size      int64     `cbor:"size" json:"size"`
	StoredAt  time.Time `cbor:"storedAt" json:"storedAt"`
}

// Info pairs an ID with its metadata, for listings.
type Info struct {
	ID string `json:"id"`
	Metadata
}

// Store is a content-addressed image store rooted at one directory.
// Safe for concurrent use: writes are atomic renames and the blob
// name is a function of the blob content.
type Store struct {
	root  string
	clock clock.Clock
}

// NewStore creates a Store rooted at root, creating the directory
// layout if needed.
func NewStore(root string, clk clock.Clock) (*Store, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, blobDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return &Store{root: root, clock: clk}, nil
}

// HashID returns the store ID for the given bytes without storing
// them.
func HashID(data []byte) string {
	hasher, err := blake3.NewKeyed(imageDomainKey[:])
	if err != nil {
		panic("imagestore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest [32]byte
	hasher.Sum(digest[:0])
	return hex.EncodeToString(digest[:])
}

// Put stores data and returns its ID. Storing bytes that are already
// present is a no-op returning the existing ID; the original sidecar
// (and its StoredAt) is kept.
func (s *Store) Put(data []byte, mediaType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("imagestore: cannot store empty image")
	}

	id := HashID(data)
	blobPath := s.blobPath(id)
	if _, err := os.Stat(blobPath); err == nil {
		return id, nil
	}

	meta := Metadata{
		MediaType: mediaType,
		Size:      int64(len(data)),
		StoredAt:  s.clock.Now().UTC(),
	}
	encoded, err := codec.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("imagestore: encoding metadata: %w", err)
	}

	// Sidecar first. If we crash between the two writes, a sidecar
	// without a blob is invisible (lookups go through the blob) and
	// gets cleaned up by the next Put of the same bytes; a blob
	// without a sidecar would serve with unknown metadata.
	if err := s.writeAtomic(blobPath+metaSuffix, encoded); err != nil {
		return "", err
	}
	if err := s.writeAtomic(blobPath, data); err != nil {
		os.Remove(blobPath + metaSuffix)
		return "", err
	}
	return id, nil
}

// Get returns the stored bytes and metadata for id.
func (s *Store) Get(id string) ([]byte, Metadata, error) {
	if !validID.MatchString(id) {
		return nil, Metadata{}, ErrInvalidID
	}

	data, err := os.ReadFile(s.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Metadata{}, ErrNotFound
	}
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("imagestore: reading blob: %w", err)
	}

	var meta Metadata
	raw, err := os.ReadFile(s.blobPath(id) + metaSuffix)
	if err == nil {
		err = codec.Unmarshal(raw, &meta)
	}
	if err != nil {
		// The blob is intact; serve it with what we can reconstruct.
		meta = Metadata{MediaType: "application/octet-stream", Size: int64(len(data))}
	}
	return data, meta, nil
}

// Delete removes id and its sidecar. Returns ErrNotFound when no such
// blob exists.
func (s *Store) Delete(id string) error {
	if !validID.MatchString(id) {
		return ErrInvalidID
	}

	blobPath := s.blobPath(id)
	err := os.Remove(blobPath)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("imagestore: removing blob: %w", err)
	}
	os.Remove(blobPath + metaSuffix)
	return nil
}

// List returns every stored image, sorted by ID.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, blobDir))
	if err != nil {
		return nil, fmt.Errorf("imagestore: listing blobs: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, metaSuffix) || !validID.MatchString(name) {
			continue
		}
		info := Info{ID: name}
		if raw, err := os.ReadFile(s.blobPath(name) + metaSuffix); err == nil {
			codec.Unmarshal(raw, &info.Metadata)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Count returns the number of stored images.
func (s *Store) Count() (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(infos), nil
}

// Prune deletes images stored more than maxAge ago and returns how
// many were removed. Images with unreadable sidecars are left alone:
// without a StoredAt there is no age to judge.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := s.clock.Now().UTC().Add(-maxAge)
	pruned := 0
	for _, info := range infos {
		if info.StoredAt.IsZero() || !info.StoredAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(info.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (s *Store) blobPath(id string) string {
	return filepath.Join(s.root, blobDir, id)
}

// writeAtomic writes data to path via a temp file in the store's tmp
// directory: write, sync, close, rename. A failed step removes the
// temp file and reports the first error.
func (s *Store) writeAtomic(path string, data []byte) error {
	file, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "put-*")
	if err != nil {
		return fmt.Errorf("imagestore: creating temp file: %w", err)
	}
	temporaryPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("imagestore: writing temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("imagestore: syncing temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("imagestore: closing temp file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("imagestore: renaming into place: %w", err)
	}
	return nil
}
