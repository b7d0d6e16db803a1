// Package fwcfg is the firmware configuration transport: it resolves ASCII
// file names to byte blobs provided by the host. The loader consumes it
// through the Transport interface; Store is the in-memory implementation
// used by the CLI and by tests.
package fwcfg

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("fwcfg: file not found")
	ErrReadOnly = errors.New("fwcfg: file is read-only")
)

// Item identifies a resolved file. It stays valid for the lifetime of the
// transport that returned it.
type Item struct {
	Name string
	Size int
}

// Transport resolves names to blobs. Find returns ErrNotFound for unknown
// names. Read fills buf (which must not exceed the item's size) from the
// start of the file. Write patches a writable file in place and returns
// ErrReadOnly for files the host did not mark writable.
type Transport interface {
	Find(name string) (Item, error)
	Read(item Item, buf []byte) error
	Write(item Item, off int, data []byte) error
}

// ---------------------------------------------------------------------------
// Store: map-backed transport
// ---------------------------------------------------------------------------

type storeFile struct {
	data     []byte
	writable bool
}

// Store is an in-memory Transport.
type Store struct {
	files map[string]*storeFile
}

func NewStore() *Store {
	return &Store{files: make(map[string]*storeFile)}
}

// Add registers a read-only file under name, replacing any previous entry.
func (s *Store) Add(name string, data []byte) {
	s.files[name] = &storeFile{data: data}
}

// AddWritable registers a writable file under name.
func (s *Store) AddWritable(name string, data []byte) {
	s.files[name] = &storeFile{data: data, writable: true}
}

func (s *Store) Find(name string) (Item, error) {
	f, ok := s.files[name]
	if !ok {
		return Item{}, fmt.Errorf("fwcfg: find %q: %w", name, ErrNotFound)
	}
	return Item{Name: name, Size: len(f.data)}, nil
}

func (s *Store) Read(item Item, buf []byte) error {
	f, ok := s.files[item.Name]
	if !ok {
		return fmt.Errorf("fwcfg: read %q: %w", item.Name, ErrNotFound)
	}
	if len(buf) > len(f.data) {
		return fmt.Errorf("fwcfg: read %d bytes from %q (%d available)", len(buf), item.Name, len(f.data))
	}
	copy(buf, f.data)
	return nil
}

func (s *Store) Write(item Item, off int, data []byte) error {
	f, ok := s.files[item.Name]
	if !ok {
		return fmt.Errorf("fwcfg: write %q: %w", item.Name, ErrNotFound)
	}
	if !f.writable {
		return fmt.Errorf("fwcfg: write %q: %w", item.Name, ErrReadOnly)
	}
	if off < 0 || off+len(data) > len(f.data) {
		return fmt.Errorf("fwcfg: write %d bytes at %d in %q (%d available)", len(data), off, item.Name, len(f.data))
	}
	copy(f.data[off:], data)
	return nil
}

// Contents returns the current bytes of a file, or false if it does not
// exist. Tests use it to observe Write effects.
func (s *Store) Contents(name string) ([]byte, bool) {
	f, ok := s.files[name]
	if !ok {
		return nil, false
	}
	return f.data, true
}
