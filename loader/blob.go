package loader

import (
	"fmt"

	"github.com/qemufw/tableloader/platform"
)

// Blob is one materialized configuration blob. Its page range is assigned
// exactly once, at allocation, and is only ever freed wholesale through
// the range handle on rollback.
type Blob struct {
	// Name is the registry key.
	Name string

	// Size is the resolved blob length. The page range may be larger;
	// the slack past Size is zero.
	Size int

	// Pages backs the blob.
	Pages *platform.PageRange

	// TableData is true while the blob is known to hold only content that
	// is directly part of description tables. A write-pointer command
	// clears it on its pointee, since a host-referenced blob is no longer
	// a self-contained table.
	TableData bool
}

// Bytes returns the blob's whole page range.
func (b *Blob) Bytes() []byte { return b.Pages.Bytes() }

// Table returns the blob's resident bytes without the page slack.
func (b *Blob) Table() []byte { return b.Pages.Bytes()[:b.Size] }

// Registry tracks every blob materialized by one run, keyed by name, in
// insertion order. It exclusively owns each blob's page range until the
// run either hands the range off or rolls the run back.
type Registry struct {
	blobs map[string]*Blob
	order []string
}

func NewRegistry() *Registry {
	return &Registry{blobs: make(map[string]*Blob)}
}

// Insert adds a blob under its name. A second blob with the same name
// means the script allocated the same file twice, which is a format
// error; the caller still owns the rejected blob's pages.
func (r *Registry) Insert(b *Blob) error {
	if _, ok := r.blobs[b.Name]; ok {
		return fmt.Errorf("loader: duplicated file %q: %w", b.Name, ErrFormat)
	}
	r.blobs[b.Name] = b
	r.order = append(r.order, b.Name)
	return nil
}

// Find returns the blob registered under name, or nil.
func (r *Registry) Find(name string) *Blob {
	return r.blobs[name]
}

func (r *Registry) Len() int { return len(r.blobs) }

// Walk visits every blob in insertion order until fn returns an error.
func (r *Registry) Walk(fn func(*Blob) error) error {
	for _, name := range r.order {
		if err := fn(r.blobs[name]); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAll returns every uncommitted page range to the allocator and
// empties the registry. It is the rollback half of the run's symmetric
// cleanup.
func (r *Registry) ReleaseAll() {
	for _, name := range r.order {
		r.blobs[name].Pages.Release()
	}
	r.blobs = make(map[string]*Blob)
	r.order = nil
}
