// Package genpage implements the exported generation counter page: a fixed
// 4-byte file holding the current counter as a little-endian u32. Consumers
// that cannot afford a bus round-trip map the file read-only and inline-compare
// the counter against their cached value.
package genpage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Size is the exact length of the counter page file.
const Size = 4

// Page is the write side of the counter page. Only the service writes it.
type Page struct {
	f    *os.File
	path string
}

// Create creates (or truncates) the counter page at path, sized to exactly
// Size bytes with the initial counter value 0 published. Parent directories
// are created as needed. The file is world-readable, writable only by the
// service.
func Create(path string) (*Page, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create counter page directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("create counter page: %w", err)
	}
	if err := f.Truncate(Size); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate counter page: %w", err)
	}
	p := &Page{f: f, path: path}
	if err := p.Publish(0); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// Publish overwrites the page with the little-endian encoding of counter.
// Readers holding a mapping observe the new value immediately; the page is
// backed by the same pages the kernel serves to mmap consumers.
func (p *Page) Publish(counter uint32) error {
	var buf [Size]byte
	binary.LittleEndian.PutUint32(buf[:], counter)
	if _, err := p.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write counter page: %w", err)
	}
	return nil
}

// Path returns the filesystem path of the page.
func (p *Page) Path() string {
	return p.path
}

// Close closes the backing file. The page itself is left in place so that
// consumers whose mapping outlives the service keep a stable last-known value
// until a service restart rewrites it.
func (p *Page) Close() error {
	return p.f.Close()
}
