package genpage

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// Reader is the consumer side of the counter page: a read-only memory mapping
// of the 4-byte file. Probing the counter is a plain memory read.
type Reader struct {
	f    *os.File
	data []byte
}

// OpenReader maps the counter page at path read-only.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open counter page: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map counter page: %w", err)
	}
	return &Reader{f: f, data: data}, nil
}

// Probe returns the counter currently published in the page.
func (r *Reader) Probe() uint32 {
	return binary.LittleEndian.Uint32(r.data)
}

// Watch invokes fn with the new counter value every time the page content
// changes, until ctx is cancelled. It uses file events rather than polling,
// so fn fires promptly after every publish.
func (r *Reader) Watch(ctx context.Context, fn func(counter uint32)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch counter page: %w", err)
	}
	defer w.Close()

	if err := w.Add(r.f.Name()); err != nil {
		return fmt.Errorf("watch counter page %s: %w", r.f.Name(), err)
	}

	last := r.Probe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			if v := r.Probe(); v != last {
				last = v
				fn(v)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("counter page watcher error", "error", err)
		}
	}
}

// Close unmaps the page and closes the file.
func (r *Reader) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
