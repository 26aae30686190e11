package genpage

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateInitializesPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sysgenid", "generation")

	p, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if len(data) != Size {
		t.Fatalf("page size = %d, want %d", len(data), Size)
	}
	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestCreateTruncatesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generation")
	if err := os.WriteFile(path, []byte("stale content from a previous run"), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != Size {
		t.Errorf("page size = %d, want %d", len(data), Size)
	}
	if got := binary.LittleEndian.Uint32(data); got != 0 {
		t.Errorf("page value = %d, want 0", got)
	}
}

func TestCreateUnwritablePath(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root, permission checks do not apply")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0755) }) //nolint:errcheck

	if _, err := Create(filepath.Join(dir, "sub", "generation")); err == nil {
		t.Error("Create under read-only dir succeeded, want error")
	}
}

func TestPublishLittleEndianLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generation")
	p, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Publish(0x01020304); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x04, 0x03, 0x02, 0x01}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("page bytes = % x, want % x", data, want)
		}
	}
}

func TestReaderProbesMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generation")
	p, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	if got := r.Probe(); got != 0 {
		t.Errorf("Probe() = %d, want 0", got)
	}

	// The mapping observes in-place rewrites without reopening.
	if err := p.Publish(42); err != nil {
		t.Fatal(err)
	}
	if got := r.Probe(); got != 42 {
		t.Errorf("Probe() after publish = %d, want 42", got)
	}
}

func TestReaderWatchReportsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generation")
	p, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan uint32, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Watch(ctx, func(counter uint32) { got <- counter }) //nolint:errcheck
	}()

	// Give the watcher time to register before publishing.
	time.Sleep(100 * time.Millisecond)

	if err := p.Publish(7); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-got:
		if v != 7 {
			t.Errorf("Watch reported %d, want 7", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not report the publish in time")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after context cancel")
	}
}
