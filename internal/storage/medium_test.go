package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// openAll returns one medium of each kind available on this platform.
func openAll(t *testing.T, capacity int64) map[Kind]Medium {
	t.Helper()
	dir := t.TempDir()
	media := map[Kind]Medium{}
	for _, kind := range []Kind{KindFile, KindMemory, KindMmap} {
		if kind == KindMmap && runtime.GOOS == "windows" {
			continue
		}
		m, err := Open(kind, filepath.Join(dir, string(kind)+".bin"), capacity)
		if err != nil {
			t.Fatalf("Open(%s) error = %v", kind, err)
		}
		t.Cleanup(func() { _ = m.Detach() })
		media[kind] = m
	}
	return media
}

func TestMediumReadWriteSeek(t *testing.T) {
	for kind, m := range openAll(t, 64) {
		t.Run(string(kind), func(t *testing.T) {
			if m.Capacity() != 64 {
				t.Fatalf("Capacity() = %d, want 64", m.Capacity())
			}
			if _, err := m.Seek(10, io.SeekStart); err != nil {
				t.Fatalf("Seek() error = %v", err)
			}
			if n, err := m.Write([]byte("hello")); err != nil || n != 5 {
				t.Fatalf("Write() = %d, %v", n, err)
			}
			pos, err := m.Seek(0, io.SeekCurrent)
			if err != nil || pos != 15 {
				t.Fatalf("Seek(current) = %d, %v, want 15", pos, err)
			}
			if _, err := m.Seek(-5, io.SeekCurrent); err != nil {
				t.Fatalf("Seek(-5) error = %v", err)
			}
			buf := make([]byte, 5)
			if _, err := io.ReadFull(m, buf); err != nil {
				t.Fatalf("ReadFull() error = %v", err)
			}
			if string(buf) != "hello" {
				t.Errorf("read %q, want %q", buf, "hello")
			}
			end, err := m.Seek(0, io.SeekEnd)
			if err != nil || end != 64 {
				t.Errorf("Seek(end) = %d, %v, want 64", end, err)
			}
		})
	}
}

func TestMediumCapacityCheck(t *testing.T) {
	for kind, m := range openAll(t, 16) {
		t.Run(string(kind), func(t *testing.T) {
			if _, err := m.Seek(12, io.SeekStart); err != nil {
				t.Fatal(err)
			}
			if _, err := m.Write([]byte("12345")); !errors.Is(err, ErrCapacity) {
				t.Errorf("Write() error = %v, want ErrCapacity", err)
			}
			if _, err := m.Write([]byte("1234")); err != nil {
				t.Errorf("Write() up to capacity error = %v", err)
			}
		})
	}
}

func TestMediumReadAtEnd(t *testing.T) {
	for kind, m := range openAll(t, 8) {
		t.Run(string(kind), func(t *testing.T) {
			if _, err := m.Seek(6, io.SeekStart); err != nil {
				t.Fatal(err)
			}
			buf := make([]byte, 4)
			_, err := io.ReadFull(m, buf)
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("ReadFull() past end error = %v, want io.ErrUnexpectedEOF", err)
			}
			n, err := m.Read(buf)
			if n != 0 || err != io.EOF {
				t.Errorf("Read() at end = %d, %v, want 0, io.EOF", n, err)
			}
		})
	}
}

func TestMediumNegativeSeek(t *testing.T) {
	m := NewMemory(8)
	if _, err := m.Seek(-1, io.SeekStart); !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("Seek(-1) error = %v, want ErrNegativeOffset", err)
	}
	if _, err := m.Seek(0, 42); err == nil {
		t.Error("expected error for invalid whence")
	}
}

func TestMediumDetach(t *testing.T) {
	for kind, m := range openAll(t, 8) {
		t.Run(string(kind), func(t *testing.T) {
			if err := m.Detach(); err != nil {
				t.Fatalf("Detach() error = %v", err)
			}
			if err := m.Detach(); err != nil {
				t.Errorf("second Detach() error = %v", err)
			}
			if _, err := m.Write([]byte("x")); !errors.Is(err, ErrDetached) {
				t.Errorf("Write() after detach error = %v, want ErrDetached", err)
			}
			if _, err := m.Read(make([]byte, 1)); !errors.Is(err, ErrDetached) {
				t.Errorf("Read() after detach error = %v, want ErrDetached", err)
			}
		})
	}
}

func TestFilePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q", "data.bin")

	f, err := OpenFile(path, 32)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.Write([]byte("durable")); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := f.Detach(); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 32 {
		t.Errorf("file size = %d, want 32", info.Size())
	}

	f, err = OpenFile(path, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Detach()
	buf := make([]byte, 7)
	if _, err := io.ReadFull(f, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte("durable")) {
		t.Errorf("read %q after reopen", buf)
	}
}

func TestMmapSync(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mmap medium is unix only")
	}
	path := filepath.Join(t.TempDir(), "mapped.bin")
	m, err := OpenMmap(path, 4096)
	if err != nil {
		t.Fatalf("OpenMmap() error = %v", err)
	}
	if _, err := m.Write([]byte("mapped")); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := m.Detach(); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("mapped")) {
		t.Errorf("file does not contain mapped bytes: %q", data[:8])
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		err  bool
	}{
		{"", KindFile, false},
		{"file", KindFile, false},
		{"MEMORY", KindMemory, false},
		{"mem", KindMemory, false},
		{" mmap ", KindMmap, false},
		{"tape", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenRejectsBadCapacity(t *testing.T) {
	if _, err := Open(KindMemory, "", 0); err == nil {
		t.Error("expected error for zero capacity")
	}
	if _, err := Open(Kind("tape"), "", 8); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestIOError(t *testing.T) {
	err := Fail("read header", 48, io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrIO) {
		t.Error("IOError should match ErrIO")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("IOError should unwrap to its cause")
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Offset != 48 {
		t.Errorf("errors.As() = %+v", ioErr)
	}
	want := "read header at offset 48: unexpected EOF"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
