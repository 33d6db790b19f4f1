package disk

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

// patternBytes produces a deterministic junk payload for round-trip tests.
func patternBytes(n int, seed byte) []byte {
	buf := make([]byte, n)
	v := seed
	for i := range buf {
		v = v*37 + 13
		buf[i] = v
	}
	return buf
}

func TestBufferReadWrite(t *testing.T) {
	g := NewBuffer(make([]byte, 64), false, false)

	data := patternBytes(16, 1)
	if err := gfdWriteAt(g, data, 8); err != nil {
		t.Fatalf("write: %v", err)
	}
	back := make([]byte, 16)
	if err := gfdReadAt(g, back, 8); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range data {
		if back[i] != data[i] {
			t.Fatalf("byte %d: got %02x want %02x", i, back[i], data[i])
		}
	}

	// fixed buffer must not grow
	if err := gfdWriteAt(g, data, 56); err != ErrDataOverrun {
		t.Errorf("overrun write: got %v want ErrDataOverrun", err)
	}
	// reading off the end underruns
	if err := gfdReadAt(g, back, 56); err != ErrDataUnderrun {
		t.Errorf("underrun read: got %v want ErrDataUnderrun", err)
	}
}

func TestBufferGrowable(t *testing.T) {
	g := NewBuffer(nil, true, false)
	data := patternBytes(100, 2)
	if err := gfdWriteAt(g, data, 50); err != nil {
		t.Fatalf("write: %v", err)
	}
	length, err := gfdLength(g)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if length != 150 {
		t.Errorf("length: got %d want 150", length)
	}
	if err := g.Truncate(75); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if len(g.Bytes()) != 75 {
		t.Errorf("after truncate: got %d bytes want 75", len(g.Bytes()))
	}
}

func TestBufferReadOnly(t *testing.T) {
	g := NewBuffer(make([]byte, 32), false, true)
	if err := gfdWriteAt(g, []byte{1}, 0); err != ErrAccessDenied {
		t.Errorf("write to read-only buffer: got %v want ErrAccessDenied", err)
	}
}

func TestSubGFDWindow(t *testing.T) {
	backing := patternBytes(256, 3)
	parent := NewBuffer(backing, false, false)
	sub, err := NewSubGFD(parent, 64, 128, false)
	if err != nil {
		t.Fatalf("NewSubGFD: %v", err)
	}

	got := make([]byte, 16)
	if err := gfdReadAt(sub, got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range got {
		if got[i] != backing[64+i] {
			t.Fatalf("byte %d: got %02x want %02x", i, got[i], backing[64+i])
		}
	}

	// writes land in the parent at the window offset
	if err := gfdWriteAt(sub, []byte{0xaa, 0xbb}, 10); err != nil {
		t.Fatalf("write: %v", err)
	}
	if backing[74] != 0xaa || backing[75] != 0xbb {
		t.Errorf("write did not land in parent: %02x %02x", backing[74], backing[75])
	}

	// the window never grows
	if err := gfdWriteAt(sub, got, 120); err != ErrDataOverrun {
		t.Errorf("write past window: got %v want ErrDataOverrun", err)
	}
	if err := gfdReadAt(sub, got, 120); err != ErrDataUnderrun {
		t.Errorf("read past window: got %v want ErrDataUnderrun", err)
	}

	length, err := gfdLength(sub)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if length != 128 {
		t.Errorf("length: got %d want 128", length)
	}

	// closing the window must leave the parent usable
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := gfdReadAt(parent, got, 0); err != nil {
		t.Errorf("parent read after sub close: %v", err)
	}
}

func TestSubGFDReadOnly(t *testing.T) {
	parent := NewBuffer(make([]byte, 64), false, false)
	sub, err := NewSubGFD(parent, 0, 64, true)
	if err != nil {
		t.Fatalf("NewSubGFD: %v", err)
	}
	if err := gfdWriteAt(sub, []byte{1}, 0); err != ErrAccessDenied {
		t.Errorf("write: got %v want ErrAccessDenied", err)
	}
}

func TestFileGFD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scratch.img")

	g, err := CreateFile(path)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	data := patternBytes(1024, 4)
	if err := gfdWriteAt(g, data, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := CreateFile(path); err == nil {
		t.Error("CreateFile over an existing file should fail")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	g2, err := OpenFile(path, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer g2.Close()
	length, err := gfdLength(g2)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if length != 1024 {
		t.Errorf("length: got %d want 1024", length)
	}
	back := make([]byte, 1024)
	if err := gfdReadAt(g2, back, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range data {
		if back[i] != data[i] {
			t.Fatalf("byte %d differs", i)
		}
	}
	if err := gfdWriteAt(g2, []byte{1}, 0); err != ErrAccessDenied {
		t.Errorf("write to read-only file: got %v want ErrAccessDenied", err)
	}
	if err := gfdReadAt(g2, back, 512); err != ErrDataUnderrun {
		t.Errorf("short read: got %v want ErrDataUnderrun", err)
	}
}

func TestOpenFileMissing(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "nope.dsk"), true)
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if !os.IsNotExist(err) && err.Error() == "" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSeekWhence(t *testing.T) {
	g := NewBuffer(make([]byte, 100), false, false)
	if _, err := g.Seek(10, io.SeekStart); err != nil {
		t.Fatalf("seek start: %v", err)
	}
	pos, err := g.Seek(5, io.SeekCurrent)
	if err != nil || pos != 15 {
		t.Fatalf("seek current: pos=%d err=%v", pos, err)
	}
	pos, err = g.Seek(-20, io.SeekEnd)
	if err != nil || pos != 80 {
		t.Fatalf("seek end: pos=%d err=%v", pos, err)
	}
	if _, err := g.Seek(-1, io.SeekStart); err == nil {
		t.Error("negative seek should fail")
	}
}
