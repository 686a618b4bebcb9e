package queue

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/szibis/spoolq/internal/chunk"
	"github.com/szibis/spoolq/internal/logging"
	"github.com/szibis/spoolq/internal/storage"
)

// newTestQueue creates a queue over a memory medium sized to dimension.
func newTestQueue(t *testing.T, dimension int64, opts ...func(*Config)) (*Queue, *storage.Memory) {
	t.Helper()
	m := storage.NewMemory(dimension)
	cfg := DefaultConfig()
	cfg.Name = strings.ReplaceAll(t.Name(), "/", "_")
	cfg.Dimension = dimension
	for _, opt := range opts {
		opt(&cfg)
	}
	q, err := New(cfg, m)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, m
}

func mustPush(t *testing.T, q *Queue, payload string) {
	t.Helper()
	ok, err := q.Push([]byte(payload))
	if err != nil {
		t.Fatalf("Push(%q) error = %v", payload, err)
	}
	if !ok {
		t.Fatalf("Push(%q) rejected, stats %+v", payload, q.Stats())
	}
}

func mustPop(t *testing.T, q *Queue) string {
	t.Helper()
	data, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if data == nil {
		t.Fatalf("Pop() returned nothing, stats %+v", q.Stats())
	}
	return string(data)
}

func checkInvariants(t *testing.T, q *Queue) {
	t.Helper()
	q.mu.Lock()
	st := q.st
	q.mu.Unlock()
	if err := st.check(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

// sentinelAt reports whether the 16 bytes at offset are all zero.
func sentinelAt(m *storage.Memory, offset int64) bool {
	h, err := chunk.Decode(m.Bytes()[offset:])
	return err == nil && h.IsSentinel()
}

func TestNew(t *testing.T) {
	q, m := newTestQueue(t, 1024)

	if !q.IsEmpty() || q.Len() != 0 {
		t.Errorf("expected empty queue, got %d items", q.Len())
	}
	if q.Dimension() != 1024 {
		t.Errorf("Dimension() = %d, want 1024", q.Dimension())
	}
	if q.FreeSpace() != 1024 || q.UsedSpace() != 0 {
		t.Errorf("FreeSpace() = %d, UsedSpace() = %d", q.FreeSpace(), q.UsedSpace())
	}
	if !sentinelAt(m, 0) {
		t.Error("expected sentinel at offset 0")
	}
	if q.Name() != "TestNew" {
		t.Errorf("Name() = %q", q.Name())
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		medium storage.Medium
	}{
		{"nil medium", Config{Name: "q", Dimension: 128}, nil},
		{"empty name", Config{Dimension: 128}, storage.NewMemory(128)},
		{"too small", Config{Name: "q", Dimension: 16}, storage.NewMemory(128)},
		{"exceeds medium", Config{Name: "q", Dimension: 256}, storage.NewMemory(128)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.medium); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewDefaultsRatioAndScratch(t *testing.T) {
	q, err := New(Config{Name: "defaults", Dimension: 256, DirtyRatio: 3}, storage.NewMemory(256))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if q.dirtyRatio != defaultDirtyRatio {
		t.Errorf("dirtyRatio = %v, want %v", q.dirtyRatio, defaultDirtyRatio)
	}
	if len(q.scratch) != defaultScratchSize {
		t.Errorf("scratch = %d, want %d", len(q.scratch), defaultScratchSize)
	}
}

func TestScenarioTenStrings(t *testing.T) {
	q, _ := newTestQueue(t, 1024)
	words := []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten"}

	for _, w := range words {
		mustPush(t, q, w)
		checkInvariants(t, q)
	}
	if q.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", q.Len())
	}

	for _, want := range words {
		if got := mustPop(t, q); got != want {
			t.Errorf("Pop() = %q, want %q", got, want)
		}
		checkInvariants(t, q)
	}

	data, err := q.Pop()
	if err != nil || data != nil {
		t.Errorf("eleventh Pop() = %q, %v, want nil, nil", data, err)
	}
	if !q.IsEmpty() {
		t.Error("expected empty queue")
	}
}

func TestPushPopOrderVariousSizes(t *testing.T) {
	q, _ := newTestQueue(t, 64*1024)

	var payloads [][]byte
	for i := 1; i <= 200; i++ {
		p := bytes.Repeat([]byte{byte(i)}, i%37+1)
		payloads = append(payloads, p)
		if ok, err := q.Push(p); err != nil || !ok {
			t.Fatalf("Push(%d) = %v, %v", i, ok, err)
		}
	}
	for i, want := range payloads {
		got, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop(%d) error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Pop(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestCountersAfterPushAndPop(t *testing.T) {
	tests := []struct {
		pushes, pops int
	}{
		{0, 0},
		{1, 0},
		{1, 1},
		{5, 2},
		{8, 8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d", tt.pushes, tt.pops), func(t *testing.T) {
			q, _ := newTestQueue(t, 1024)
			for i := 0; i < tt.pushes; i++ {
				mustPush(t, q, fmt.Sprintf("item-%d", i))
			}
			for i := 0; i < tt.pops; i++ {
				mustPop(t, q)
			}
			st := q.Stats()
			if st.Items != int64(tt.pushes-tt.pops) {
				t.Errorf("Items = %d, want %d", st.Items, tt.pushes-tt.pops)
			}
			if q.IsEmpty() != (st.Items == 0) {
				t.Error("IsEmpty() disagrees with Items")
			}
			if q.IsFull() != (st.WriteTo >= st.Dimension) {
				t.Error("IsFull() disagrees with WriteTo")
			}
			if st.UsedSpace != st.WriteTo-st.ReadFrom || st.FreeSpace != st.Dimension-st.WriteTo {
				t.Errorf("inconsistent space accounting: %+v", st)
			}
			checkInvariants(t, q)
		})
	}
}

func TestPushEmptyPayload(t *testing.T) {
	q, _ := newTestQueue(t, 256)
	mustPush(t, q, "keep")
	before := q.Stats()

	for _, p := range [][]byte{nil, {}} {
		ok, err := q.Push(p)
		if !errors.Is(err, ErrEmptyPayload) {
			t.Errorf("Push(%v) error = %v, want ErrEmptyPayload", p, err)
		}
		if ok {
			t.Error("Push() of empty payload reported success")
		}
	}
	if after := q.Stats(); after != before {
		t.Errorf("state changed: before %+v, after %+v", before, after)
	}
	if got := mustPop(t, q); got != "keep" {
		t.Errorf("Pop() = %q", got)
	}
}

func TestCheckPayload(t *testing.T) {
	tests := []struct {
		n    int64
		want error
	}{
		{0, ErrEmptyPayload},
		{1, nil},
		{chunk.MaxPayloadLen, nil},
		{chunk.MaxPayloadLen + 1, ErrPayloadTooLarge},
		{1 << 32, ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		err := checkPayload(tt.n)
		if tt.want == nil {
			if err != nil {
				t.Errorf("checkPayload(%d) = %v, want nil", tt.n, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("checkPayload(%d) = %v, want %v", tt.n, err, tt.want)
		}
	}
}

func TestPushSizeAndWillFit(t *testing.T) {
	q, _ := newTestQueue(t, 128)

	if got := q.PushSize([]byte("abc")); got != 2*chunk.Size+4 {
		t.Errorf("PushSize() = %d, want %d", got, 2*chunk.Size+4)
	}
	if !q.WillFit(make([]byte, 92)) {
		t.Error("92-byte payload should fit")
	}
	// 93 rounds up to 96; 32+96 leaves no strict headroom
	if q.WillFit(make([]byte, 93)) {
		t.Error("93-byte payload should not fit")
	}
}

func TestBackpressureLeavesStateUntouched(t *testing.T) {
	q, _ := newTestQueue(t, 128)
	payload := bytes.Repeat([]byte("x"), 20)

	for i := 0; i < 3; i++ {
		if ok, err := q.Push(payload); err != nil || !ok {
			t.Fatalf("Push(%d) = %v, %v", i, ok, err)
		}
	}
	before := q.Stats()
	if before.WriteTo != 108 {
		t.Fatalf("WriteTo = %d, want 108", before.WriteTo)
	}

	ok, err := q.Push(payload)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if ok {
		t.Fatal("expected push to be rejected")
	}
	if after := q.Stats(); after != before {
		t.Errorf("rejected push changed state: before %+v, after %+v", before, after)
	}
}

func TestBackpressureDirtyButTooLarge(t *testing.T) {
	q, _ := newTestQueue(t, 128)
	payload := bytes.Repeat([]byte("x"), 20)
	for i := 0; i < 3; i++ {
		mustPush(t, q, string(payload))
	}
	mustPop(t, q)
	if !q.IsDirty() {
		t.Fatalf("expected dirty queue, stats %+v", q.Stats())
	}
	before := q.Stats()

	// even a compacted queue could not hold 132 bytes
	ok, err := q.Push(make([]byte, 100))
	if err != nil || ok {
		t.Fatalf("Push() = %v, %v, want rejection", ok, err)
	}
	if after := q.Stats(); after != before {
		t.Errorf("rejected push changed state: before %+v, after %+v", before, after)
	}
}

func TestScenarioSmallQueue(t *testing.T) {
	t.Run("rejects when front is clean", func(t *testing.T) {
		q, _ := newTestQueue(t, 64)
		mustPush(t, q, "aaaa")
		mustPush(t, q, "bbbb")

		ok, err := q.Push([]byte("cccc"))
		if err != nil || ok {
			t.Fatalf("Push() = %v, %v, want false, nil", ok, err)
		}
		if q.Len() != 2 {
			t.Errorf("Len() = %d, want 2", q.Len())
		}
	})

	t.Run("compacts when front is dirty", func(t *testing.T) {
		q, _ := newTestQueue(t, 64)
		mustPush(t, q, "aaaa")
		mustPush(t, q, "bbbb")
		if got := mustPop(t, q); got != "aaaa" {
			t.Fatalf("Pop() = %q", got)
		}
		if st := q.Stats(); st.ReadFrom != 20 || !st.Dirty {
			t.Fatalf("unexpected stats before compaction: %+v", st)
		}

		mustPush(t, q, "cccc")
		st := q.Stats()
		if st.ReadFrom != 0 || st.WriteTo != 40 || st.Items != 2 {
			t.Errorf("unexpected stats after compaction: %+v", st)
		}
		if got := mustPop(t, q); got != "bbbb" {
			t.Errorf("Pop() = %q, want bbbb", got)
		}
		if got := mustPop(t, q); got != "cccc" {
			t.Errorf("Pop() = %q, want cccc", got)
		}
	})
}

func TestPopRepairsFrontHeader(t *testing.T) {
	q, m := newTestQueue(t, 512)
	mustPush(t, q, "first")
	mustPush(t, q, "second")
	mustPush(t, q, "third")

	mustPop(t, q)
	st := q.Stats()
	h, err := chunk.Decode(m.Bytes()[st.ReadFrom:])
	if err != nil {
		t.Fatal(err)
	}
	if h.Prior != 0 {
		t.Errorf("front Prior = %d, want 0", h.Prior)
	}
	if !h.Valid() {
		t.Error("front header checksum not rewritten")
	}
	if h.PayloadLen() != len("second") {
		t.Errorf("front PayloadLen() = %d", h.PayloadLen())
	}

	next, err := chunk.Decode(m.Bytes()[st.ReadFrom+h.FrameLen():])
	if err != nil {
		t.Fatal(err)
	}
	if next.Prior != h.Size {
		t.Errorf("second live chunk Prior = %d, want %d", next.Prior, h.Size)
	}
}

func TestPopLastItemResetsOffsets(t *testing.T) {
	q, m := newTestQueue(t, 256)
	mustPush(t, q, "a")
	mustPush(t, q, "b")
	mustPop(t, q)
	mustPop(t, q)

	st := q.Stats()
	if st.ReadFrom != 0 || st.WriteTo != 0 || st.Items != 0 {
		t.Errorf("expected reset offsets, got %+v", st)
	}
	if !sentinelAt(m, 0) {
		t.Error("expected sentinel at offset 0 after drain")
	}

	// a fresh first chunk has no predecessor
	mustPush(t, q, "c")
	h, _ := chunk.Decode(m.Bytes())
	if h.Prior != 0 {
		t.Errorf("Prior after drain = %d, want 0", h.Prior)
	}
}

func TestSentinelFollowsTail(t *testing.T) {
	q, m := newTestQueue(t, 256)
	for _, p := range []string{"alpha", "beta", "gamma"} {
		mustPush(t, q, p)
		if !sentinelAt(m, q.Stats().WriteTo) {
			t.Fatalf("no sentinel after pushing %q", p)
		}
	}
	mustPop(t, q)
	if !sentinelAt(m, q.Stats().WriteTo) {
		t.Error("no sentinel after pop")
	}
}

func TestPeek(t *testing.T) {
	q, _ := newTestQueue(t, 256)

	data, err := q.Peek()
	if err != nil || data != nil {
		t.Fatalf("Peek() on empty = %q, %v", data, err)
	}

	mustPush(t, q, "head")
	mustPush(t, q, "tail")
	for i := 0; i < 2; i++ {
		data, err := q.Peek()
		if err != nil || string(data) != "head" {
			t.Fatalf("Peek() = %q, %v", data, err)
		}
	}
	if q.Len() != 2 {
		t.Errorf("Peek() consumed a record, Len() = %d", q.Len())
	}
	if got := mustPop(t, q); got != "head" {
		t.Errorf("Pop() = %q", got)
	}
}

func TestFlush(t *testing.T) {
	q, m := newTestQueue(t, 256)
	mustPush(t, q, "one")
	mustPush(t, q, "two")
	mustPop(t, q)

	if err := q.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	st := q.Stats()
	if st.Items != 0 || st.ReadFrom != 0 || st.WriteTo != 0 {
		t.Errorf("unexpected stats after flush: %+v", st)
	}
	if st.Dimension != 256 {
		t.Errorf("Flush changed dimension to %d", st.Dimension)
	}
	if !sentinelAt(m, 0) {
		t.Error("expected sentinel at 0 after flush")
	}
	data, err := q.Pop()
	if err != nil || data != nil {
		t.Errorf("Pop() after flush = %q, %v", data, err)
	}
	mustPush(t, q, "again")
	if got := mustPop(t, q); got != "again" {
		t.Errorf("Pop() = %q", got)
	}
}

func TestClose(t *testing.T) {
	q, _ := newTestQueue(t, 256)
	mustPush(t, q, "x")
	if err := q.Health(); err != nil {
		t.Fatalf("Health() on open queue = %v", err)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := q.Health(); !errors.Is(err, ErrClosed) {
		t.Errorf("Health() after close = %v, want ErrClosed", err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := q.Push([]byte("y")); !errors.Is(err, ErrClosed) {
		t.Errorf("Push() after close error = %v, want ErrClosed", err)
	}
	if _, err := q.Pop(); !errors.Is(err, ErrClosed) {
		t.Errorf("Pop() after close error = %v, want ErrClosed", err)
	}
	if err := q.Flush(); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush() after close error = %v, want ErrClosed", err)
	}
	if err := q.Serialize(io.Discard); !errors.Is(err, ErrClosed) {
		t.Errorf("Serialize() after close error = %v, want ErrClosed", err)
	}
}

// faultyMedium wraps a medium and injects failures.
type faultyMedium struct {
	storage.Medium
	failWrites bool
	shortReads bool
}

func (f *faultyMedium) Write(p []byte) (int, error) {
	if f.failWrites {
		return 0, errors.New("injected write failure")
	}
	return f.Medium.Write(p)
}

func (f *faultyMedium) Read(p []byte) (int, error) {
	if f.shortReads && len(p) > 1 {
		n, _ := f.Medium.Read(p[:len(p)/2])
		return n, io.EOF
	}
	return f.Medium.Read(p)
}

func newFaultyQueue(t *testing.T) (*Queue, *faultyMedium) {
	t.Helper()
	fm := &faultyMedium{Medium: storage.NewMemory(512)}
	q, err := New(Config{Name: strings.ReplaceAll(t.Name(), "/", "_"), Dimension: 512}, fm)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, fm
}

func TestWriteFailureIsFatal(t *testing.T) {
	q, fm := newFaultyQueue(t)
	mustPush(t, q, "ok")

	fm.failWrites = true
	_, err := q.Push([]byte("boom"))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Push() error = %v, want ErrIO", err)
	}
	var ioErr *storage.IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "write chunk" {
		t.Errorf("expected IOError for write chunk, got %v", err)
	}

	fm.failWrites = false
	if _, err := q.Pop(); !errors.Is(err, ErrBroken) {
		t.Errorf("Pop() after fatal error = %v, want ErrBroken", err)
	}
	if _, err := q.Push([]byte("x")); !errors.Is(err, ErrBroken) {
		t.Errorf("Push() after fatal error = %v, want ErrBroken", err)
	}
	if err := q.Health(); !errors.Is(err, ErrBroken) {
		t.Errorf("Health() after fatal error = %v, want ErrBroken", err)
	}
}

func TestHeaderWriteFailureIsFatal(t *testing.T) {
	q, fm := newFaultyQueue(t)
	mustPush(t, q, "first")
	mustPush(t, q, "second")

	fm.failWrites = true
	_, err := q.Pop()
	var ioErr *storage.IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "write header" {
		t.Fatalf("Pop() error = %v, want IOError for write header", err)
	}
	if !strings.Contains(err.Error(), "expected to write 16 header bytes") {
		t.Errorf("error %q does not report the short header write", err)
	}

	fm.failWrites = false
	if _, err := q.Pop(); !errors.Is(err, ErrBroken) {
		t.Errorf("Pop() after fatal error = %v, want ErrBroken", err)
	}
}

func TestShortReadIsFatal(t *testing.T) {
	q, fm := newFaultyQueue(t)
	mustPush(t, q, "payload")

	fm.shortReads = true
	_, err := q.Pop()
	if !errors.Is(err, ErrIO) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Pop() error = %v, want ErrIO wrapping io.ErrUnexpectedEOF", err)
	}
	if q.Len() != 1 {
		t.Errorf("failed Pop() changed Len() to %d", q.Len())
	}
}

func TestCapacityOverflowIsFatal(t *testing.T) {
	// dimension larger than the medium can only come from a restored dump;
	// force it here to check the medium's own capacity check
	q, _ := newTestQueue(t, 64)
	q.mu.Lock()
	q.st.dimension = 4096
	q.mu.Unlock()

	mustPush(t, q, "fits")
	_, err := q.Push(make([]byte, 100))
	if !errors.Is(err, storage.ErrCapacity) || !errors.Is(err, ErrIO) {
		t.Errorf("Push() error = %v, want ErrCapacity wrapped in ErrIO", err)
	}
}

func TestLoggerReceivesEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf)
	q, _ := newTestQueue(t, 64, func(c *Config) { c.Logger = logger })

	mustPush(t, q, "aaaa")
	mustPush(t, q, "bbbb")
	if ok, _ := q.Push([]byte("cccc")); ok {
		t.Fatal("expected rejection")
	}
	mustPop(t, q)
	mustPush(t, q, "cccc")

	out := buf.String()
	for _, want := range []string{"queue full, push rejected", "compaction started", "compaction finished"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestMediumKinds(t *testing.T) {
	kinds := []storage.Kind{storage.KindFile, storage.KindMemory, storage.KindMmap}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			if kind == storage.KindMmap && runtime.GOOS == "windows" {
				t.Skip("mmap medium is unix only")
			}
			m, err := storage.Open(kind, filepath.Join(t.TempDir(), "queue.bin"), 256)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			q, err := New(Config{Name: "kind_" + string(kind), Dimension: 256}, m)
			if err != nil {
				t.Fatal(err)
			}
			defer q.Close()

			var want []string
			for i := 0; ; i++ {
				p := fmt.Sprintf("record-%02d", i)
				ok, err := q.Push([]byte(p))
				if err != nil {
					t.Fatal(err)
				}
				if !ok {
					break
				}
				want = append(want, p)
			}
			for i := 0; i < 3; i++ {
				if got := mustPop(t, q); got != want[0] {
					t.Fatalf("Pop() = %q, want %q", got, want[0])
				}
				want = want[1:]
			}
			mustPush(t, q, "after-compaction")
			want = append(want, "after-compaction")
			if q.Stats().ReadFrom != 0 {
				t.Errorf("expected compaction, stats %+v", q.Stats())
			}
			if err := q.Verify(); err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if err := q.Sync(); err != nil {
				t.Fatalf("Sync() error = %v", err)
			}
			for _, w := range want {
				if got := mustPop(t, q); got != w {
					t.Fatalf("Pop() = %q, want %q", got, w)
				}
			}
		})
	}
}
