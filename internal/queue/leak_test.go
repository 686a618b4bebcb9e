package queue

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/szibis/spoolq/internal/storage"
	"go.uber.org/goleak"
)

func TestLeakCheck_ProducerConsumer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q, err := New(Config{Name: "leak_producer_consumer", Dimension: 1024}, storage.NewMemory(1024))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	const total = 2000
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			ok, err := q.Push([]byte(fmt.Sprintf("record-%05d", i)))
			if err != nil {
				errCh <- err
				return
			}
			if !ok {
				runtime.Gosched()
				continue
			}
			i++
		}
	}()
	go func() {
		defer wg.Done()
		deadline := time.Now().Add(10 * time.Second)
		for i := 0; i < total; {
			if time.Now().After(deadline) {
				errCh <- fmt.Errorf("consumer stalled at record %d", i)
				return
			}
			data, err := q.Pop()
			if err != nil {
				errCh <- err
				return
			}
			if data == nil {
				runtime.Gosched()
				continue
			}
			if want := fmt.Sprintf("record-%05d", i); string(data) != want {
				errCh <- fmt.Errorf("Pop() = %q, want %q", data, want)
				return
			}
			i++
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	if !q.IsEmpty() {
		t.Errorf("expected empty queue, %d items left", q.Len())
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestLeakCheck_CheckpointCycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	m, err := storage.OpenFile(dir+"/leak.bin", 512)
	if err != nil {
		t.Fatal(err)
	}
	q, err := New(Config{Name: "leak_checkpoint", Dimension: 512}, m)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		mustPush(t, q, "test-data")
	}
	if _, err := q.SaveCheckpoint(dir); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if _, err := q.LoadCheckpoint(dir); err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
