package ingress

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eridani-labs/bankd/internal/fifo"
	"github.com/eridani-labs/bankd/internal/wire"
)

func TestReaderReframesContiguousBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.fifo")

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var batches [][]wire.Request

	done := make(chan struct{})
	go func() {
		r.Run(ctx, func(ctx context.Context, batchID string, batch []wire.Request) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, batch)
		})
		close(done)
	}()

	w, err := fifo.OpenWriteBlocking(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}

	for i := int32(1); i <= 3; i++ {
		req := wire.Request{ClientPID: 99, Op: wire.OpDeposit, Amount: 10, IsNewClient: true, BatchSize: 3, OperationIndex: i}
		if err := wire.WriteRequest(w, req); err != nil {
			t.Fatalf("WriteRequest: %v", err)
		}
	}
	w.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(batches)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("len(batches) = %d, want 1", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("len(batches[0]) = %d, want 3", len(batches[0]))
	}
}
