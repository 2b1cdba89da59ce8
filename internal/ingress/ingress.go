// Package ingress reads the server's well-known FIFO and reframes the
// stream of per-operation request records into batches keyed by client
// pid. A batch is delimited entirely by data already on
// the wire — the client pid and BatchSize on every record — there is no
// separate control message.
package ingress

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/eridani-labs/bankd/internal/fifo"
	"github.com/eridani-labs/bankd/internal/wire"
	"github.com/eridani-labs/bankd/pkg/logging"
)

// Handler is called once per complete batch, in the order the batch's
// records were read off the wire (not necessarily OperationIndex order,
// since OperationIndex is caller-assigned metadata, not a sequencing
// guarantee of the transport). batchID is a correlation id minted fresh
// per batch, threaded through to the audit store and the logs.
type Handler func(ctx context.Context, batchID string, batch []wire.Request)

// Reader owns the server FIFO and feeds complete batches to a Handler.
type Reader struct {
	path       string
	reader     *os.File
	selfWriter *os.File
	log        *logging.Logger
}

// Open creates the server FIFO at path (if absent) and opens it for
// reading, keeping a second descriptor open for writing to itself so the
// read side never observes EOF between clients.
func Open(path string) (*Reader, error) {
	if err := fifo.Create(path); err != nil {
		return nil, err
	}

	r, w, err := fifo.OpenReadDuplex(path)
	if err != nil {
		return nil, err
	}

	return &Reader{
		path:       path,
		reader:     r,
		selfWriter: w,
		log:        logging.GetDefault().Component("ingress"),
	}, nil
}

// Close releases both descriptors and removes the FIFO from disk.
func (r *Reader) Close() error {
	r.reader.Close()
	r.selfWriter.Close()
	return fifo.Remove(r.path)
}

// Run reads records until ctx is cancelled or the FIFO is closed,
// grouping contiguous records from the same client pid into batches of
// BatchSize and invoking handle once per complete batch. Partial
// batches still outstanding when ctx is cancelled are delivered as-is,
// since a client that stops mid-batch has already given up on the
// missing operations.
func (r *Reader) Run(ctx context.Context, handle Handler) error {
	pending := map[int32][]wire.Request{}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		r.reader.Close()
		close(done)
	}()

	for {
		req, err := wire.ReadRequest(r.reader)
		if err != nil {
			select {
			case <-ctx.Done():
				r.flushAll(ctx, pending, handle)
				return nil
			default:
			}
			if err == io.EOF {
				continue
			}
			return fmt.Errorf("ingress: read request: %w", err)
		}

		batch := append(pending[req.ClientPID], req)
		pending[req.ClientPID] = batch

		if int32(len(batch)) >= req.BatchSize {
			delete(pending, req.ClientPID)
			batchID := uuid.NewString()
			r.log.Debug("batch complete", "batch_id", batchID, "client_pid", req.ClientPID, "size", len(batch))
			handle(ctx, batchID, batch)
		}
	}
}

func (r *Reader) flushAll(ctx context.Context, pending map[int32][]wire.Request, handle Handler) {
	for pid, batch := range pending {
		batchID := uuid.NewString()
		r.log.Warn("delivering incomplete batch at shutdown", "batch_id", batchID, "client_pid", pid, "got", len(batch))
		handle(ctx, batchID, batch)
	}
}
