// Package dispatcher implements the batch dispatcher and the arbiter
// that serialises database access on its behalf. One
// teller goroutine is spawned per operation in a batch; all tellers in
// the process share a single arbiter goroutine that is the sole caller
// into internal/ledger, so database mutation order is exactly the order
// in which tellers' requests are serviced — not necessarily the
// batch's operation_index order.
//
// The original design polls(2) readiness across per-teller pipes so the
// arbiter never blocks on a single slow teller; here, fanning every
// teller's request into one Go channel gets the same property for free
// from the Go scheduler; no readiness loop is needed because channel
// receive already blocks only on "is anything ready", exactly what
// poll(2) computed by hand.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/eridani-labs/bankd/internal/audit"
	"github.com/eridani-labs/bankd/internal/ledger"
	"github.com/eridani-labs/bankd/internal/teller"
	"github.com/eridani-labs/bankd/internal/wire"
	"github.com/eridani-labs/bankd/pkg/logging"
)

// job is one teller's request queued for the arbiter, paired with the
// private channel its response must be delivered back on.
type job struct {
	batchID string
	req     wire.TellerRequest
	reply   chan<- wire.TellerResponse
}

// Dispatcher fans a batch out into tellers and arbitrates their access
// to a single ledger.Database for the lifetime of the server process.
type Dispatcher struct {
	db       *ledger.Database
	audit    *audit.Store // nil disables audit recording entirely
	timeouts teller.Timeouts
	sem      *semaphore.Weighted
	jobs     chan job
	log      *logging.Logger
}

// Config bounds the dispatcher's resource usage.
type Config struct {
	// MaxConcurrentTellers bounds the number of goroutines with an
	// in-flight operation across the whole server, generalizing per-batch
	// concurrency to a system-wide resource bound.
	MaxConcurrentTellers int64
	Timeouts             teller.Timeouts
	// Audit is optional; when nil, operations are not recorded.
	Audit *audit.Store
}

// New starts a Dispatcher with its arbiter goroutine running in the
// background until ctx is cancelled.
func New(ctx context.Context, db *ledger.Database, cfg Config) *Dispatcher {
	if cfg.MaxConcurrentTellers <= 0 {
		cfg.MaxConcurrentTellers = 64
	}

	d := &Dispatcher{
		db:       db,
		audit:    cfg.Audit,
		timeouts: cfg.Timeouts,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentTellers),
		jobs:     make(chan job),
		log:      logging.GetDefault().Component("dispatcher"),
	}

	go d.runArbiter(ctx)
	return d
}

func (d *Dispatcher) runArbiter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.jobs:
			resp := d.apply(j.req)
			d.recordAudit(j.batchID, j.req, resp)
			select {
			case j.reply <- resp:
			default:
				// Teller gave up (timed out) before we could reply; drop it.
			}
		}
	}
}

// recordAudit best-effort logs one resolved operation to the audit
// store. A failure here never affects the response already computed —
// the audit trail is strictly secondary (see internal/audit).
func (d *Dispatcher) recordAudit(batchID string, req wire.TellerRequest, resp wire.TellerResponse) {
	if d.audit == nil {
		return
	}
	status := resp.Status
	balance := resp.Balance
	rec := audit.OperationRecord{
		BatchID:        batchID,
		OperationIndex: int(req.ClientIndex),
		OpCode:         req.Op,
		RequestedID:    req.BankID,
		IsNewClient:    req.IsNewClient,
		Amount:         req.Amount,
		Status:         &status,
		BalanceAfter:   &balance,
		AssignedID:     resp.BankID,
		Message:        resp.Message,
	}
	if err := d.audit.RecordOperation(rec); err != nil {
		d.log.Warn("failed to record audit operation", "batch_id", batchID, "error", err)
	}
}

// apply performs exactly one database mutation. This is the arbiter's
// only touch point on internal/ledger: it acquires the database mutex,
// performs the database op, and releases the mutex — ledger.Database's
// own mutex does the acquiring/releasing,
// the arbiter just guarantees only one request is in flight at a time.
func (d *Dispatcher) apply(req wire.TellerRequest) wire.TellerResponse {
	switch req.Op {
	case wire.OpDeposit:
		var (
			acc *ledger.Account
			err error
		)
		if req.IsNewClient {
			acc, err = d.db.Open(int(req.Amount))
		} else {
			acc, err = d.db.Deposit(req.BankID, int(req.Amount))
		}
		return d.toResponse(acc, err, req.BankID)

	case wire.OpWithdraw:
		acc, err := d.db.Withdraw(req.BankID, int(req.Amount))
		return d.toResponse(acc, err, req.BankID)

	default:
		return wire.TellerResponse{
			Status:  wire.ErrInvalidOperation,
			BankID:  req.BankID,
			Message: fmt.Sprintf("unknown operation code %d", req.Op),
		}
	}
}

func (d *Dispatcher) toResponse(acc *ledger.Account, err error, requestedID string) wire.TellerResponse {
	if err != nil {
		switch err {
		case ledger.ErrNoAccount:
			return wire.TellerResponse{Status: wire.ErrNoAccount, BankID: requestedID, Message: "no such account"}
		case ledger.ErrInsufficientFunds:
			return wire.TellerResponse{Status: wire.ErrInsufficientFunds, BankID: requestedID, Message: "insufficient funds"}
		default:
			return wire.TellerResponse{Status: wire.ErrInvalidOperation, BankID: requestedID, Message: err.Error()}
		}
	}
	return wire.TellerResponse{
		Status:  wire.StatusOK,
		Balance: acc.Balance,
		BankID:  acc.ID,
	}
}

// Dispatch spawns one teller per request in the batch, waits for all of
// them to finish (or for ctx to be cancelled), and returns. A teller that
// cannot reach the client never returns an error here — failure paths
// are terminal for that one operation, never for the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, batchID string, batch []wire.Request) error {
	if d.audit != nil && len(batch) > 0 {
		if err := d.audit.RecordBatch(batchID, int(batch[0].ClientPID), len(batch)); err != nil {
			d.log.Warn("failed to record audit batch", "batch_id", batchID, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, req := range batch {
		req := req
		if err := d.sem.Acquire(gctx, 1); err != nil {
			d.log.Warn("dropping operation, dispatcher shutting down", "client_pid", req.ClientPID, "index", req.OperationIndex)
			continue
		}

		g.Go(func() error {
			defer d.sem.Release(1)

			toArbiter := make(chan wire.TellerRequest, 1)
			fromArbiter := make(chan wire.TellerResponse, 1)

			done := make(chan struct{})
			go func() {
				defer close(done)
				select {
				case treq := <-toArbiter:
					select {
					case d.jobs <- job{batchID: batchID, req: treq, reply: fromArbiter}:
					case <-gctx.Done():
					}
				case <-gctx.Done():
				}
			}()

			clientPath := teller.ClientFIFOPath(int(req.ClientPID), int(req.OperationIndex))
			teller.Run(gctx, req, clientPath, teller.Mailbox{
				ToArbiter:   toArbiter,
				FromArbiter: fromArbiter,
			}, d.timeouts)

			<-done
			return nil
		})
	}

	return g.Wait()
}

// GracePeriod is how long Dispatch's caller should wait for stragglers
// after cancelling ctx during shutdown.
const GracePeriod = 2 * time.Second
