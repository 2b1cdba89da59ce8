// Package bankclient implements the client batch driver: given an
// ordered list of operations and the server's well-known FIFO, it
// produces exactly one result per operation.
package bankclient

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eridani-labs/bankd/internal/fifo"
	"github.com/eridani-labs/bankd/internal/opfile"
	"github.com/eridani-labs/bankd/internal/wire"
	"github.com/eridani-labs/bankd/pkg/logging"
)

// Config bounds the driver's blocking operations.
type Config struct {
	ServerFIFOPath string
	TotalDeadline  time.Duration // overall budget, ~30s
	PollInterval   time.Duration // response-poll cadence, ~250ms
	WriteRetry     time.Duration
}

// DefaultConfig returns the default client timing budget.
func DefaultConfig(serverFIFOPath string) Config {
	return Config{
		ServerFIFOPath: serverFIFOPath,
		TotalDeadline:  30 * time.Second,
		PollInterval:   250 * time.Millisecond,
		WriteRetry:     25 * time.Millisecond,
	}
}

// Result is one operation's outcome, ready for display.
type Result struct {
	Op      opfile.Op
	Index   int // 1-based, matches wire.Request.OperationIndex
	Status  int32
	Balance int32
	BankID  string
	Message string

	// Err is set only when the operation could not be completed at all
	// (the response FIFO never produced a record before the deadline).
	Err error
}

// Closed reports whether this result represents a withdrawal that
// drained its account, closing it.
func (r Result) Closed() bool {
	return r.Status == wire.StatusOK && r.Balance == 0
}

type pendingOp struct {
	index int
	op    opfile.Op
	path  string
	file  *os.File // nil until opened
}

// Run executes one full batch: creates per-operation FIFOs, writes every
// request to the server FIFO, then multiplexes responses until every
// operation resolves or the total deadline elapses.
func Run(ctx context.Context, clientPID int, ops []opfile.Op, cfg Config) ([]Result, error) {
	log := logging.GetDefault().Component("bankclient")

	pending := make([]*pendingOp, len(ops))
	for i, op := range ops {
		pending[i] = &pendingOp{
			index: i + 1,
			op:    op,
			path:  fmt.Sprintf("/tmp/bank_cl_%d_%d", clientPID, i+1),
		}
		if err := fifo.Create(pending[i].path); err != nil {
			return nil, fmt.Errorf("bankclient: create response fifo: %w", err)
		}
	}
	defer func() {
		for _, p := range pending {
			fifo.Remove(p.path)
		}
	}()

	serverFile, err := fifo.OpenWriteBlocking(cfg.ServerFIFOPath)
	if err != nil {
		return nil, fmt.Errorf("bankclient: open server fifo: %w", err)
	}
	defer serverFile.Close()

	for _, p := range pending {
		req := wire.Request{
			ClientPID:      int32(clientPID),
			Op:             opToWire(p.op),
			Amount:         int32(p.op.Amount),
			BankID:         p.op.BankID,
			IsNewClient:    p.op.IsNew,
			BatchSize:      int32(len(ops)),
			OperationIndex: int32(p.index),
		}
		if err := writeWithRetry(ctx, serverFile, req, cfg.WriteRetry); err != nil {
			log.Warn("failed to submit operation, will time out", "index", p.index, "error", err)
		}
	}

	return multiplex(ctx, pending, cfg, log)
}

func opToWire(op opfile.Op) int32 {
	if op.Kind == opfile.Withdraw {
		return wire.OpWithdraw
	}
	return wire.OpDeposit
}

func writeWithRetry(ctx context.Context, w *os.File, req wire.Request, retryEvery time.Duration) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := wire.WriteRequest(w, req)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryEvery):
		}
	}
}

// multiplex opens every per-operation FIFO non-blocking, then polls for
// readiness until every operation has a result or the deadline elapses.
func multiplex(ctx context.Context, pending []*pendingOp, cfg Config, log *logging.Logger) ([]Result, error) {
	results := make([]Result, len(pending))
	resolved := make([]bool, len(pending))
	remaining := len(pending)

	deadline := time.Now().Add(cfg.TotalDeadline)

	for remaining > 0 && time.Now().Before(deadline) {
		var fds []int
		var idxByFd = map[int]int{}

		for i, p := range pending {
			if resolved[i] {
				continue
			}
			if p.file == nil {
				f, err := fifo.OpenReadNonblock(p.path)
				if err != nil {
					continue // retried on next loop iteration
				}
				p.file = f
			}
			fd := int(p.file.Fd())
			fds = append(fds, fd)
			idxByFd[fd] = i
		}

		if len(fds) == 0 {
			select {
			case <-ctx.Done():
				return finalize(pending, results, resolved), ctx.Err()
			case <-time.After(cfg.PollInterval):
			}
			continue
		}

		ready, err := fifo.PollReady(fds, cfg.PollInterval)
		if err != nil {
			log.Warn("poll failed", "error", err)
			continue
		}

		for _, fdi := range ready {
			fd := fds[fdi]
			i := idxByFd[fd]
			p := pending[i]

			resp, err := wire.ReadResponse(p.file)
			p.file.Close()
			p.file = nil
			if err != nil {
				continue // leave unresolved; retried or times out
			}

			results[i] = toResult(p, resp)
			resolved[i] = true
			remaining--
		}

		select {
		case <-ctx.Done():
			return finalize(pending, results, resolved), ctx.Err()
		default:
		}
	}

	return finalize(pending, results, resolved), nil
}

func toResult(p *pendingOp, resp wire.Response) Result {
	bankID := resp.BankID
	if !(resp.Status == wire.StatusOK && p.op.IsNew) {
		// Only a successful response to a New-client request rebinds the
		// id; every other response echoes the id the client already knew.
		if !p.op.IsNew {
			bankID = p.op.BankID
		}
	}
	return Result{
		Op:      p.op,
		Index:   p.index,
		Status:  resp.Status,
		Balance: resp.Balance,
		BankID:  bankID,
		Message: resp.Message,
	}
}

func finalize(pending []*pendingOp, results []Result, resolved []bool) []Result {
	for i, p := range pending {
		if p.file != nil {
			p.file.Close()
		}
		if !resolved[i] {
			results[i] = Result{
				Op:      p.op,
				Index:   p.index,
				Status:  wire.ErrInvalidOperation,
				BankID:  p.op.BankID,
				Message: "timeout",
				Err:     fmt.Errorf("bankclient: operation %d timed out", p.index),
			}
		}
	}
	return results
}
