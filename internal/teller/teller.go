// Package teller implements the short-lived worker that carries one
// operation between a client and the database. In this Go translation a
// teller is a goroutine, not a forked process — a task per operation
// over a worker pool backed by green threads is an equivalent design;
// its mailbox is a pair of buffered channels standing in for two
// pipes. The client-facing FIFO remains a real, process-visible path,
// because the client opens it by name before the teller exists.
package teller

import (
	"context"
	"fmt"
	"time"

	"github.com/eridani-labs/bankd/internal/fifo"
	"github.com/eridani-labs/bankd/internal/wire"
	"github.com/eridani-labs/bankd/pkg/logging"
)

// Timeouts bundles the deadlines a teller operates under.
type Timeouts struct {
	ClientFIFOOpen time.Duration // ~0.5s retry window
	ArbiterReply   time.Duration // ~3s
}

// DefaultTimeouts returns the default teller deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ClientFIFOOpen: 500 * time.Millisecond,
		ArbiterReply:   3 * time.Second,
	}
}

// Mailbox is a teller's private channel pair to the arbiter, the Go
// analogue of two one-directional pipes to the arbiter.
type Mailbox struct {
	ToArbiter   chan<- wire.TellerRequest
	FromArbiter <-chan wire.TellerResponse
}

// Run executes one teller's full state machine:
// OpenClientFifo -> SendToArbiter -> AwaitReply -> ReplyToClient -> Exit.
// Any failure path still attempts to deliver some response to the client
// FIFO before returning, so the client never hangs past its own
// deadline.
func Run(ctx context.Context, req wire.Request, clientFIFOPath string, mailbox Mailbox, timeouts Timeouts) {
	log := logging.GetDefault().Component("teller").With("client_pid", req.ClientPID, "index", req.OperationIndex)

	// Reject illegal operations before ever touching the arbiter; the
	// rejection is written straight to the client FIFO.
	if req.Op == wire.OpWithdraw && req.IsNewClient {
		deliver(log, clientFIFOPath, timeouts, wire.Response{
			Status:      wire.ErrInvalidOperation,
			BankID:      "",
			Message:     "new clients cannot withdraw",
			ClientIndex: req.OperationIndex,
		})
		return
	}

	openCtx, cancel := context.WithTimeout(ctx, timeouts.ClientFIFOOpen)
	clientFile, err := fifo.OpenWriteRetry(openCtx, clientFIFOPath, 25*time.Millisecond)
	cancel()
	if err != nil {
		log.Warn("teller could not open client fifo; client will observe timeout", "path", clientFIFOPath, "error", err)
		return
	}
	defer clientFile.Close()

	mailbox.ToArbiter <- wire.TellerRequest{
		Op:          req.Op,
		BankID:      req.BankID,
		Amount:      req.Amount,
		IsNewClient: req.IsNewClient,
		ClientPID:   req.ClientPID,
		ClientIndex: req.OperationIndex,
	}

	var resp wire.Response
	select {
	case tresp := <-mailbox.FromArbiter:
		resp = wire.Response{
			Status:      tresp.Status,
			Balance:     tresp.Balance,
			BankID:      tresp.BankID,
			Message:     tresp.Message,
			ClientIndex: req.OperationIndex,
		}
	case <-time.After(timeouts.ArbiterReply):
		resp = wire.Response{
			Status:      wire.ErrInvalidOperation,
			Message:     "timeout",
			ClientIndex: req.OperationIndex,
		}
	case <-ctx.Done():
		resp = wire.Response{
			Status:      wire.ErrInvalidOperation,
			Message:     "server shutting down",
			ClientIndex: req.OperationIndex,
		}
	}

	if err := wire.WriteResponse(clientFile, resp); err != nil {
		log.Warn("failed to deliver response to client", "error", err)
	}
}

// deliver is used for the early-rejection path, where no arbiter
// round-trip is needed.
func deliver(log *logging.Logger, clientFIFOPath string, timeouts Timeouts, resp wire.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.ClientFIFOOpen)
	defer cancel()

	clientFile, err := fifo.OpenWriteRetry(ctx, clientFIFOPath, 25*time.Millisecond)
	if err != nil {
		log.Warn("teller could not open client fifo for rejection response", "error", err)
		return
	}
	defer clientFile.Close()

	if err := wire.WriteResponse(clientFile, resp); err != nil {
		log.Warn("failed to deliver rejection response to client", "error", err)
	}
}

// ClientFIFOPath builds the well-known per-operation response FIFO path
// shared by client and server.
func ClientFIFOPath(clientPID int, operationIndex int) string {
	return fmt.Sprintf("/tmp/bank_cl_%d_%d", clientPID, operationIndex)
}
