package bankclient

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/eridani-labs/bankd/internal/fifo"
	"github.com/eridani-labs/bankd/internal/opfile"
	"github.com/eridani-labs/bankd/internal/wire"
)

// fakeServer mimics just enough of the real server to drive one batch
// end to end: it reads N requests off the server FIFO, then replies to
// each per-operation FIFO with a canned status.
func fakeServer(t *testing.T, serverPath string, n int, reply func(req wire.Request) wire.Response) {
	t.Helper()

	if err := fifo.Create(serverPath); err != nil {
		t.Fatalf("create server fifo: %v", err)
	}
	reader, selfWriter, err := fifo.OpenReadDuplex(serverPath)
	if err != nil {
		t.Fatalf("open server fifo: %v", err)
	}

	go func() {
		defer reader.Close()
		defer selfWriter.Close()
		defer fifo.Remove(serverPath)

		for i := 0; i < n; i++ {
			req, err := wire.ReadRequest(reader)
			if err != nil {
				return
			}

			resp := reply(req)
			resp.ClientIndex = req.OperationIndex

			path := fmt.Sprintf("/tmp/bank_cl_%d_%d", req.ClientPID, req.OperationIndex)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			w, err := fifo.OpenWriteRetry(ctx, path, 10*time.Millisecond)
			cancel()
			if err != nil {
				continue
			}
			wire.WriteResponse(w, resp)
			w.Close()
		}
	}()
}

func TestRunOpenNewAccountAdoptsAssignedID(t *testing.T) {
	serverPath := filepath.Join(t.TempDir(), "server.fifo")
	clientPID := 555555 + time.Now().Nanosecond()%1000

	fakeServer(t, serverPath, 1, func(req wire.Request) wire.Response {
		return wire.Response{Status: wire.StatusOK, Balance: req.Amount, BankID: "BankID_01"}
	})

	ops := []opfile.Op{{IsNew: true, Kind: opfile.Deposit, Amount: 200}}
	cfg := DefaultConfig(serverPath)
	cfg.TotalDeadline = 3 * time.Second

	results, err := Run(context.Background(), clientPID, ops, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Status != wire.StatusOK {
		t.Errorf("Status = %d, want StatusOK", results[0].Status)
	}
	if results[0].BankID != "BankID_01" {
		t.Errorf("BankID = %q, want BankID_01 (rebind on new-client success)", results[0].BankID)
	}
	if results[0].Balance != 200 {
		t.Errorf("Balance = %d, want 200", results[0].Balance)
	}
}

func TestRunReportsAccountClosedOnZeroBalanceWithdraw(t *testing.T) {
	serverPath := filepath.Join(t.TempDir(), "server.fifo")
	clientPID := 666666 + time.Now().Nanosecond()%1000

	fakeServer(t, serverPath, 1, func(req wire.Request) wire.Response {
		return wire.Response{Status: wire.StatusOK, Balance: 0, BankID: req.BankID}
	})

	ops := []opfile.Op{{BankID: "BankID_02", Kind: opfile.Withdraw, Amount: 50}}
	cfg := DefaultConfig(serverPath)
	cfg.TotalDeadline = 3 * time.Second

	results, err := Run(context.Background(), clientPID, ops, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Closed() {
		t.Error("a zero-balance withdraw response should report the account as closed")
	}
	if results[0].BankID != "BankID_02" {
		t.Errorf("BankID = %q, want echoed BankID_02", results[0].BankID)
	}
}

func TestRunTimesOutWhenServerNeverResponds(t *testing.T) {
	serverPath := filepath.Join(t.TempDir(), "server.fifo")
	if err := fifo.Create(serverPath); err != nil {
		t.Fatalf("create server fifo: %v", err)
	}
	reader, selfWriter, err := fifo.OpenReadDuplex(serverPath)
	if err != nil {
		t.Fatalf("open server fifo: %v", err)
	}
	defer reader.Close()
	defer selfWriter.Close()
	defer fifo.Remove(serverPath)
	go func() {
		wire.ReadRequest(reader) // drain the request, never reply
	}()

	clientPID := 777123
	ops := []opfile.Op{{BankID: "BankID_03", Kind: opfile.Deposit, Amount: 10}}
	cfg := DefaultConfig(serverPath)
	cfg.TotalDeadline = 300 * time.Millisecond
	cfg.PollInterval = 50 * time.Millisecond

	results, err := Run(context.Background(), clientPID, ops, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Err == nil {
		t.Error("expected a timeout error when the server never responds")
	}
	if results[0].Message != "timeout" {
		t.Errorf("Message = %q, want timeout", results[0].Message)
	}
}
