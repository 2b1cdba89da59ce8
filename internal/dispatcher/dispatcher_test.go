package dispatcher

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/eridani-labs/bankd/internal/fifo"
	"github.com/eridani-labs/bankd/internal/ledger"
	"github.com/eridani-labs/bankd/internal/teller"
	"github.com/eridani-labs/bankd/internal/wire"
)

type fakeLog struct{}

func (fakeLog) AppendDeposit(id string, amount, balanceAfter int) error  { return nil }
func (fakeLog) AppendWithdraw(id string, amount, balanceAfter int) error { return nil }

func TestDispatchOpenAndWithdraw(t *testing.T) {
	db := ledger.New(fakeLog{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(ctx, db, Config{
		MaxConcurrentTellers: 4,
		Timeouts:             teller.Timeouts{ClientFIFOOpen: 500 * time.Millisecond, ArbiterReply: 2 * time.Second},
	})

	clientPID := 777777
	openPath := teller.ClientFIFOPath(clientPID, 1)
	if err := fifo.Create(openPath); err != nil {
		t.Fatalf("create client fifo: %v", err)
	}
	defer fifo.Remove(openPath)

	openResp := make(chan wire.Response, 1)
	go func() { openResp <- readResponse(t, openPath) }()

	batch1 := []wire.Request{
		{ClientPID: int32(clientPID), Op: wire.OpDeposit, Amount: 100, IsNewClient: true, BatchSize: 1, OperationIndex: 1},
	}
	if err := d.Dispatch(ctx, "batch-open", batch1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	resp1 := <-openResp
	if resp1.Status != wire.StatusOK {
		t.Fatalf("open response status = %d, want StatusOK; message=%q", resp1.Status, resp1.Message)
	}
	if resp1.Balance != 100 {
		t.Fatalf("open response balance = %d, want 100", resp1.Balance)
	}
	assignedID := resp1.BankID

	withdrawPath := teller.ClientFIFOPath(clientPID, 1)
	if err := fifo.Create(withdrawPath); err != nil {
		t.Fatalf("create client fifo: %v", err)
	}
	defer fifo.Remove(withdrawPath)

	withdrawResp := make(chan wire.Response, 1)
	go func() { withdrawResp <- readResponse(t, withdrawPath) }()

	batch2 := []wire.Request{
		{ClientPID: int32(clientPID), Op: wire.OpWithdraw, Amount: 100, BankID: assignedID, BatchSize: 1, OperationIndex: 1},
	}
	if err := d.Dispatch(ctx, "batch-withdraw", batch2); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	resp2 := <-withdrawResp
	if resp2.Status != wire.StatusOK {
		t.Fatalf("withdraw response status = %d, want StatusOK; message=%q", resp2.Status, resp2.Message)
	}
	if resp2.Balance != 0 {
		t.Errorf("withdraw response balance = %d, want 0 (account closed)", resp2.Balance)
	}
}

func readResponse(t *testing.T, path string) wire.Response {
	t.Helper()
	var f *os.File
	for i := 0; i < 300; i++ {
		opened, err := fifo.OpenReadNonblock(path)
		if err == nil {
			f = opened
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if f == nil {
		t.Fatalf("never able to open %s for read", path)
	}
	defer f.Close()

	ready, err := fifo.PollReady([]int{int(f.Fd())}, 3*time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(ready) == 0 {
		t.Fatalf("timed out waiting for a response on %s", path)
	}

	resp, err := wire.ReadResponse(f)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	return resp
}
