package ledger

import (
	"errors"
	"testing"
)

type fakeLog struct {
	deposits  []string
	withdraws []string
}

func (f *fakeLog) AppendDeposit(id string, amount, balanceAfter int) error {
	f.deposits = append(f.deposits, id)
	return nil
}

func (f *fakeLog) AppendWithdraw(id string, amount, balanceAfter int) error {
	f.withdraws = append(f.withdraws, id)
	return nil
}

func TestOpenAssignsSequentialIDs(t *testing.T) {
	db := New(&fakeLog{})

	acc1, err := db.Open(100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	acc2, err := db.Open(50)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if acc1.ID == acc2.ID {
		t.Fatalf("expected distinct ids, got %q twice", acc1.ID)
	}
	if !acc1.Active || !acc2.Active {
		t.Error("freshly opened accounts must be active")
	}
}

func TestOpenRejectsNonPositiveAmount(t *testing.T) {
	db := New(&fakeLog{})
	if _, err := db.Open(0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Open(0) error = %v, want ErrInvalidAmount", err)
	}
	if _, err := db.Open(-5); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Open(-5) error = %v, want ErrInvalidAmount", err)
	}
}

func TestDepositUnknownAccount(t *testing.T) {
	db := New(&fakeLog{})
	if _, err := db.Deposit("BankID_99", 10); !errors.Is(err, ErrNoAccount) {
		t.Errorf("Deposit error = %v, want ErrNoAccount", err)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	db := New(&fakeLog{})
	acc, _ := db.Open(30)

	if _, err := db.Withdraw(acc.ID, 31); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Withdraw error = %v, want ErrInsufficientFunds", err)
	}
}

func TestWithdrawToZeroClosesAccount(t *testing.T) {
	db := New(&fakeLog{})
	acc, _ := db.Open(30)

	closed, err := db.Withdraw(acc.ID, 30)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if closed.Active {
		t.Error("account should be inactive after draining to zero")
	}
	if closed.Balance != 0 {
		t.Errorf("Balance = %d, want 0", closed.Balance)
	}

	if _, err := db.Withdraw(acc.ID, 1); !errors.Is(err, ErrNoAccount) {
		t.Errorf("withdraw from closed account error = %v, want ErrNoAccount", err)
	}

	active := db.ActiveAccounts()
	for _, a := range active {
		if a.ID == acc.ID {
			t.Errorf("closed account %q still reported active", acc.ID)
		}
	}
}

func TestDepositToClosedAccountIsRejected(t *testing.T) {
	db := New(&fakeLog{})
	acc, _ := db.Open(10)
	db.Withdraw(acc.ID, 10)

	_, err := db.Deposit(acc.ID, 5)
	if !errors.Is(err, ErrNoAccount) {
		t.Errorf("Deposit to closed account = %v, want ErrNoAccount", err)
	}

	reloaded, ok := db.byID[acc.ID]
	if !ok {
		t.Fatalf("account %s vanished from the database", acc.ID)
	}
	if reloaded.Active || reloaded.Balance != 0 {
		t.Errorf("closed account mutated by rejected deposit: active=%v balance=%d", reloaded.Active, reloaded.Balance)
	}
}

func TestFormatAndParseID(t *testing.T) {
	id := FormatID(7)
	n, ok := ParseID(id)
	if !ok {
		t.Fatalf("ParseID(%q) failed", id)
	}
	if n != 7 {
		t.Errorf("ParseID(%q) = %d, want 7", id, n)
	}

	if _, ok := ParseID("not-a-bank-id"); ok {
		t.Error("ParseID should reject ids without the expected prefix")
	}
}

func TestRestoreAdvancesNextID(t *testing.T) {
	db := New(&fakeLog{})
	db.Restore(FormatID(5), 100)

	if db.NextID() != 6 {
		t.Errorf("NextID() = %d, want 6 after restoring id 5", db.NextID())
	}

	acc, err := db.Open(1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if acc.ID != FormatID(6) {
		t.Errorf("Open assigned %q, want %q", acc.ID, FormatID(6))
	}
}

func TestRestoreZeroBalanceIsInactive(t *testing.T) {
	db := New(&fakeLog{})
	db.Restore(FormatID(1), 0)

	for _, a := range db.ActiveAccounts() {
		if a.ID == FormatID(1) {
			t.Error("account restored at zero balance must not be active")
		}
	}
}
