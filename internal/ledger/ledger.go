// Package ledger implements the account database: the sole mutator of
// balances, responsible for the account invariants.
package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors surfaced to callers. These map onto the wire error
// codes in internal/wire (ErrNoAccount, ErrInsufficientFunds) at the
// dispatcher boundary, not here — the ledger itself knows nothing about
// the wire.
var (
	ErrNoAccount         = errors.New("no such account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// IDPrefix is the textual prefix every account id carries ("BankID_<n>").
const IDPrefix = "BankID_"

// FormatID renders the numeric suffix n as a full account id.
func FormatID(n int) string {
	return fmt.Sprintf("%s%02d", IDPrefix, n)
}

// ParseID extracts the numeric suffix from a full account id. ok is false
// if id does not have the expected prefix or the suffix is not a
// non-negative integer.
func ParseID(id string) (n int, ok bool) {
	if len(id) <= len(IDPrefix) || id[:len(IDPrefix)] != IDPrefix {
		return 0, false
	}
	suffix := id[len(IDPrefix):]
	n = 0
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// Account is one customer account. Invariants:
//   - Active implies Balance is not otherwise reachable as negative.
//   - Balance == 0 whenever Active == false.
//   - Active never re-flips from false to true for a given ID.
type Account struct {
	ID      string
	Balance int
	Active  bool
}

// LogAppender is the write-ahead journal a Database commits mutations
// through before they become visible to callers. internal/walog.Store
// satisfies this interface; tests may supply a fake.
type LogAppender interface {
	AppendDeposit(id string, amount, balanceAfter int) error
	AppendWithdraw(id string, amount, balanceAfter int) error
}

// Database is the in-memory set of accounts. All methods are safe for
// concurrent use; a single internal mutex serialises every mutation
// all mutations are synchronous and serialised through it.
type Database struct {
	mu       sync.Mutex
	byID     map[string]*Account
	order    []string // insertion order, for deterministic snapshotting
	nextID   int
	log      LogAppender
}

// New creates an empty database that commits mutations through log.
func New(log LogAppender) *Database {
	return &Database{
		byID:   make(map[string]*Account),
		nextID: 1,
		log:    log,
	}
}

// NextID reports the id that the next Open call will assign.
func (d *Database) NextID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextID
}

// Restore seeds the database from a replayed log line, bypassing the log
// append: replay reuses recorded ids rather than minting new ones: an
// account's id is assigned once, on its opening deposit, never on replay.
// Restore must be called before any Open/Deposit/Withdraw call on this
// Database.
func (d *Database) Restore(id string, balance int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	acc, exists := d.byID[id]
	if !exists {
		acc = &Account{ID: id}
		d.byID[id] = acc
		d.order = append(d.order, id)
	}
	acc.Balance = balance
	acc.Active = balance > 0

	if n, ok := ParseID(id); ok && n+1 > d.nextID {
		d.nextID = n + 1
	}
}

// Open creates a new account with an opening deposit of amount, returning
// its freshly minted id.
func (d *Database) Open(amount int) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := FormatID(d.nextID)
	if err := d.log.AppendDeposit(id, amount, amount); err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", id, err)
	}

	acc := &Account{ID: id, Balance: amount, Active: true}
	d.byID[id] = acc
	d.order = append(d.order, id)
	d.nextID++

	out := *acc
	return &out, nil
}

// Deposit credits amount to the account id. Depositing to an inactive
// (closed) account id is rejected with ErrNoAccount — closed accounts
// keep their id reserved but never accept new activity through
// Deposit/Withdraw, since an account only becomes inactive by being
// drained and never reactivates. Depositing to an unknown id is also
// ErrNoAccount.
func (d *Database) Deposit(id string, amount int) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	acc, ok := d.byID[id]
	if !ok || !acc.Active {
		return nil, ErrNoAccount
	}

	newBalance := acc.Balance + amount
	if err := d.log.AppendDeposit(id, amount, newBalance); err != nil {
		return nil, fmt.Errorf("ledger: deposit %s: %w", id, err)
	}

	acc.Balance = newBalance

	out := *acc
	return &out, nil
}

// Withdraw debits amount from the account id. If the withdrawal drains
// the balance to zero, the account becomes inactive; its id
// remains reserved and is never reused.
func (d *Database) Withdraw(id string, amount int) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	acc, ok := d.byID[id]
	if !ok || !acc.Active {
		return nil, ErrNoAccount
	}
	if amount > acc.Balance {
		return nil, ErrInsufficientFunds
	}

	newBalance := acc.Balance - amount
	if err := d.log.AppendWithdraw(id, amount, newBalance); err != nil {
		return nil, fmt.Errorf("ledger: withdraw %s: %w", id, err)
	}

	acc.Balance = newBalance
	if newBalance == 0 {
		acc.Active = false
	}

	out := *acc
	return &out, nil
}

// ActiveAccounts returns a snapshot of every currently active account, in
// insertion order, for the shutdown snapshot.
func (d *Database) ActiveAccounts() []Account {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Account
	for _, id := range d.order {
		acc := d.byID[id]
		if acc.Active {
			out = append(out, *acc)
		}
	}
	return out
}

// Count reports the number of accounts ever created (active or closed).
func (d *Database) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
