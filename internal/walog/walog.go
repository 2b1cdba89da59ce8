// Package walog implements the append-only, human-readable transaction
// log: the durable source of truth a server replays into in-memory
// state on every boot.
package walog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/eridani-labs/bankd/pkg/logging"
)

// Kind marks a log record as a deposit or a withdrawal.
type Kind byte

const (
	Deposit  Kind = 'D'
	Withdraw Kind = 'W'
)

// Record is one parsed line of the log: "<id> <D|W> <amount> <balance>".
type Record struct {
	ID           string
	Kind         Kind
	Amount       int
	BalanceAfter int
}

// EndMarker is appended after the shutdown snapshot; replay ignores it.
const EndMarker = "## end of log."

// Store is the append-only log file. Writers append and flush after
// every record; this repo makes no fsync-grade durability guarantee.
type Store struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	log      *logging.Logger
	lastN    []string // ring of the last recorded lines, for introspection/tests
	lastCap  int
}

// Open opens (creating if necessary) the log file at path. If the file
// already existed, existed reports true and the caller should Replay it.
func Open(path string) (store *Store, existed bool, err error) {
	_, statErr := os.Stat(path)
	existed = statErr == nil

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("walog: open %s: %w", path, err)
	}

	s := &Store{
		file:    f,
		path:    path,
		log:     logging.GetDefault().Component("walog"),
		lastCap: 16,
	}

	if !existed {
		if _, err := fmt.Fprintf(f, "# bank transaction log\n"); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("walog: write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("walog: flush header: %w", err)
		}
	}

	return s, existed, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.file.Close()
}

func (s *Store) append(id string, kind Kind, amount, balanceAfter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := fmt.Sprintf("%s %c %d %d\n", id, kind, amount, balanceAfter)
	if _, err := s.file.WriteString(line); err != nil {
		return fmt.Errorf("walog: append: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("walog: flush: %w", err)
	}

	s.lastN = append(s.lastN, strings.TrimSuffix(line, "\n"))
	if len(s.lastN) > s.lastCap {
		s.lastN = s.lastN[len(s.lastN)-s.lastCap:]
	}

	s.log.Debug("appended record", "id", id, "kind", string(kind), "amount", amount, "balance", balanceAfter)
	return nil
}

// AppendDeposit appends a deposit (or opening) record. Satisfies
// ledger.LogAppender.
func (s *Store) AppendDeposit(id string, amount, balanceAfter int) error {
	return s.append(id, Deposit, amount, balanceAfter)
}

// AppendWithdraw appends a withdrawal record. Satisfies
// ledger.LogAppender.
func (s *Store) AppendWithdraw(id string, amount, balanceAfter int) error {
	return s.append(id, Withdraw, amount, balanceAfter)
}

// Snapshot appends one "<id> D 0 <balance>" line per account in accounts,
// followed by the end-of-log marker, as the clean-shutdown behavior. The
// zero amount is never interpreted on replay — only the trailing balance
// field matters for the final state of an id.
func (s *Store) Snapshot(accounts []struct {
	ID      string
	Balance int
}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var written []string
	for _, acc := range accounts {
		line := fmt.Sprintf("%s D 0 %d\n", acc.ID, acc.Balance)
		if _, err := s.file.WriteString(line); err != nil {
			return fmt.Errorf("walog: snapshot: %w", err)
		}
		written = append(written, strings.TrimSuffix(line, "\n"))
	}
	if _, err := fmt.Fprintf(s.file, "%s\n", EndMarker); err != nil {
		return fmt.Errorf("walog: snapshot marker: %w", err)
	}
	written = append(written, EndMarker)

	s.lastN = append(s.lastN, written...)
	if len(s.lastN) > s.lastCap {
		s.lastN = s.lastN[len(s.lastN)-s.lastCap:]
	}
	return s.file.Sync()
}

// LastRecords returns up to the most recent N appended lines, for
// introspection and golden-log tests.
func (s *Store) LastRecords() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lastN))
	copy(out, s.lastN)
	return out
}

// ReplayedAccount is one account's final state as derived from the log.
type ReplayedAccount struct {
	ID      string
	Balance int
}

// Replay reads every record in path and returns the final state of every
// id mentioned: the last record for an id defines that
// id's final balance; malformed lines are skipped, never fatal.
func Replay(path string) ([]ReplayedAccount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("walog: replay open %s: %w", path, err)
	}
	defer f.Close()

	order := []string{}
	balances := map[string]int{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, ok := parseLine(line)
		if !ok {
			continue
		}
		if _, seen := balances[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		balances[rec.ID] = rec.BalanceAfter
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("walog: replay scan %s: %w", path, err)
	}

	out := make([]ReplayedAccount, 0, len(order))
	for _, id := range order {
		out = append(out, ReplayedAccount{ID: id, Balance: balances[id]})
	}
	return out, nil
}

func parseLine(line string) (Record, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Record{}, false
	}
	id := fields[0]
	var kind Kind
	switch fields[1] {
	case "D":
		kind = Deposit
	case "W":
		kind = Withdraw
	default:
		return Record{}, false
	}
	amount, err := strconv.Atoi(fields[2])
	if err != nil {
		return Record{}, false
	}
	balance, err := strconv.Atoi(fields[3])
	if err != nil {
		return Record{}, false
	}
	return Record{ID: id, Kind: kind, Amount: amount, BalanceAfter: balance}, true
}
