package audit

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{DBPath: filepath.Join(dir, "audit.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordBatchAndOperation(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordBatch("batch-1", 4242, 2); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	// Recording the same batch id twice must not fail (INSERT OR IGNORE).
	if err := s.RecordBatch("batch-1", 4242, 2); err != nil {
		t.Fatalf("RecordBatch (duplicate): %v", err)
	}

	status := int32(0)
	balance := int32(100)
	rec := OperationRecord{
		BatchID:        "batch-1",
		OperationIndex: 1,
		OpCode:         1,
		IsNewClient:    true,
		Amount:         100,
		Status:         &status,
		BalanceAfter:   &balance,
		AssignedID:     "BankID_01",
	}
	if err := s.RecordOperation(rec); err != nil {
		t.Fatalf("RecordOperation: %v", err)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM operations WHERE batch_id = ?`, "batch-1").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("operations count = %d, want 1", count)
	}

	var assignedID string
	if err := s.DB().QueryRow(`SELECT assigned_id FROM operations WHERE batch_id = ?`, "batch-1").Scan(&assignedID); err != nil {
		t.Fatalf("query assigned_id: %v", err)
	}
	if assignedID != "BankID_01" {
		t.Errorf("assigned_id = %q, want BankID_01", assignedID)
	}
}
