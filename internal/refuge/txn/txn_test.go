package txn

import (
	"errors"
	"testing"

	"refuge.voxelcraft.ai/internal/sched"
)

func TestBeginCommit(t *testing.T) {
	s := sched.New()
	m := New(s, nil, 200, nil)

	tx, err := m.Begin("RequestFeatureUpgrade", []string{"a", "b"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if tx.ID == "" || tx.State != Locked {
		t.Fatalf("tx: %+v", tx)
	}
	if !m.IsLocked("a") || !m.IsLocked("b") || m.IsLocked("c") {
		t.Fatalf("lock set wrong")
	}
	if _, err := m.Begin("RequestFeatureUpgrade", []string{"c", "b"}); !errors.Is(err, ErrItemLocked) {
		t.Fatalf("expected ErrItemLocked, got %v", err)
	}
	if m.IsLocked("c") {
		t.Fatalf("failed begin must not lock anything")
	}

	if err := m.Commit(tx.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if tx.State != Committed || m.IsLocked("a") || m.Open() != 0 {
		t.Fatalf("after commit: %+v open=%d", tx, m.Open())
	}
	if s.Len() != 0 {
		t.Fatalf("timeout task should be removed on commit")
	}
	if err := m.Commit(tx.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second commit: %v", err)
	}
}

func TestRollbackReleasesItems(t *testing.T) {
	m := New(sched.New(), nil, 200, nil)
	var rolled []string
	m.OnRollback = func(tx *Transaction) { rolled = append(rolled, tx.Reason) }

	tx, _ := m.Begin("RequestFeatureUpgrade", []string{"a"})
	if err := m.Rollback(tx.ID, "Refuge.Upgrade.InsufficientItems"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if tx.State != RolledBack || m.IsLocked("a") {
		t.Fatalf("after rollback: %+v", tx)
	}
	if len(rolled) != 1 || rolled[0] != "Refuge.Upgrade.InsufficientItems" {
		t.Fatalf("callback: %v", rolled)
	}
	if _, err := m.Begin("RequestFeatureUpgrade", []string{"a"}); err != nil {
		t.Fatalf("item should be lockable again: %v", err)
	}
}

func TestTimeoutRollsBack(t *testing.T) {
	s := sched.New()
	m := New(s, nil, 3, nil)
	tx, _ := m.Begin("RequestFeatureUpgrade", []string{"a"})

	s.Tick()
	s.Tick()
	if tx.State != Locked {
		t.Fatalf("rolled back early")
	}
	s.Tick()
	if tx.State != RolledBack || tx.Reason != "timeout" || m.IsLocked("a") {
		t.Fatalf("after timeout: %+v locked=%v", tx, m.IsLocked("a"))
	}
	if err := m.Commit(tx.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("late commit: %v", err)
	}
}

func TestIDsAreUnique(t *testing.T) {
	m := New(nil, nil, 0, nil)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tx, err := m.Begin("RequestFeatureUpgrade", nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if seen[tx.ID] {
			t.Fatalf("duplicate id %s", tx.ID)
		}
		seen[tx.ID] = true
	}
}
