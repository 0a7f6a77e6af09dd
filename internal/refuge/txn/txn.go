// Package txn is the client half of upgrade transactions: it locks the items a request
// intends to spend until the server answers or the timeout passes.
package txn

import (
	"errors"
	"log"
	"time"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/ids"
	"refuge.voxelcraft.ai/internal/sched"
)

var (
	ErrItemLocked = errors.New("txn: item already locked by another transaction")
	ErrNotFound   = errors.New("txn: no open transaction with that id")
)

type State int

const (
	Locked State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Locked:
		return "LOCKED"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

type Transaction struct {
	ID        string
	Command   string
	ItemIDs   []string
	CreatedAt time.Time
	State     State
	Reason    string

	timeout sched.ID
}

type Manager struct {
	sched   *sched.Scheduler
	clock   host.Clock
	timeout int
	log     *log.Logger

	txs    map[string]*Transaction
	locked map[string]string

	// OnRollback is called after every rollback, including timeouts.
	OnRollback func(tx *Transaction)
}

// New creates a manager whose transactions roll back after timeoutTicks.
func New(s *sched.Scheduler, clock host.Clock, timeoutTicks int, logger *log.Logger) *Manager {
	if clock == nil {
		clock = host.SystemClock{}
	}
	return &Manager{
		sched:   s,
		clock:   clock,
		timeout: timeoutTicks,
		log:     logger,
		txs:     map[string]*Transaction{},
		locked:  map[string]string{},
	}
}

// Begin locks itemIDs for command. It fails without locking anything if any item is
// already held by another open transaction.
func (m *Manager) Begin(command string, itemIDs []string) (*Transaction, error) {
	for _, id := range itemIDs {
		if _, ok := m.locked[id]; ok {
			return nil, ErrItemLocked
		}
	}
	tx := &Transaction{
		ID:        ids.New(),
		Command:   command,
		ItemIDs:   append([]string(nil), itemIDs...),
		CreatedAt: m.clock.Now(),
		State:     Locked,
	}
	for _, id := range tx.ItemIDs {
		m.locked[id] = tx.ID
	}
	m.txs[tx.ID] = tx
	if m.sched != nil && m.timeout > 0 {
		tx.timeout = m.sched.After(m.timeout, func() {
			tx.timeout = 0
			if tx.State == Locked {
				if m.log != nil {
					m.log.Printf("transaction %s (%s) timed out", tx.ID, tx.Command)
				}
				m.finish(tx, RolledBack, "timeout")
			}
		})
	}
	return tx, nil
}

func (m *Manager) Get(id string) (*Transaction, bool) {
	tx, ok := m.txs[id]
	return tx, ok
}

func (m *Manager) IsLocked(itemID string) bool {
	_, ok := m.locked[itemID]
	return ok
}

// Open returns how many transactions still hold locks.
func (m *Manager) Open() int {
	n := 0
	for _, tx := range m.txs {
		if tx.State == Locked {
			n++
		}
	}
	return n
}

func (m *Manager) Commit(id string) error {
	return m.end(id, Committed, "")
}

func (m *Manager) Rollback(id, reason string) error {
	return m.end(id, RolledBack, reason)
}

func (m *Manager) end(id string, s State, reason string) error {
	tx, ok := m.txs[id]
	if !ok {
		return ErrNotFound
	}
	m.finish(tx, s, reason)
	return nil
}

func (m *Manager) finish(tx *Transaction, s State, reason string) {
	tx.State, tx.Reason = s, reason
	for _, id := range tx.ItemIDs {
		if m.locked[id] == tx.ID {
			delete(m.locked, id)
		}
	}
	if tx.timeout != 0 && m.sched != nil {
		m.sched.Remove(tx.timeout)
		tx.timeout = 0
	}
	delete(m.txs, tx.ID)
	if s == RolledBack && m.OnRollback != nil {
		m.OnRollback(tx)
	}
}
