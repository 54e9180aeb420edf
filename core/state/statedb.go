// Copyright 2025 The ember Authors
// This file is part of the ember library.
//
// The ember library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ember library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ember library. If not, see <http://www.gnu.org/licenses/>.

// Package state implements the journaled world state the EVM executes over.
package state

import (
	"github.com/cockroachdb/errors"
	"github.com/holiman/uint256"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/core/forkdb"
	"github.com/embervm/ember/core/types"
	"github.com/embervm/ember/core/vm"
	"github.com/embervm/ember/crypto"
)

var (
	// ErrNoActiveCheckpoint is returned by Commit/Revert with no checkpoint open.
	ErrNoActiveCheckpoint = errors.New("state: no active checkpoint")
)

// StateDB holds accounts in memory with a change journal. Every mutation
// appends an undo entry before applying, so any revision of the state can be
// restored. When backed by a fork backend, unknown accounts and slots resolve
// lazily and reads can return vm.ErrStatePending.
//
// A StateDB is single owner and does no locking.
type StateDB struct {
	fork *forkdb.Backend

	stateObjects map[common.Address]*stateObject

	journal *journal
	refund  uint64

	transientStorage transientStorage

	logs []*types.Log

	// checkpoints is the LIFO stack of snapshot revisions backing the
	// Checkpoint/Commit/Revert protocol of the embedding API.
	checkpoints []int
}

// New creates an empty in-memory state.
func New() *StateDB {
	return &StateDB{
		stateObjects:     make(map[common.Address]*stateObject),
		journal:          newJournal(),
		transientStorage: newTransientStorage(),
	}
}

// NewWithFork creates a state lazily backed by a fork backend.
func NewWithFork(fork *forkdb.Backend) *StateDB {
	s := New()
	s.fork = fork
	return s
}

// Fork returns the backing fork backend, nil for in-memory states.
func (s *StateDB) Fork() *forkdb.Backend { return s.fork }

// forkErr translates backend errors into the interpreter's sentinel.
func forkErr(err error) error {
	if errors.Is(err, forkdb.ErrStatePending) {
		return vm.ErrStatePending
	}
	return err
}

func (s *StateDB) getStateObject(addr common.Address) *stateObject {
	return s.stateObjects[addr]
}

// shell returns the object for addr, materialising a fork shell on demand.
// Only used in fork mode; shells hold origin data and are not journaled.
func (s *StateDB) shell(addr common.Address) *stateObject {
	obj := s.stateObjects[addr]
	if obj == nil {
		obj = newShellObject(addr)
		s.stateObjects[addr] = obj
	}
	return obj
}

// loadBalance resolves the balance of addr, fetching from the fork if needed.
// The returned object is fully balance-loaded.
func (s *StateDB) loadBalance(addr common.Address) (*stateObject, error) {
	if obj := s.stateObjects[addr]; obj != nil && obj.balanceLoaded {
		return obj, nil
	}
	if s.fork == nil {
		return s.getOrNewStateObject(addr), nil
	}
	bal, err := s.fork.Balance(addr)
	if err != nil {
		return nil, forkErr(err)
	}
	obj := s.shell(addr)
	obj.balance = bal
	obj.balanceLoaded = true
	return obj, nil
}

func (s *StateDB) loadNonce(addr common.Address) (*stateObject, error) {
	if obj := s.stateObjects[addr]; obj != nil && obj.nonceLoaded {
		return obj, nil
	}
	if s.fork == nil {
		return s.getOrNewStateObject(addr), nil
	}
	nonce, err := s.fork.Nonce(addr)
	if err != nil {
		return nil, forkErr(err)
	}
	obj := s.shell(addr)
	obj.nonce = nonce
	obj.nonceLoaded = true
	return obj, nil
}

func (s *StateDB) loadCode(addr common.Address) (*stateObject, error) {
	if obj := s.stateObjects[addr]; obj != nil && obj.codeLoaded {
		return obj, nil
	}
	if s.fork == nil {
		return s.getOrNewStateObject(addr), nil
	}
	code, err := s.fork.Code(addr)
	if err != nil {
		return nil, forkErr(err)
	}
	obj := s.shell(addr)
	obj.code = code
	if len(code) == 0 {
		obj.codeHash = emptyCodeHash
	} else {
		obj.codeHash = crypto.Keccak256Hash(code)
	}
	obj.codeLoaded = true
	return obj, nil
}

// getOrNewStateObject returns the object for addr, creating a zero-valued one
// without journaling. Used by in-memory writes; fork mode materialises
// accounts through the load helpers instead.
func (s *StateDB) getOrNewStateObject(addr common.Address) *stateObject {
	obj := s.stateObjects[addr]
	if obj == nil {
		obj = newStateObject(addr)
		s.stateObjects[addr] = obj
	}
	return obj
}

// CreateAccount creates a new account at addr with fresh storage. Any balance
// the address carried is preserved, matching CREATE semantics.
func (s *StateDB) CreateAccount(addr common.Address) {
	prev := s.stateObjects[addr]
	var prevCopy *stateObject
	if prev != nil {
		prevCopy = prev.deepCopy()
	}
	s.journal.append(createObjectChange{account: &addr, prev: prevCopy})

	obj := newStateObject(addr)
	if prev != nil && prev.balanceLoaded {
		obj.balance = new(uint256.Int).Set(prev.balance)
	} else if s.fork != nil && prev != nil {
		// Balance not resolved yet, keep it lazily fetchable.
		obj.balanceLoaded = false
	}
	s.stateObjects[addr] = obj
}

// GetBalance returns the balance of addr, zero for unknown accounts.
func (s *StateDB) GetBalance(addr common.Address) (*uint256.Int, error) {
	if s.fork == nil {
		if obj := s.stateObjects[addr]; obj != nil {
			return obj.balance, nil
		}
		return new(uint256.Int), nil
	}
	obj, err := s.loadBalance(addr)
	if err != nil {
		return nil, err
	}
	return obj.balance, nil
}

// AddBalance adds amount to the account associated with addr.
func (s *StateDB) AddBalance(addr common.Address, amount *uint256.Int) error {
	obj, err := s.loadBalance(addr)
	if err != nil {
		return err
	}
	s.journal.append(balanceChange{account: &addr, prev: new(uint256.Int).Set(obj.balance)})
	obj.setBalance(new(uint256.Int).Add(obj.balance, amount))
	return nil
}

// SubBalance subtracts amount from the account associated with addr.
func (s *StateDB) SubBalance(addr common.Address, amount *uint256.Int) error {
	obj, err := s.loadBalance(addr)
	if err != nil {
		return err
	}
	s.journal.append(balanceChange{account: &addr, prev: new(uint256.Int).Set(obj.balance)})
	obj.setBalance(new(uint256.Int).Sub(obj.balance, amount))
	return nil
}

// SetBalance overwrites the balance of addr. Part of the embedding surface,
// never reached from bytecode.
func (s *StateDB) SetBalance(addr common.Address, amount *uint256.Int) error {
	obj, err := s.loadBalance(addr)
	if err != nil {
		return err
	}
	s.journal.append(balanceChange{account: &addr, prev: new(uint256.Int).Set(obj.balance)})
	obj.setBalance(new(uint256.Int).Set(amount))
	return nil
}

// GetNonce returns the nonce of addr, zero for unknown accounts.
func (s *StateDB) GetNonce(addr common.Address) (uint64, error) {
	if s.fork == nil {
		if obj := s.stateObjects[addr]; obj != nil {
			return obj.nonce, nil
		}
		return 0, nil
	}
	obj, err := s.loadNonce(addr)
	if err != nil {
		return 0, err
	}
	return obj.nonce, nil
}

// SetNonce sets the nonce of addr.
func (s *StateDB) SetNonce(addr common.Address, nonce uint64) error {
	obj, err := s.loadNonce(addr)
	if err != nil {
		return err
	}
	s.journal.append(nonceChange{account: &addr, prev: obj.nonce})
	obj.setNonce(nonce)
	return nil
}

// GetCode returns the code of addr, nil for unknown accounts.
func (s *StateDB) GetCode(addr common.Address) ([]byte, error) {
	if s.fork == nil {
		if obj := s.stateObjects[addr]; obj != nil {
			return obj.code, nil
		}
		return nil, nil
	}
	obj, err := s.loadCode(addr)
	if err != nil {
		return nil, err
	}
	return obj.code, nil
}

// GetCodeSize returns the code size of addr.
func (s *StateDB) GetCodeSize(addr common.Address) (int, error) {
	code, err := s.GetCode(addr)
	if err != nil {
		return 0, err
	}
	return len(code), nil
}

// GetCodeHash returns the code hash of addr: the zero hash for accounts that
// do not exist, the empty-code hash for existing accounts without code.
func (s *StateDB) GetCodeHash(addr common.Address) (common.Hash, error) {
	exist, err := s.Exist(addr)
	if err != nil {
		return common.Hash{}, err
	}
	if !exist {
		return common.Hash{}, nil
	}
	obj, err := s.loadCode(addr)
	if err != nil {
		return common.Hash{}, err
	}
	return obj.codeHash, nil
}

// SetCode deposits code at addr.
func (s *StateDB) SetCode(addr common.Address, code []byte) error {
	obj, err := s.loadCode(addr)
	if err != nil {
		return err
	}
	s.journal.append(codeChange{
		account:  &addr,
		prevcode: obj.code,
		prevhash: obj.codeHash,
	})
	obj.setCode(crypto.Keccak256Hash(code), code)
	return nil
}

// GetState returns the value of the given storage slot, zero for unset slots.
func (s *StateDB) GetState(addr common.Address, key common.Hash) (common.Hash, error) {
	obj := s.stateObjects[addr]
	if obj != nil {
		if v, ok := obj.storage[key]; ok {
			return v, nil
		}
		if !obj.remoteStorage {
			return common.Hash{}, nil
		}
	}
	if s.fork == nil {
		return common.Hash{}, nil
	}
	val, err := s.fork.StorageAt(addr, key)
	if err != nil {
		return common.Hash{}, forkErr(err)
	}
	obj = s.shell(addr)
	obj.storage[key] = val
	return val, nil
}

// SetState stores value in the given slot of addr.
func (s *StateDB) SetState(addr common.Address, key, value common.Hash) error {
	prev, err := s.GetState(addr, key)
	if err != nil {
		return err
	}
	var obj *stateObject
	if s.fork == nil {
		obj = s.getOrNewStateObject(addr)
	} else {
		obj = s.shell(addr)
	}
	s.journal.append(storageChange{account: &addr, key: key, prevalue: prev})
	obj.setState(key, value)
	return nil
}

// GetTransientState gets transient storage for a given account.
func (s *StateDB) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return s.transientStorage.Get(addr, key)
}

// SetTransientState sets transient storage for a given account. It adds the
// change to the journal so it can be rolled back to its previous value if
// there is a revert.
func (s *StateDB) SetTransientState(addr common.Address, key, value common.Hash) {
	prev := s.GetTransientState(addr, key)
	if prev == value {
		return
	}
	s.journal.append(transientStorageChange{account: &addr, key: key, prevalue: prev})
	s.setTransientState(addr, key, value)
}

func (s *StateDB) setTransientState(addr common.Address, key, value common.Hash) {
	s.transientStorage.Set(addr, key, value)
}

// AddRefund adds gas to the refund counter.
func (s *StateDB) AddRefund(gas uint64) {
	s.journal.append(refundChange{prev: s.refund})
	s.refund += gas
}

// SubRefund removes gas from the refund counter.
// This method will panic if the refund counter goes below zero.
func (s *StateDB) SubRefund(gas uint64) {
	s.journal.append(refundChange{prev: s.refund})
	if gas > s.refund {
		panic("refund counter below zero")
	}
	s.refund -= gas
}

// GetRefund returns the current value of the refund counter.
func (s *StateDB) GetRefund() uint64 {
	return s.refund
}

// SelfDestruct marks the account as self-destructed and clears its balance.
// The deletion itself happens at Finalise.
func (s *StateDB) SelfDestruct(addr common.Address) error {
	obj, err := s.loadBalance(addr)
	if err != nil {
		return err
	}
	s.journal.append(selfDestructChange{
		account:     &addr,
		prev:        obj.selfDestructed,
		prevbalance: new(uint256.Int).Set(obj.balance),
	})
	obj.selfDestructed = true
	obj.setBalance(new(uint256.Int))
	return nil
}

// HasSelfDestructed reports whether addr is marked for deletion.
func (s *StateDB) HasSelfDestructed(addr common.Address) bool {
	if obj := s.stateObjects[addr]; obj != nil {
		return obj.selfDestructed
	}
	return false
}

// Exist reports whether addr exists in state. Self-destructed accounts still
// exist until Finalise.
func (s *StateDB) Exist(addr common.Address) (bool, error) {
	if s.fork == nil {
		return s.stateObjects[addr] != nil, nil
	}
	empty, err := s.Empty(addr)
	if err != nil {
		return false, err
	}
	if !empty {
		return true, nil
	}
	// An account can exist with all-zero fields only if created locally.
	obj := s.stateObjects[addr]
	return obj != nil && !obj.remoteStorage, nil
}

// Empty returns whether addr is empty per EIP-161.
func (s *StateDB) Empty(addr common.Address) (bool, error) {
	if s.fork == nil {
		obj := s.stateObjects[addr]
		if obj == nil {
			return true, nil
		}
		return obj.empty(), nil
	}
	obj, err := s.loadBalance(addr)
	if err != nil {
		return false, err
	}
	if !obj.balance.IsZero() {
		return false, nil
	}
	if _, err := s.loadNonce(addr); err != nil {
		return false, err
	}
	if obj.nonce != 0 {
		return false, nil
	}
	if _, err := s.loadCode(addr); err != nil {
		return false, err
	}
	return len(obj.code) == 0, nil
}

// AddLog appends a log to the journal-tracked log list.
func (s *StateDB) AddLog(log *types.Log) {
	s.journal.append(addLogChange{})
	s.logs = append(s.logs, log)
}

// Logs returns the logs accumulated so far.
func (s *StateDB) Logs() []*types.Log {
	return s.logs
}

// Snapshot returns an identifier for the current revision of the state.
// Snapshot ids stay valid across checkpoint commits, they are invalidated
// only by reverting past them.
func (s *StateDB) Snapshot() int {
	return s.journal.snapshot()
}

// RevertToSnapshot reverts all state changes made since the given revision.
func (s *StateDB) RevertToSnapshot(revid int) {
	s.journal.revertToSnapshot(revid, s)
}

// Checkpoint opens a nested checkpoint scope and returns its depth.
// Checkpoints are revisions with an enforced LIFO discipline.
func (s *StateDB) Checkpoint() int {
	s.checkpoints = append(s.checkpoints, s.Snapshot())
	return len(s.checkpoints)
}

// CommitCheckpoint closes the innermost checkpoint, keeping its changes.
// The changes remain revertable by an outer checkpoint.
func (s *StateDB) CommitCheckpoint() error {
	if len(s.checkpoints) == 0 {
		return ErrNoActiveCheckpoint
	}
	s.checkpoints = s.checkpoints[:len(s.checkpoints)-1]
	return nil
}

// RevertCheckpoint closes the innermost checkpoint, discarding its changes.
func (s *StateDB) RevertCheckpoint() error {
	if len(s.checkpoints) == 0 {
		return ErrNoActiveCheckpoint
	}
	revid := s.checkpoints[len(s.checkpoints)-1]
	s.checkpoints = s.checkpoints[:len(s.checkpoints)-1]
	s.RevertToSnapshot(revid)
	return nil
}

// CheckpointDepth returns the number of open checkpoints.
func (s *StateDB) CheckpointDepth() int {
	return len(s.checkpoints)
}

// Finalise ends the transaction scope: self-destructed accounts are deleted,
// transient storage and the refund counter are cleared, and the journal is
// reset. Snapshot and checkpoint ids from before the call become invalid.
func (s *StateDB) Finalise() {
	for addr, obj := range s.stateObjects {
		if obj.selfDestructed {
			delete(s.stateObjects, addr)
		}
	}
	s.transientStorage = newTransientStorage()
	s.refund = 0
	s.journal = newJournal()
	s.checkpoints = s.checkpoints[:0]
}

// ClearCaches drops unmodified fork shells, forcing subsequent reads to go
// back to the fork cache. Locally modified accounts are untouched.
func (s *StateDB) ClearCaches() {
	for addr, obj := range s.stateObjects {
		if obj.remoteStorage {
			if _, dirty := s.journal.dirties[addr]; !dirty {
				delete(s.stateObjects, addr)
			}
		}
	}
}

// compile-time interface check
var _ vm.StateDB = (*StateDB)(nil)
