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

package state

import (
	"github.com/holiman/uint256"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/crypto"
)

// emptyCodeHash is the known hash of empty contract code.
var emptyCodeHash = crypto.Keccak256Hash(nil)

// stateObject represents an Ethereum account which is being modified.
//
// When the database is backed by a fork, an object can be a partially
// resolved shell: the loaded flags mark which fields hold data, and a slot
// missing from the storage map has not been resolved yet. Shells are cache
// artifacts holding origin values only, so they are created without journal
// entries.
type stateObject struct {
	address common.Address

	balance  *uint256.Int
	nonce    uint64
	code     []byte
	codeHash common.Hash
	storage  Storage // resolved slots with their current values

	balanceLoaded bool
	nonceLoaded   bool
	codeLoaded    bool
	// remoteStorage marks storage slots as lazily resolvable from the fork.
	// Accounts created locally always have fully known (fresh) storage.
	remoteStorage bool

	selfDestructed bool
}

// newStateObject creates a fully known, zero-valued account object.
func newStateObject(addr common.Address) *stateObject {
	return &stateObject{
		address:       addr,
		balance:       new(uint256.Int),
		codeHash:      emptyCodeHash,
		storage:       make(Storage),
		balanceLoaded: true,
		nonceLoaded:   true,
		codeLoaded:    true,
	}
}

// newShellObject creates an empty fork-backed shell whose fields resolve
// lazily against the remote state.
func newShellObject(addr common.Address) *stateObject {
	return &stateObject{
		address:       addr,
		balance:       new(uint256.Int),
		codeHash:      emptyCodeHash,
		storage:       make(Storage),
		remoteStorage: true,
	}
}

func (obj *stateObject) setBalance(amount *uint256.Int) {
	obj.balance = amount
	obj.balanceLoaded = true
}

func (obj *stateObject) setNonce(nonce uint64) {
	obj.nonce = nonce
	obj.nonceLoaded = true
}

func (obj *stateObject) setCode(codeHash common.Hash, code []byte) {
	obj.code = code
	obj.codeHash = codeHash
	obj.codeLoaded = true
}

func (obj *stateObject) setState(key, value common.Hash) {
	obj.storage[key] = value
}

// empty returns whether the account satisfies EIP-161: zero nonce, zero
// balance and no code. Only meaningful once all three fields are loaded.
func (obj *stateObject) empty() bool {
	return obj.nonce == 0 && obj.balance.IsZero() && len(obj.code) == 0
}

// deepCopy duplicates the object for the create-overwrite journal entry.
func (obj *stateObject) deepCopy() *stateObject {
	cpy := *obj
	cpy.balance = new(uint256.Int).Set(obj.balance)
	cpy.storage = obj.storage.Copy()
	cpy.code = append([]byte(nil), obj.code...)
	return &cpy
}
