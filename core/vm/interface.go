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

package vm

import (
	"github.com/holiman/uint256"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/core/types"
)

// StateDB is an EVM database for full state querying. Accessors return an
// error so a lazily forked backend can surface ErrStatePending on a cache
// miss; a journal-only state never fails.
type StateDB interface {
	CreateAccount(common.Address)

	SubBalance(common.Address, *uint256.Int) error
	AddBalance(common.Address, *uint256.Int) error
	GetBalance(common.Address) (*uint256.Int, error)

	GetNonce(common.Address) (uint64, error)
	SetNonce(common.Address, uint64) error

	GetCodeHash(common.Address) (common.Hash, error)
	GetCode(common.Address) ([]byte, error)
	SetCode(common.Address, []byte) error
	GetCodeSize(common.Address) (int, error)

	AddRefund(uint64)
	SubRefund(uint64)
	GetRefund() uint64

	GetState(common.Address, common.Hash) (common.Hash, error)
	SetState(common.Address, common.Hash, common.Hash) error

	GetTransientState(addr common.Address, key common.Hash) common.Hash
	SetTransientState(addr common.Address, key, value common.Hash)

	SelfDestruct(common.Address) error
	HasSelfDestructed(common.Address) bool

	// Exist reports whether the given account exists in state.
	// Notably this should also return true for self-destructed accounts.
	Exist(common.Address) (bool, error)
	// Empty returns whether the given account is empty. Empty
	// is defined according to EIP161 (balance = nonce = code = 0).
	Empty(common.Address) (bool, error)

	AddLog(*types.Log)

	Snapshot() int
	RevertToSnapshot(int)
}

// CallContext provides a basic interface for the EVM calling conventions.
// The EVM depends on this context being implemented for doing subcalls and
// initialising new EVM contracts.
type CallContext interface {
	Call(env *EVM, me ContractRef, addr common.Address, data []byte, gas, value *uint256.Int) ([]byte, error)
	CallCode(env *EVM, me ContractRef, addr common.Address, data []byte, gas, value *uint256.Int) ([]byte, error)
	DelegateCall(env *EVM, me ContractRef, addr common.Address, data []byte, gas *uint256.Int) ([]byte, error)
	Create(env *EVM, me ContractRef, data []byte, gas, value *uint256.Int) ([]byte, common.Address, error)
}
