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

// Package core wires the virtual machine to the world state.
package core

import (
	"github.com/holiman/uint256"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/core/vm"
)

// CanTransfer checks whether there are enough funds in the address' account
// to make a transfer. This does not take the necessary gas into account.
func CanTransfer(db vm.StateDB, addr common.Address, amount *uint256.Int) (bool, error) {
	balance, err := db.GetBalance(addr)
	if err != nil {
		return false, err
	}
	return balance.Cmp(amount) >= 0, nil
}

// Transfer subtracts amount from sender and adds amount to recipient using
// the given state.
func Transfer(db vm.StateDB, sender, recipient common.Address, amount *uint256.Int) error {
	if err := db.SubBalance(sender, amount); err != nil {
		return err
	}
	return db.AddBalance(recipient, amount)
}

// NewBlockContext creates a block context with the standard transfer
// functions and the given block fields.
func NewBlockContext(coinbase common.Address, number, time, gasLimit uint64) vm.BlockContext {
	return vm.BlockContext{
		CanTransfer: CanTransfer,
		Transfer:    Transfer,
		GetHash:     func(uint64) common.Hash { return common.Hash{} },
		Coinbase:    coinbase,
		BlockNumber: number,
		Time:        time,
		GasLimit:    gasLimit,
	}
}
