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

// Package types contains the data types shared between the interpreter and
// the state layer.
package types

import "github.com/embervm/ember/common"

// Log represents a contract log event. These events are generated by the
// LOG opcodes and stored/indexed by the node.
type Log struct {
	// address of the contract that generated the event
	Address common.Address
	// list of topics provided by the contract
	Topics []common.Hash
	// supplied by the contract, usually ABI-encoded
	Data []byte
}

// Copy returns a deep copy of the log.
func (l *Log) Copy() *Log {
	cpy := &Log{
		Address: l.Address,
		Topics:  make([]common.Hash, len(l.Topics)),
		Data:    common.CopyBytes(l.Data),
	}
	copy(cpy.Topics, l.Topics)
	return cpy
}
