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

package engine

import (
	"github.com/cockroachdb/errors"

	"github.com/embervm/ember/core/forkdb"
	"github.com/embervm/ember/core/state"
	"github.com/embervm/ember/core/vm"
)

// Status is the closed result code set of the embedding API. Every operation
// reports one; no errors or panics cross the boundary.
type Status int32

const (
	StatusSuccess Status = iota
	StatusRevert
	StatusStackOverflow
	StatusStackUnderflow
	StatusOutOfGas
	StatusInvalidJump
	StatusInvalidOpcode
	StatusOutOfBounds
	StatusBytecodeTooLarge
	StatusCallDepthExceeded
	StatusInsufficientBalance
	StatusCollision
	StatusWriteProtection
	StatusPending
	StatusNullHandle
	StatusNoPendingRequest
	StatusInvalidRequest
	StatusOutputTooSmall
	StatusFailure
)

var statusNames = map[Status]string{
	StatusSuccess:             "success",
	StatusRevert:              "revert",
	StatusStackOverflow:       "stack overflow",
	StatusStackUnderflow:      "stack underflow",
	StatusOutOfGas:            "out of gas",
	StatusInvalidJump:         "invalid jump",
	StatusInvalidOpcode:       "invalid opcode",
	StatusOutOfBounds:         "out of bounds",
	StatusBytecodeTooLarge:    "bytecode too large",
	StatusCallDepthExceeded:   "call depth exceeded",
	StatusInsufficientBalance: "insufficient balance",
	StatusCollision:           "address collision",
	StatusWriteProtection:     "write protection",
	StatusPending:             "pending state request",
	StatusNullHandle:          "null handle",
	StatusNoPendingRequest:    "no pending request",
	StatusInvalidRequest:      "invalid request",
	StatusOutputTooSmall:      "output too small",
	StatusFailure:             "failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown status"
}

// OK reports whether the status is StatusSuccess.
func (s Status) OK() bool { return s == StatusSuccess }

// statusFromError folds the library's error values into the closed set.
func statusFromError(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var (
		underflow *vm.ErrStackUnderflow
		overflow  *vm.ErrStackOverflow
		badOp     *vm.ErrInvalidOpCode
	)
	switch {
	case errors.Is(err, vm.ErrExecutionReverted):
		return StatusRevert
	case errors.Is(err, vm.ErrStatePending):
		return StatusPending
	case errors.As(err, &underflow):
		return StatusStackUnderflow
	case errors.As(err, &overflow):
		return StatusStackOverflow
	case errors.Is(err, vm.ErrOutOfGas) || errors.Is(err, vm.ErrCodeStoreOutOfGas):
		return StatusOutOfGas
	case errors.Is(err, vm.ErrInvalidJump):
		return StatusInvalidJump
	case errors.As(err, &badOp) || errors.Is(err, vm.ErrInvalidCode):
		return StatusInvalidOpcode
	case errors.Is(err, vm.ErrOutOfBounds) || errors.Is(err, vm.ErrReturnDataOutOfBounds) || errors.Is(err, vm.ErrGasUintOverflow):
		return StatusOutOfBounds
	case errors.Is(err, vm.ErrBytecodeTooLarge) || errors.Is(err, vm.ErrMaxCodeSizeExceeded) || errors.Is(err, vm.ErrMaxInitCodeSizeExceeded):
		return StatusBytecodeTooLarge
	case errors.Is(err, vm.ErrDepth):
		return StatusCallDepthExceeded
	case errors.Is(err, vm.ErrInsufficientBalance):
		return StatusInsufficientBalance
	case errors.Is(err, vm.ErrContractAddressCollision):
		return StatusCollision
	case errors.Is(err, vm.ErrWriteProtection):
		return StatusWriteProtection
	case errors.Is(err, forkdb.ErrStatePending):
		return StatusPending
	case errors.Is(err, forkdb.ErrNoPendingRequest):
		return StatusNoPendingRequest
	case errors.Is(err, forkdb.ErrInvalidRequest):
		return StatusInvalidRequest
	case errors.Is(err, state.ErrNoActiveCheckpoint):
		return StatusInvalidRequest
	default:
		return StatusFailure
	}
}
