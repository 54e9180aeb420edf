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
	"errors"
	"log/slog"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/crypto"
)

// Config are the configuration options for the Interpreter.
type Config struct {
	// EnableOpcodeFusion turns on the in-place opcode fusion pass. Fused code
	// is observably identical to the original, it only executes faster.
	EnableOpcodeFusion bool

	// Logger receives per-call debug output. Nil disables logging.
	Logger *slog.Logger
}

// ScopeContext contains the things that are per-call, such as stack and memory,
// but not transients like pc and gas.
type ScopeContext struct {
	Memory   *Memory
	Stack    *Stack
	Contract *Contract
}

func newKeccakState() crypto.KeccakState {
	return crypto.NewKeccakState()
}

// errStopToken is an internal token to stop the loop on STOP and RETURN. It is
// never returned to callers.
var errStopToken = errors.New("stop token")

// EVMInterpreter represents an EVM interpreter.
type EVMInterpreter struct {
	evm   *EVM
	table *JumpTable

	hasher    crypto.KeccakState // Keccak256 hasher instance shared across opcodes
	hasherBuf common.Hash        // Keccak256 hasher result array shared across opcodes

	readOnly   bool   // Whether to throw on stateful modifications
	returnData []byte // Last CALL's return data for subsequent reuse
}

// NewEVMInterpreter returns a new instance of the Interpreter.
func NewEVMInterpreter(evm *EVM) *EVMInterpreter {
	table := newInstructionSet(evm.rules)
	if evm.Config.EnableOpcodeFusion {
		extendWithFusedInstructions(&table)
	}
	return &EVMInterpreter{evm: evm, table: &table}
}

// Run loops and evaluates the contract's code with the given input data and
// returns the return byte-slice and an error if one occurred.
//
// It's important to note that any errors returned by the interpreter should be
// considered a revert-and-consume-all-gas operation except for
// ErrExecutionReverted which means revert-and-keep-gas-left, and
// ErrStatePending which means the call cannot make progress until the host
// resolves an outstanding fork state fetch and replays it.
func (in *EVMInterpreter) Run(contract *Contract, input []byte, readOnly bool) (ret []byte, err error) {
	// Increment the call depth which is restricted to 1024
	in.evm.depth++
	defer func() { in.evm.depth-- }()

	// Make sure the readOnly is only set if we aren't in readOnly yet.
	// This also makes sure that the readOnly flag isn't removed for child calls.
	if readOnly && !in.readOnly {
		in.readOnly = true
		defer func() { in.readOnly = false }()
	}

	// Reset the previous call's return data. It's unimportant to preserve the
	// old buffer as every returning call will return new data anyway.
	in.returnData = nil

	// Don't bother with the execution if there's no code.
	if len(contract.Code) == 0 {
		return nil, nil
	}

	var (
		op          OpCode        // current opcode
		mem         = NewMemory() // bound memory
		stack       = newstack()  // local stack
		callContext = &ScopeContext{
			Memory:   mem,
			Stack:    stack,
			Contract: contract,
		}
		// For optimisation reason we're using uint64 as the program counter.
		// It's theoretically possible to go above 2^64. The YP defines the PC
		// to be uint256. Practically much less so feasible.
		pc   = uint64(0)
		cost uint64
		res  []byte // result of the opcode execution function
	)
	// Force the jumpdest analysis before the fused view is installed, so jump
	// validation always runs against the original byte layout.
	code := contract.Code
	if in.evm.Config.EnableOpcodeFusion && in.evm.fuser != nil && contract.CodeHash != (common.Hash{}) {
		contract.ensureAnalysis()
		code = in.evm.fuser.Fuse(contract.CodeHash, contract.Code)
	}
	// Don't move this deferred function, it's placed before the capturestate-deferred method,
	// so that it gets executed _after_: the capturestate needs the stacks before
	// they are returned to the pools
	defer func() {
		returnStack(stack)
		mem.Free()
	}()
	contract.Input = input

	for {
		// Running off the end of the code is an implicit STOP.
		if pc >= uint64(len(code)) {
			op = STOP
		} else {
			op = OpCode(code[pc])
		}
		// Get the operation from the jump table and validate the stack to ensure there are
		// enough stack items available to perform the operation.
		operation := in.table[op]
		cost = operation.constantGas // For tracing
		// Validate stack
		if sLen := stack.len(); sLen < operation.minStack {
			return nil, &ErrStackUnderflow{stackLen: sLen, required: operation.minStack}
		} else if sLen > operation.maxStack {
			return nil, &ErrStackOverflow{stackLen: sLen, limit: operation.maxStack}
		}
		if !contract.UseGas(cost) {
			return nil, ErrOutOfGas
		}
		// A pending fork fetch rolls the memory back too: the gas functions
		// bump the expansion watermark before they can pend, and a grown
		// store would make the replayed expansion cheaper than the original.
		memLen, memLastGas := mem.Len(), mem.lastGasCost
		if operation.dynamicGas != nil {
			// All ops with a dynamic memory usage also has a dynamic gas cost.
			var memorySize uint64
			// calculate the new memory size and expand the memory to fit
			// the operation
			// Memory check needs to be done prior to evaluating the dynamic gas portion,
			// to detect calculation overflows
			if operation.memorySize != nil {
				memSize, overflow := operation.memorySize(stack)
				if overflow {
					return nil, ErrGasUintOverflow
				}
				// memory is expanded in words of 32 bytes. Gas
				// is also calculated in words.
				if memorySize, overflow = safeMul(toWordSize(memSize), 32); overflow {
					return nil, ErrGasUintOverflow
				}
			}
			// Consume the gas and return an error if not enough gas is available.
			// cost is explicitly set so that the capture state defer method can get the proper cost
			var dynamicCost uint64
			dynamicCost, err = operation.dynamicGas(in.evm, contract, stack, mem, memorySize)
			if err != nil {
				if err == ErrStatePending {
					// Unwind the charge for this instruction. The host will
					// replay it once the pending fetch resolves.
					mem.rollback(memLen, memLastGas)
					contract.RefundGas(cost)
					return nil, err
				}
				return nil, ErrOutOfGas
			}
			cost += dynamicCost // for tracing
			if !contract.UseGas(dynamicCost) {
				return nil, ErrOutOfGas
			}
			if memorySize > 0 {
				mem.Resize(memorySize)
			}
		}

		// execute the operation
		res, err = operation.execute(&pc, in, callContext)
		if err != nil {
			if err == ErrStatePending {
				// The instruction resolved nothing yet: pc, stack and memory
				// are restored and the charged gas refunded, so the retry is
				// indistinguishable from a first execution.
				mem.rollback(memLen, memLastGas)
				contract.RefundGas(cost)
			}
			break
		}
		pc++
	}

	if err == errStopToken {
		err = nil // clear stop token error
	} else if err != nil && err != ErrExecutionReverted && err != ErrStatePending {
		if logger := in.evm.Config.Logger; logger != nil {
			logger.Debug("execution aborted", "pc", pc, "op", op.String(), "err", err)
		}
	}

	return res, err
}
