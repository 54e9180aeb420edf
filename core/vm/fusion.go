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
	"github.com/VictoriaMetrics/fastcache"
	"github.com/holiman/uint256"

	"github.com/embervm/ember/common"
)

// fusedCodeCacheSize bounds the in-memory cache of fused code, shared by all
// contracts executed through one EVM instance.
const fusedCodeCacheSize = 32 * 1024 * 1024

// codeFuser re-encodes known opcode sequences into single super-instructions.
// The rewrite is strictly in place: the fused code has the same length as the
// original, every PUSH immediate stays at its original offset, and only the
// leading opcode byte of a matched pattern changes. Jump destination analysis
// and CODECOPY therefore keep operating on the original code, and fused
// execution is observably identical to plain interpretation.
type codeFuser struct {
	cache *fastcache.Cache
}

func newCodeFuser() *codeFuser {
	return &codeFuser{cache: fastcache.New(fusedCodeCacheSize)}
}

// Fuse returns the fused view of code, computing and caching it on first use.
// Code without a known hash (initcode) is fused without caching.
func (f *codeFuser) Fuse(hash common.Hash, code []byte) []byte {
	if hash != (common.Hash{}) {
		if v := f.cache.Get(nil, hash[:]); len(v) == len(code) {
			return v
		}
	}
	fused := fuseCode(code)
	if hash != (common.Hash{}) && len(fused) < 64*1024 {
		f.cache.Set(hash[:], fused)
	}
	return fused
}

// fuseCode walks the code linearly, skipping PUSH immediates, and replaces the
// leading byte of every matched pattern with its fused opcode. Patterns never
// contain a JUMPDEST, so no valid jump can land inside one, and the linear
// walk guarantees matches only start at opcode positions.
func fuseCode(code []byte) []byte {
	fused := make([]byte, len(code))
	copy(fused, code)

	n := uint64(len(code))
	for pc := uint64(0); pc < n; {
		op := OpCode(code[pc])
		switch op {
		case PUSH1:
			if pc+2 < n {
				switch OpCode(code[pc+2]) {
				case ADD:
					fused[pc] = byte(fusedPushAdd)
					pc += 3
					continue
				case SUB:
					fused[pc] = byte(fusedPushSub)
					pc += 3
					continue
				case SHL:
					fused[pc] = byte(fusedPushShl)
					pc += 3
					continue
				case MSTORE:
					fused[pc] = byte(fusedPushMstore)
					pc += 3
					continue
				case PUSH1:
					if pc+3 < n {
						fused[pc] = byte(fusedPushPush)
						pc += 4
						continue
					}
				}
			}
		case ISZERO:
			// ISZERO PUSH2 hi lo JUMPI
			if pc+4 < n && OpCode(code[pc+1]) == PUSH2 && OpCode(code[pc+4]) == JUMPI {
				fused[pc] = byte(fusedIszeroJumpi)
				pc += 5
				continue
			}
		case POP:
			if pc+1 < n && OpCode(code[pc+1]) == POP {
				fused[pc] = byte(fusedPopPop)
				pc += 2
				continue
			}
		case SWAP1:
			if pc+1 < n && OpCode(code[pc+1]) == POP {
				fused[pc] = byte(fusedSwapPop)
				pc += 2
				continue
			}
		}
		pc = nextPC(code, pc)
	}
	return fused
}

// extendWithFusedInstructions adds the super-instruction entries to a jump
// table. Their gas is the sum of the constituents', so metering stays exact.
func extendWithFusedInstructions(tbl *JumpTable) {
	tbl[fusedPushPush] = &operation{
		execute:     opFusedPushPush,
		constantGas: 2 * GasFastestStep,
		minStack:    minStack(0, 2),
		maxStack:    maxStack(0, 2),
	}
	tbl[fusedPushAdd] = &operation{
		execute:     opFusedPushAdd,
		constantGas: 2 * GasFastestStep,
		minStack:    minStack(1, 1),
		maxStack:    maxStack(1, 1),
	}
	tbl[fusedPushSub] = &operation{
		execute:     opFusedPushSub,
		constantGas: 2 * GasFastestStep,
		minStack:    minStack(1, 1),
		maxStack:    maxStack(1, 1),
	}
	tbl[fusedPushShl] = &operation{
		execute:     opFusedPushShl,
		constantGas: 2 * GasFastestStep,
		minStack:    minStack(1, 1),
		maxStack:    maxStack(1, 1),
	}
	tbl[fusedIszeroJumpi] = &operation{
		execute:     opFusedIszeroJumpi,
		constantGas: 2*GasFastestStep + GasSlowStep,
		minStack:    minStack(1, 0),
		maxStack:    maxStack(1, 0),
	}
	tbl[fusedPopPop] = &operation{
		execute:     opFusedPopPop,
		constantGas: 2 * GasQuickStep,
		minStack:    minStack(2, 0),
		maxStack:    maxStack(2, 0),
	}
	tbl[fusedPushMstore] = &operation{
		execute:     opFusedPushMstore,
		constantGas: 2 * GasFastestStep,
		minStack:    minStack(1, 0),
		maxStack:    maxStack(1, 0),
	}
	tbl[fusedSwapPop] = &operation{
		execute:     opFusedSwapPop,
		constantGas: GasFastestStep + GasQuickStep,
		minStack:    minStack(2, 1),
		maxStack:    maxStack(2, 1),
	}
}

// The fused handlers read their immediates from the original contract code:
// the rewrite only touches opcode bytes, so every data byte is still at its
// original offset there.
//
// The fuser only writes a fused byte where the full pattern exists, so a
// handler entered on original code whose lead opcode doesn't match was
// dispatched on a raw fused-range byte in the contract. Those bytes are
// undefined opcodes and must fail exactly as they do without fusion.

func fusedPattern(code []byte, pc, width uint64, lead OpCode) bool {
	return pc+width <= uint64(len(code)) && OpCode(code[pc]) == lead
}

func opFusedPushPush(pc *uint64, interpreter *EVMInterpreter, scope *ScopeContext) ([]byte, error) {
	code := scope.Contract.Code
	if !fusedPattern(code, *pc, 4, PUSH1) {
		return nil, &ErrInvalidOpCode{opcode: OpCode(code[*pc])}
	}
	scope.Stack.push(new(uint256.Int).SetUint64(uint64(code[*pc+1])))
	scope.Stack.push(new(uint256.Int).SetUint64(uint64(code[*pc+3])))
	*pc += 3
	return nil, nil
}

func opFusedPushAdd(pc *uint64, interpreter *EVMInterpreter, scope *ScopeContext) ([]byte, error) {
	code := scope.Contract.Code
	if !fusedPattern(code, *pc, 3, PUSH1) {
		return nil, &ErrInvalidOpCode{opcode: OpCode(code[*pc])}
	}
	y := scope.Stack.peek()
	y.AddUint64(y, uint64(code[*pc+1]))
	*pc += 2
	return nil, nil
}

func opFusedPushSub(pc *uint64, interpreter *EVMInterpreter, scope *ScopeContext) ([]byte, error) {
	code := scope.Contract.Code
	if !fusedPattern(code, *pc, 3, PUSH1) {
		return nil, &ErrInvalidOpCode{opcode: OpCode(code[*pc])}
	}
	// PUSH1 x SUB computes x - top
	x := new(uint256.Int).SetUint64(uint64(code[*pc+1]))
	y := scope.Stack.peek()
	y.Sub(x, y)
	*pc += 2
	return nil, nil
}

func opFusedPushShl(pc *uint64, interpreter *EVMInterpreter, scope *ScopeContext) ([]byte, error) {
	code := scope.Contract.Code
	if !fusedPattern(code, *pc, 3, PUSH1) {
		return nil, &ErrInvalidOpCode{opcode: OpCode(code[*pc])}
	}
	y := scope.Stack.peek()
	y.Lsh(y, uint(code[*pc+1]))
	*pc += 2
	return nil, nil
}

func opFusedIszeroJumpi(pc *uint64, interpreter *EVMInterpreter, scope *ScopeContext) ([]byte, error) {
	if !fusedPattern(scope.Contract.Code, *pc, 5, ISZERO) {
		return nil, &ErrInvalidOpCode{opcode: OpCode(scope.Contract.Code[*pc])}
	}
	cond := scope.Stack.pop()
	if cond.IsZero() {
		code := scope.Contract.Code
		dest := new(uint256.Int).SetUint64(uint64(code[*pc+2])<<8 | uint64(code[*pc+3]))
		if !scope.Contract.validJumpdest(dest) {
			return nil, ErrInvalidJump
		}
		*pc = dest.Uint64() - 1 // pc will be increased by the interpreter loop
	} else {
		*pc += 4
	}
	return nil, nil
}

func opFusedPopPop(pc *uint64, interpreter *EVMInterpreter, scope *ScopeContext) ([]byte, error) {
	if !fusedPattern(scope.Contract.Code, *pc, 2, POP) {
		return nil, &ErrInvalidOpCode{opcode: OpCode(scope.Contract.Code[*pc])}
	}
	scope.Stack.pop()
	scope.Stack.pop()
	*pc++
	return nil, nil
}

func opFusedPushMstore(pc *uint64, interpreter *EVMInterpreter, scope *ScopeContext) ([]byte, error) {
	code := scope.Contract.Code
	if !fusedPattern(code, *pc, 3, PUSH1) {
		return nil, &ErrInvalidOpCode{opcode: OpCode(code[*pc])}
	}
	off := uint64(code[*pc+1])
	val := scope.Stack.pop()
	// MSTORE carries the memory expansion cost; the fused entry has no
	// dynamic gas function because the offset is an immediate, so the
	// expansion is metered here with the regular cost function.
	if newSize := toWordSize(off+32) * 32; uint64(scope.Memory.Len()) < newSize {
		gas, err := memoryGasCost(interpreter.evm, scope.Memory, newSize)
		if err != nil {
			return nil, err
		}
		if !scope.Contract.UseGas(gas) {
			return nil, ErrOutOfGas
		}
		scope.Memory.Resize(newSize)
	}
	scope.Memory.Set32(off, &val)
	*pc += 2
	return nil, nil
}

func opFusedSwapPop(pc *uint64, interpreter *EVMInterpreter, scope *ScopeContext) ([]byte, error) {
	if !fusedPattern(scope.Contract.Code, *pc, 2, SWAP1) {
		return nil, &ErrInvalidOpCode{opcode: OpCode(scope.Contract.Code[*pc])}
	}
	// SWAP1 POP drops the element below the top
	top := scope.Stack.pop()
	*scope.Stack.peek() = top
	*pc++
	return nil, nil
}
