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
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/crypto"
	"github.com/embervm/ember/params"
)

// FrameStatus is the lifecycle state of a Frame.
type FrameStatus uint8

const (
	// FrameRunning means the frame can execute further instructions.
	FrameRunning FrameStatus = iota
	// FramePaused means execution stopped at a breakpoint or after a single
	// step; Resume or Step continues it.
	FramePaused
	// FrameStopped means the frame reached a terminal state. Err reports the
	// outcome: nil for STOP/RETURN, ErrExecutionReverted for REVERT, any
	// other error for a failure.
	FrameStopped
)

// traceRingSize bounds the per-frame step trace.
const traceRingSize = 1024

// TraceStep is one recorded instruction of a tracing frame.
type TraceStep struct {
	PC        uint64
	Op        OpCode
	GasBefore uint64
	GasAfter  uint64
	Stack     []uint256.Int // top-last snapshot taken before execution
}

// Frame is a resumable execution of a single contract. Unlike the interpreter
// run loop, which always drives a call to completion, a Frame can be stepped,
// paused on breakpoints and reset, which is what the embedding API exposes.
// A Frame is single threaded and must not be shared.
type Frame struct {
	evm      *EVM
	in       *EVMInterpreter
	contract *Contract
	scope    *ScopeContext
	code     []byte // dispatch view; differs from contract.Code when fused

	pc         uint64
	initialGas uint64
	status     FrameStatus
	stopErr    error
	returnData []byte

	stepMode    bool
	justResumed bool // suppress the breakpoint at the current pc once
	breakpoints mapset.Set[uint64]

	tracing   bool
	trace     []TraceStep
	traceHead int // ring start when full
	steps     uint64
}

// NewFrame creates a frame executing code with the given gas on top of the
// EVM's state. The zero address is used for both caller and self.
func NewFrame(evm *EVM, code []byte, gas uint64) (*Frame, error) {
	return newFrame(evm, code, gas, false)
}

// NewTracingFrame is like NewFrame but records every executed instruction
// into a bounded ring.
func NewTracingFrame(evm *EVM, code []byte, gas uint64) (*Frame, error) {
	return newFrame(evm, code, gas, true)
}

func newFrame(evm *EVM, code []byte, gas uint64, tracing bool) (*Frame, error) {
	if uint64(len(code)) > evm.rules.MaxInitCodeSize {
		return nil, ErrBytecodeTooLarge
	}
	self := common.Address{}
	contract := NewContract(AccountRef(common.Address{}), AccountRef(self), new(uint256.Int), gas)
	contract.SetCallCode(&self, crypto.Keccak256Hash(code), code)

	f := &Frame{
		evm:         evm,
		in:          evm.interpreter,
		contract:    contract,
		initialGas:  gas,
		breakpoints: mapset.NewThreadUnsafeSet[uint64](),
		tracing:     tracing,
	}
	f.scope = &ScopeContext{
		Memory:   NewMemory(),
		Stack:    newstack(),
		Contract: contract,
	}
	f.code = contract.Code
	if evm.fuser != nil {
		contract.ensureAnalysis()
		f.code = evm.fuser.Fuse(contract.CodeHash, contract.Code)
	}
	return f, nil
}

// Close releases the pooled stack and memory. The frame must not be used
// afterwards.
func (f *Frame) Close() {
	if f.scope != nil {
		returnStack(f.scope.Stack)
		f.scope.Memory.Free()
		f.scope = nil
	}
}

// Reset rewinds the frame to a fresh execution of the same code with new gas.
// The jumpdest analysis and fused view are reused.
func (f *Frame) Reset(gas uint64) {
	f.scope.Stack.reset()
	f.scope.Memory.Reset()
	f.pc = 0
	f.initialGas = gas
	f.contract.Gas = gas
	f.status = FrameRunning
	f.stopErr = nil
	f.returnData = nil
	f.justResumed = false
	f.trace = nil
	f.traceHead = 0
	f.steps = 0
}

// Status returns the frame's lifecycle state.
func (f *Frame) Status() FrameStatus { return f.status }

// Err returns the terminal outcome: nil while running or on success,
// ErrExecutionReverted after REVERT, the failing error otherwise.
func (f *Frame) Err() error { return f.stopErr }

// ReturnData returns the output of RETURN or REVERT.
func (f *Frame) ReturnData() []byte { return f.returnData }

// IsStopped reports whether the frame reached a terminal state.
func (f *Frame) IsStopped() bool { return f.status == FrameStopped }

// IsPaused reports whether the frame sits at a breakpoint or step pause.
func (f *Frame) IsPaused() bool { return f.status == FramePaused }

// SetStepMode makes Execute pause after every instruction.
func (f *Frame) SetStepMode(on bool) { f.stepMode = on }

// AddBreakpoint arms a breakpoint; execution pauses before the instruction
// at pc runs.
func (f *Frame) AddBreakpoint(pc uint64) { f.breakpoints.Add(pc) }

// RemoveBreakpoint disarms a breakpoint.
func (f *Frame) RemoveBreakpoint(pc uint64) { f.breakpoints.Remove(pc) }

// HasBreakpoint reports whether a breakpoint is armed at pc.
func (f *Frame) HasBreakpoint(pc uint64) bool { return f.breakpoints.Contains(pc) }

// ClearBreakpoints disarms all breakpoints.
func (f *Frame) ClearBreakpoints() { f.breakpoints.Clear() }

// Execute runs the frame until it stops, pauses, or hits a pending fork
// fetch. A pending fetch returns ErrStatePending with the frame still
// Running at the same pc, so Execute can simply be called again once the
// host resolved the request.
func (f *Frame) Execute() error {
	if f.status == FrameStopped {
		return f.stopErr
	}
	f.status = FrameRunning
	for f.status == FrameRunning {
		if !f.justResumed && f.breakpoints.Contains(f.pc) && f.pc < uint64(len(f.code)) {
			f.status = FramePaused
			return nil
		}
		f.justResumed = false
		if err := f.step(); err != nil {
			return err
		}
		if f.stepMode && f.status == FrameRunning {
			f.status = FramePaused
			return nil
		}
	}
	if f.status == FrameStopped && f.stopErr != nil && f.stopErr != ErrExecutionReverted {
		return f.stopErr
	}
	return nil
}

// Resume continues a paused frame, skipping the breakpoint at the current pc.
func (f *Frame) Resume() error {
	if f.status == FramePaused {
		f.status = FrameRunning
		f.justResumed = true
	}
	return f.Execute()
}

// Step executes exactly one instruction of a running or paused frame.
func (f *Frame) Step() error {
	if f.status == FrameStopped {
		return f.stopErr
	}
	f.status = FrameRunning
	err := f.step()
	if f.status == FrameRunning {
		f.status = FramePaused
	}
	return err
}

// step executes the instruction at the current pc. On ErrStatePending the pc,
// stack and charged gas are all rolled back, so a retry is indistinguishable
// from a first execution.
func (f *Frame) step() error {
	// Running off the end of the code is an implicit STOP.
	if f.pc >= uint64(len(f.code)) {
		f.finish(nil, nil)
		return nil
	}
	op := OpCode(f.code[f.pc])
	operation := f.in.table[op]
	cost := operation.constantGas

	if sLen := f.scope.Stack.len(); sLen < operation.minStack {
		err := &ErrStackUnderflow{stackLen: sLen, required: operation.minStack}
		f.finish(nil, err)
		return err
	} else if sLen > operation.maxStack {
		err := &ErrStackOverflow{stackLen: sLen, limit: operation.maxStack}
		f.finish(nil, err)
		return err
	}
	gasBefore := f.contract.Gas
	if !f.contract.UseGas(cost) {
		f.finish(nil, ErrOutOfGas)
		return ErrOutOfGas
	}
	// A pending fork fetch rolls the memory back too: the gas functions bump
	// the expansion watermark before they can pend, and a grown store would
	// make the replayed expansion cheaper than the original.
	memLen, memLastGas := f.scope.Memory.Len(), f.scope.Memory.lastGasCost
	if operation.dynamicGas != nil {
		var memorySize uint64
		if operation.memorySize != nil {
			memSize, overflow := operation.memorySize(f.scope.Stack)
			if overflow {
				f.finish(nil, ErrGasUintOverflow)
				return ErrGasUintOverflow
			}
			if memorySize, overflow = safeMul(toWordSize(memSize), 32); overflow {
				f.finish(nil, ErrGasUintOverflow)
				return ErrGasUintOverflow
			}
		}
		dynamicCost, err := operation.dynamicGas(f.evm, f.contract, f.scope.Stack, f.scope.Memory, memorySize)
		if err != nil {
			if err == ErrStatePending {
				f.scope.Memory.rollback(memLen, memLastGas)
				f.contract.RefundGas(cost)
				return err
			}
			f.finish(nil, ErrOutOfGas)
			return ErrOutOfGas
		}
		cost += dynamicCost
		if !f.contract.UseGas(dynamicCost) {
			f.finish(nil, ErrOutOfGas)
			return ErrOutOfGas
		}
		if memorySize > 0 {
			f.scope.Memory.Resize(memorySize)
		}
	}
	var stackSnap []uint256.Int
	if f.tracing {
		stackSnap = append(stackSnap, f.scope.Stack.Data()...)
	}
	pcBefore := f.pc

	res, err := operation.execute(&f.pc, f.in, f.scope)

	if err != ErrStatePending {
		f.steps++
	}
	if f.tracing && err != ErrStatePending {
		f.record(TraceStep{
			PC:        pcBefore,
			Op:        op,
			GasBefore: gasBefore,
			GasAfter:  f.contract.Gas,
			Stack:     stackSnap,
		})
	}
	if err != nil {
		if err == ErrStatePending {
			f.scope.Memory.rollback(memLen, memLastGas)
			f.contract.RefundGas(cost)
			return err
		}
		if err == errStopToken {
			f.finish(res, nil)
			return nil
		}
		f.finish(res, err)
		if err == ErrExecutionReverted {
			return nil
		}
		return err
	}
	f.pc++
	return nil
}

func (f *Frame) finish(ret []byte, err error) {
	if ret != nil {
		f.returnData = append([]byte(nil), ret...)
	}
	f.status = FrameStopped
	f.stopErr = err
	if err != nil && err != ErrExecutionReverted {
		// Failures consume all remaining gas, matching the dispatcher.
		f.contract.Gas = 0
	}
}

func (f *Frame) record(step TraceStep) {
	if len(f.trace) < traceRingSize {
		f.trace = append(f.trace, step)
		return
	}
	f.trace[f.traceHead] = step
	f.traceHead = (f.traceHead + 1) % traceRingSize
}

// StepCount returns the number of recorded trace steps.
func (f *Frame) StepCount() int { return len(f.trace) }

// GetStep returns the i'th recorded trace step, oldest first.
func (f *Frame) GetStep(i int) (TraceStep, bool) {
	if i < 0 || i >= len(f.trace) {
		return TraceStep{}, false
	}
	return f.trace[(f.traceHead+i)%len(f.trace)], true
}

// Steps returns the total number of instructions executed.
func (f *Frame) Steps() uint64 { return f.steps }

// PC returns the current program counter.
func (f *Frame) PC() uint64 { return f.pc }

// BytecodeLen returns the length of the executing code.
func (f *Frame) BytecodeLen() int { return len(f.contract.Code) }

// CurrentOpcode returns the opcode at the current pc, STOP past the end.
// The original byte is reported even when a fused view executes.
func (f *Frame) CurrentOpcode() OpCode { return f.contract.GetOp(f.pc) }

// GasRemaining returns the gas left in the frame.
func (f *Frame) GasRemaining() uint64 { return f.contract.Gas }

// GasUsed returns the gas consumed so far.
func (f *Frame) GasUsed() uint64 { return f.initialGas - f.contract.Gas }

// PushU64 pushes a 64-bit value onto the stack.
func (f *Frame) PushU64(v uint64) error {
	return f.pushItem(new(uint256.Int).SetUint64(v))
}

// PushU32 pushes a 32-bit value onto the stack.
func (f *Frame) PushU32(v uint32) error {
	return f.pushItem(new(uint256.Int).SetUint64(uint64(v)))
}

// PushBytes pushes up to 32 big-endian bytes onto the stack.
func (f *Frame) PushBytes(b []byte) error {
	if len(b) > 32 {
		return ErrOutOfBounds
	}
	return f.pushItem(new(uint256.Int).SetBytes(b))
}

func (f *Frame) pushItem(v *uint256.Int) error {
	if uint64(f.scope.Stack.len()) >= params.StackLimit {
		return &ErrStackOverflow{stackLen: f.scope.Stack.len(), limit: int(params.StackLimit)}
	}
	f.scope.Stack.push(v)
	return nil
}

// PopU64 pops the top of the stack as a 64-bit value. Values that do not fit
// are an error and the stack is left unchanged.
func (f *Frame) PopU64() (uint64, error) {
	if f.scope.Stack.len() == 0 {
		return 0, &ErrStackUnderflow{stackLen: 0, required: 1}
	}
	if top := f.scope.Stack.peek(); !top.IsUint64() {
		return 0, ErrOutOfBounds
	}
	v := f.scope.Stack.pop()
	return v.Uint64(), nil
}

// PopU32 pops the top of the stack as a 32-bit value.
func (f *Frame) PopU32() (uint32, error) {
	if f.scope.Stack.len() == 0 {
		return 0, &ErrStackUnderflow{stackLen: 0, required: 1}
	}
	if top := f.scope.Stack.peek(); !top.IsUint64() || top.Uint64() > 0xffffffff {
		return 0, ErrOutOfBounds
	}
	v := f.scope.Stack.pop()
	return uint32(v.Uint64()), nil
}

// PopBytes pops the top of the stack as a 32-byte big-endian word.
func (f *Frame) PopBytes() ([32]byte, error) {
	if f.scope.Stack.len() == 0 {
		return [32]byte{}, &ErrStackUnderflow{stackLen: 0, required: 1}
	}
	v := f.scope.Stack.pop()
	return v.Bytes32(), nil
}

// PeekU64 returns the top of the stack as a 64-bit value without popping.
func (f *Frame) PeekU64() (uint64, error) {
	if f.scope.Stack.len() == 0 {
		return 0, &ErrStackUnderflow{stackLen: 0, required: 1}
	}
	if top := f.scope.Stack.peek(); !top.IsUint64() {
		return 0, ErrOutOfBounds
	}
	return f.scope.Stack.peek().Uint64(), nil
}

// StackSize returns the number of items on the stack.
func (f *Frame) StackSize() int { return f.scope.Stack.len() }

// GetStackItem returns the i'th stack item counted from the top.
func (f *Frame) GetStackItem(i int) ([32]byte, error) {
	if i < 0 || i >= f.scope.Stack.len() {
		return [32]byte{}, ErrOutOfBounds
	}
	return f.scope.Stack.Back(i).Bytes32(), nil
}

// GetStack returns up to max stack items, top first.
func (f *Frame) GetStack(max int) [][32]byte {
	n := f.scope.Stack.len()
	if max >= 0 && max < n {
		n = max
	}
	out := make([][32]byte, n)
	for i := 0; i < n; i++ {
		out[i] = f.scope.Stack.Back(i).Bytes32()
	}
	return out
}

// MemorySize returns the current memory length.
func (f *Frame) MemorySize() int { return f.scope.Memory.Len() }

// GetMemory returns a copy of memory[off:off+size].
func (f *Frame) GetMemory(off, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if off+size < off || off+size > uint64(f.scope.Memory.Len()) {
		return nil, ErrOutOfBounds
	}
	return f.scope.Memory.GetCopy(off, size), nil
}
