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

// Package engine is the embedding surface of the virtual machine. All
// objects are addressed through opaque generation-checked handles, every
// operation reports a Status from a closed set, and no panic crosses the
// boundary, so the package can back a C style FFI directly.
package engine

import (
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/core"
	"github.com/embervm/ember/core/forkdb"
	"github.com/embervm/ember/core/state"
	"github.com/embervm/ember/core/vm"
	"github.com/embervm/ember/params"
)

// Config tunes every frame and state manager the engine creates.
type Config struct {
	Rules        params.Rules
	ChainID      uint64
	EnableFusion bool
	Logger       *slog.Logger
}

// Engine owns frames and state managers and hands out handles to them.
// It is single threaded, like the interpreter it wraps.
type Engine struct {
	cfg    Config
	frames arena[*frameEntry]
	states arena[*state.StateDB]
}

type frameEntry struct {
	frame *vm.Frame
	evm   *vm.EVM
	db    *state.StateDB
}

// New creates an engine. A zero Rules value selects the mainnet rule set.
func New(cfg Config) *Engine {
	if cfg.Rules.CallGasRetentionDivisor == 0 {
		cfg.Rules = params.MainnetRules()
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) newEVM(db *state.StateDB) *vm.EVM {
	blockCtx := core.NewBlockContext(common.Address{}, 0, 0, 30_000_000)
	vmCfg := vm.Config{EnableOpcodeFusion: e.cfg.EnableFusion, Logger: e.cfg.Logger}
	return vm.NewEVM(blockCtx, vm.TxContext{}, db, e.cfg.Rules, vmCfg, e.cfg.ChainID)
}

// ---- state managers ----

// CreateState creates an empty in-memory state manager.
func (e *Engine) CreateState() (Handle, Status) {
	return e.states.alloc(state.New()), StatusSuccess
}

// CreateStateWithFork creates a state manager lazily backed by remote state
// at the given block tag.
func (e *Engine) CreateStateWithFork(blockTag string, cacheSize int) (Handle, Status) {
	fork, err := forkdb.New(cacheSize, blockTag)
	if err != nil {
		return 0, StatusFailure
	}
	return e.states.alloc(state.NewWithFork(fork)), StatusSuccess
}

// DestroyState releases a state manager. Frames created on top of it must
// not be used afterwards.
func (e *Engine) DestroyState(h Handle) Status {
	if _, ok := e.states.release(h); !ok {
		return StatusNullHandle
	}
	return StatusSuccess
}

func (e *Engine) stateFor(h Handle) (*state.StateDB, Status) {
	db, ok := e.states.get(h)
	if !ok {
		return nil, StatusNullHandle
	}
	return db, StatusSuccess
}

// StateGetBalance returns the balance of addr.
func (e *Engine) StateGetBalance(h Handle, addr common.Address) (*uint256.Int, Status) {
	db, st := e.stateFor(h)
	if !st.OK() {
		return nil, st
	}
	bal, err := db.GetBalance(addr)
	if err != nil {
		return nil, statusFromError(err)
	}
	return new(uint256.Int).Set(bal), StatusSuccess
}

// StateSetBalance overwrites the balance of addr.
func (e *Engine) StateSetBalance(h Handle, addr common.Address, balance *uint256.Int) Status {
	db, st := e.stateFor(h)
	if !st.OK() {
		return st
	}
	return statusFromError(db.SetBalance(addr, balance))
}

// StateGetNonce returns the nonce of addr.
func (e *Engine) StateGetNonce(h Handle, addr common.Address) (uint64, Status) {
	db, st := e.stateFor(h)
	if !st.OK() {
		return 0, st
	}
	nonce, err := db.GetNonce(addr)
	if err != nil {
		return 0, statusFromError(err)
	}
	return nonce, StatusSuccess
}

// StateSetNonce sets the nonce of addr.
func (e *Engine) StateSetNonce(h Handle, addr common.Address, nonce uint64) Status {
	db, st := e.stateFor(h)
	if !st.OK() {
		return st
	}
	return statusFromError(db.SetNonce(addr, nonce))
}

// StateGetStorage returns the given storage slot of addr.
func (e *Engine) StateGetStorage(h Handle, addr common.Address, key common.Hash) (common.Hash, Status) {
	db, st := e.stateFor(h)
	if !st.OK() {
		return common.Hash{}, st
	}
	val, err := db.GetState(addr, key)
	if err != nil {
		return common.Hash{}, statusFromError(err)
	}
	return val, StatusSuccess
}

// StateSetStorage stores value in the given slot of addr.
func (e *Engine) StateSetStorage(h Handle, addr common.Address, key, value common.Hash) Status {
	db, st := e.stateFor(h)
	if !st.OK() {
		return st
	}
	return statusFromError(db.SetState(addr, key, value))
}

// StateGetCode returns a copy of the code of addr.
func (e *Engine) StateGetCode(h Handle, addr common.Address) ([]byte, Status) {
	db, st := e.stateFor(h)
	if !st.OK() {
		return nil, st
	}
	code, err := db.GetCode(addr)
	if err != nil {
		return nil, statusFromError(err)
	}
	return append([]byte(nil), code...), StatusSuccess
}

// StateSetCode deposits code at addr.
func (e *Engine) StateSetCode(h Handle, addr common.Address, code []byte) Status {
	db, st := e.stateFor(h)
	if !st.OK() {
		return st
	}
	return statusFromError(db.SetCode(addr, code))
}

// StateCheckpoint opens a nested checkpoint and returns its depth.
func (e *Engine) StateCheckpoint(h Handle) (int, Status) {
	db, st := e.stateFor(h)
	if !st.OK() {
		return 0, st
	}
	return db.Checkpoint(), StatusSuccess
}

// StateCommit closes the innermost checkpoint, keeping its changes.
func (e *Engine) StateCommit(h Handle) Status {
	db, st := e.stateFor(h)
	if !st.OK() {
		return st
	}
	return statusFromError(db.CommitCheckpoint())
}

// StateRevert closes the innermost checkpoint, discarding its changes.
func (e *Engine) StateRevert(h Handle) Status {
	db, st := e.stateFor(h)
	if !st.OK() {
		return st
	}
	return statusFromError(db.RevertCheckpoint())
}

// StateSnapshot returns a stable revision id of the current state.
func (e *Engine) StateSnapshot(h Handle) (int, Status) {
	db, st := e.stateFor(h)
	if !st.OK() {
		return 0, st
	}
	return db.Snapshot(), StatusSuccess
}

// StateRevertToSnapshot rewinds the state to a snapshot id. An id that was
// invalidated by an earlier revert reports StatusInvalidRequest.
func (e *Engine) StateRevertToSnapshot(h Handle, id int) (st Status) {
	db, s := e.stateFor(h)
	if !s.OK() {
		return s
	}
	defer func() {
		if recover() != nil {
			st = StatusInvalidRequest
		}
	}()
	db.RevertToSnapshot(id)
	return StatusSuccess
}

// StateClearCaches drops cached fork shells from the state manager.
func (e *Engine) StateClearCaches(h Handle) Status {
	db, st := e.stateFor(h)
	if !st.OK() {
		return st
	}
	db.ClearCaches()
	return StatusSuccess
}

// StateClearForkCache invalidates the fork backend's value cache.
func (e *Engine) StateClearForkCache(h Handle) Status {
	db, st := e.stateFor(h)
	if !st.OK() {
		return st
	}
	if fork := db.Fork(); fork != nil {
		fork.ClearCache()
	}
	return StatusSuccess
}

// NextRequest pops the oldest undispatched fork request.
func (e *Engine) NextRequest(h Handle) (*forkdb.Request, Status) {
	db, st := e.stateFor(h)
	if !st.OK() {
		return nil, st
	}
	fork := db.Fork()
	if fork == nil {
		return nil, StatusInvalidRequest
	}
	req := fork.NextRequest()
	if req == nil {
		return nil, StatusNoPendingRequest
	}
	return req, StatusSuccess
}

// Continue feeds the host's result for an outstanding fork request back in.
func (e *Engine) Continue(h Handle, id uint64, result string) Status {
	db, st := e.stateFor(h)
	if !st.OK() {
		return st
	}
	fork := db.Fork()
	if fork == nil {
		return StatusInvalidRequest
	}
	return statusFromError(fork.Continue(id, result))
}

// ---- frames ----

// CreateFrame creates a frame executing code over a private in-memory state.
func (e *Engine) CreateFrame(code []byte, gas uint64) (Handle, Status) {
	return e.createFrame(state.New(), code, gas, false)
}

// CreateFrameWithState creates a frame over an existing state manager.
func (e *Engine) CreateFrameWithState(sh Handle, code []byte, gas uint64) (Handle, Status) {
	db, st := e.stateFor(sh)
	if !st.OK() {
		return 0, st
	}
	return e.createFrame(db, code, gas, false)
}

// CreateTracingFrame is CreateFrame with per-step trace recording.
func (e *Engine) CreateTracingFrame(code []byte, gas uint64) (Handle, Status) {
	return e.createFrame(state.New(), code, gas, true)
}

// CreateTracingFrameWithState is CreateFrameWithState with trace recording.
func (e *Engine) CreateTracingFrameWithState(sh Handle, code []byte, gas uint64) (Handle, Status) {
	db, st := e.stateFor(sh)
	if !st.OK() {
		return 0, st
	}
	return e.createFrame(db, code, gas, true)
}

func (e *Engine) createFrame(db *state.StateDB, code []byte, gas uint64, tracing bool) (Handle, Status) {
	evm := e.newEVM(db)
	var (
		frame *vm.Frame
		err   error
	)
	if tracing {
		frame, err = vm.NewTracingFrame(evm, code, gas)
	} else {
		frame, err = vm.NewFrame(evm, code, gas)
	}
	if err != nil {
		return 0, statusFromError(err)
	}
	return e.frames.alloc(&frameEntry{frame: frame, evm: evm, db: db}), StatusSuccess
}

// DestroyFrame releases a frame and its pooled resources.
func (e *Engine) DestroyFrame(h Handle) Status {
	fr, ok := e.frames.release(h)
	if !ok {
		return StatusNullHandle
	}
	fr.frame.Close()
	return StatusSuccess
}

func (e *Engine) frameFor(h Handle) (*frameEntry, Status) {
	fr, ok := e.frames.get(h)
	if !ok {
		return nil, StatusNullHandle
	}
	return fr, StatusSuccess
}

// FrameReset rewinds the frame to a fresh run of the same code with new gas.
func (e *Engine) FrameReset(h Handle, gas uint64) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	fr.frame.Reset(gas)
	return StatusSuccess
}

// FrameExecute runs the frame until it stops, pauses, or hits a pending fork
// read. StatusPending leaves the frame at the same pc; satisfy the request
// and call FrameExecute again.
func (e *Engine) FrameExecute(h Handle) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	if err := fr.frame.Execute(); err != nil {
		return statusFromError(err)
	}
	if fr.frame.IsStopped() {
		return statusFromError(fr.frame.Err())
	}
	return StatusSuccess
}

// FrameResume continues a paused frame past its breakpoint.
func (e *Engine) FrameResume(h Handle) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	if err := fr.frame.Resume(); err != nil {
		return statusFromError(err)
	}
	if fr.frame.IsStopped() {
		return statusFromError(fr.frame.Err())
	}
	return StatusSuccess
}

// FrameStep executes exactly one instruction.
func (e *Engine) FrameStep(h Handle) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	if err := fr.frame.Step(); err != nil {
		return statusFromError(err)
	}
	if fr.frame.IsStopped() {
		return statusFromError(fr.frame.Err())
	}
	return StatusSuccess
}

// FrameIsStopped reports whether the frame reached a terminal state.
func (e *Engine) FrameIsStopped(h Handle) (bool, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return false, st
	}
	return fr.frame.IsStopped(), StatusSuccess
}

// FrameIsPaused reports whether the frame sits at a breakpoint or step pause.
func (e *Engine) FrameIsPaused(h Handle) (bool, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return false, st
	}
	return fr.frame.IsPaused(), StatusSuccess
}

// FrameSetStepMode pauses the frame after every instruction when on.
func (e *Engine) FrameSetStepMode(h Handle, on bool) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	fr.frame.SetStepMode(on)
	return StatusSuccess
}

// FrameAddBreakpoint arms a breakpoint at pc.
func (e *Engine) FrameAddBreakpoint(h Handle, pc uint64) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	fr.frame.AddBreakpoint(pc)
	return StatusSuccess
}

// FrameRemoveBreakpoint disarms a breakpoint at pc.
func (e *Engine) FrameRemoveBreakpoint(h Handle, pc uint64) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	fr.frame.RemoveBreakpoint(pc)
	return StatusSuccess
}

// FrameHasBreakpoint reports whether a breakpoint is armed at pc.
func (e *Engine) FrameHasBreakpoint(h Handle, pc uint64) (bool, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return false, st
	}
	return fr.frame.HasBreakpoint(pc), StatusSuccess
}

// FrameClearBreakpoints disarms every breakpoint.
func (e *Engine) FrameClearBreakpoints(h Handle) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	fr.frame.ClearBreakpoints()
	return StatusSuccess
}

// FrameStepCount returns the number of recorded trace steps.
func (e *Engine) FrameStepCount(h Handle) (int, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	return fr.frame.StepCount(), StatusSuccess
}

// FrameGetStep returns the i'th recorded trace step, oldest first.
func (e *Engine) FrameGetStep(h Handle, i int) (vm.TraceStep, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return vm.TraceStep{}, st
	}
	step, ok := fr.frame.GetStep(i)
	if !ok {
		return vm.TraceStep{}, StatusOutOfBounds
	}
	return step, StatusSuccess
}

// FrameStats is a snapshot of a frame's counters.
type FrameStats struct {
	Steps        uint64
	PC           uint64
	GasUsed      uint64
	GasRemaining uint64
	StackSize    int
	MemorySize   int
	Stopped      bool
	Paused       bool
}

// FrameGetStats returns the frame's counters.
func (e *Engine) FrameGetStats(h Handle) (FrameStats, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return FrameStats{}, st
	}
	f := fr.frame
	return FrameStats{
		Steps:        f.Steps(),
		PC:           f.PC(),
		GasUsed:      f.GasUsed(),
		GasRemaining: f.GasRemaining(),
		StackSize:    f.StackSize(),
		MemorySize:   f.MemorySize(),
		Stopped:      f.IsStopped(),
		Paused:       f.IsPaused(),
	}, StatusSuccess
}

// FramePushU64 pushes a 64-bit value onto the frame's stack.
func (e *Engine) FramePushU64(h Handle, v uint64) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	return statusFromError(fr.frame.PushU64(v))
}

// FramePushU32 pushes a 32-bit value onto the frame's stack.
func (e *Engine) FramePushU32(h Handle, v uint32) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	return statusFromError(fr.frame.PushU32(v))
}

// FramePushBytes pushes up to 32 big-endian bytes onto the frame's stack.
func (e *Engine) FramePushBytes(h Handle, b []byte) Status {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return st
	}
	return statusFromError(fr.frame.PushBytes(b))
}

// FramePopU64 pops the stack top as a 64-bit value.
func (e *Engine) FramePopU64(h Handle) (uint64, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	v, err := fr.frame.PopU64()
	return v, statusFromError(err)
}

// FramePopU32 pops the stack top as a 32-bit value.
func (e *Engine) FramePopU32(h Handle) (uint32, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	v, err := fr.frame.PopU32()
	return v, statusFromError(err)
}

// FramePopBytes pops the stack top as a 32-byte big-endian word.
func (e *Engine) FramePopBytes(h Handle) ([32]byte, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return [32]byte{}, st
	}
	v, err := fr.frame.PopBytes()
	return v, statusFromError(err)
}

// FramePeekU64 returns the stack top as a 64-bit value without popping.
func (e *Engine) FramePeekU64(h Handle) (uint64, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	v, err := fr.frame.PeekU64()
	return v, statusFromError(err)
}

// FrameStackSize returns the number of items on the frame's stack.
func (e *Engine) FrameStackSize(h Handle) (int, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	return fr.frame.StackSize(), StatusSuccess
}

// FrameGetStack returns up to max stack items, top first. max < 0 means all.
func (e *Engine) FrameGetStack(h Handle, max int) ([][32]byte, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return nil, st
	}
	return fr.frame.GetStack(max), StatusSuccess
}

// FrameGetStackItem returns the i'th stack item from the top.
func (e *Engine) FrameGetStackItem(h Handle, i int) ([32]byte, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return [32]byte{}, st
	}
	v, err := fr.frame.GetStackItem(i)
	return v, statusFromError(err)
}

// FrameGetMemory returns a copy of the frame's memory window.
func (e *Engine) FrameGetMemory(h Handle, off, size uint64) ([]byte, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return nil, st
	}
	v, err := fr.frame.GetMemory(off, size)
	return v, statusFromError(err)
}

// FrameMemorySize returns the frame's current memory length.
func (e *Engine) FrameMemorySize(h Handle) (int, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	return fr.frame.MemorySize(), StatusSuccess
}

// FrameGasRemaining returns the gas left in the frame.
func (e *Engine) FrameGasRemaining(h Handle) (uint64, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	return fr.frame.GasRemaining(), StatusSuccess
}

// FrameGasUsed returns the gas consumed so far.
func (e *Engine) FrameGasUsed(h Handle) (uint64, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	return fr.frame.GasUsed(), StatusSuccess
}

// FramePC returns the frame's program counter.
func (e *Engine) FramePC(h Handle) (uint64, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	return fr.frame.PC(), StatusSuccess
}

// FrameBytecodeLen returns the length of the frame's code.
func (e *Engine) FrameBytecodeLen(h Handle) (int, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	return fr.frame.BytecodeLen(), StatusSuccess
}

// FrameCurrentOpcode returns the opcode at the frame's pc.
func (e *Engine) FrameCurrentOpcode(h Handle) (byte, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	return byte(fr.frame.CurrentOpcode()), StatusSuccess
}

// FrameReturnData returns a copy of the frame's RETURN/REVERT output.
func (e *Engine) FrameReturnData(h Handle) ([]byte, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return nil, st
	}
	return append([]byte(nil), fr.frame.ReturnData()...), StatusSuccess
}

// FrameCopyReturnData copies the RETURN/REVERT output into buf and returns
// the output length. A short buffer reports StatusOutputTooSmall with the
// required length.
func (e *Engine) FrameCopyReturnData(h Handle, buf []byte) (int, Status) {
	fr, st := e.frameFor(h)
	if !st.OK() {
		return 0, st
	}
	data := fr.frame.ReturnData()
	if len(buf) < len(data) {
		return len(data), StatusOutputTooSmall
	}
	copy(buf, data)
	return len(data), StatusSuccess
}
