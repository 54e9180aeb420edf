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
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/core/forkdb"
)

// PUSH1 5, PUSH1 10, ADD, STOP
var addProgram = []byte{0x60, 0x05, 0x60, 0x0a, 0x01, 0x00}

func TestFrameLifecycle(t *testing.T) {
	e := New(Config{})

	h, st := e.CreateFrame(addProgram, 100)
	require.Equal(t, StatusSuccess, st)
	require.NotEqual(t, Handle(0), h)

	require.Equal(t, StatusSuccess, e.FrameExecute(h))
	stats, st := e.FrameGetStats(h)
	require.Equal(t, StatusSuccess, st)
	assert.True(t, stats.Stopped)
	assert.Equal(t, uint64(9), stats.GasUsed)
	assert.Equal(t, uint64(4), stats.Steps)
	assert.Equal(t, 1, stats.StackSize)

	v, st := e.FramePopU64(h)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, uint64(15), v)

	require.Equal(t, StatusSuccess, e.DestroyFrame(h))
	// Every operation on a released handle fails.
	assert.Equal(t, StatusNullHandle, e.FrameExecute(h))
	assert.Equal(t, StatusNullHandle, e.DestroyFrame(h))
}

func TestStaleHandleGeneration(t *testing.T) {
	e := New(Config{})

	h1, st := e.CreateFrame(addProgram, 100)
	require.Equal(t, StatusSuccess, st)
	require.Equal(t, StatusSuccess, e.DestroyFrame(h1))

	// The slot is reused, the generation is not.
	h2, st := e.CreateFrame(addProgram, 100)
	require.Equal(t, StatusSuccess, st)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, StatusNullHandle, e.FrameExecute(h1))
	assert.Equal(t, StatusSuccess, e.FrameExecute(h2))
}

func TestNullHandle(t *testing.T) {
	e := New(Config{})
	assert.Equal(t, StatusNullHandle, e.FrameExecute(Handle(0)))
	assert.Equal(t, StatusNullHandle, e.DestroyState(Handle(0)))
	_, st := e.StateGetBalance(Handle(0), common.Address{})
	assert.Equal(t, StatusNullHandle, st)
}

func TestFrameFailureStatuses(t *testing.T) {
	e := New(Config{})

	tests := []struct {
		name string
		code []byte
		gas  uint64
		want Status
	}{
		{"invalid jump", []byte{0x60, 0x03, 0x56, 0x00}, 100, StatusInvalidJump},
		{"out of gas", addProgram, 5, StatusOutOfGas},
		{"stack underflow", []byte{0x01}, 100, StatusStackUnderflow},
		{"invalid opcode", []byte{0xf6}, 100, StatusInvalidOpcode},
		{"write protection off", []byte{0x60, 0x00, 0x60, 0x00, 0x55, 0x00}, 100, StatusOutOfGas}, // SSTORE costs 5000
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h, st := e.CreateFrame(test.code, test.gas)
			require.Equal(t, StatusSuccess, st)
			defer e.DestroyFrame(h)
			assert.Equal(t, test.want, e.FrameExecute(h))
		})
	}
}

func TestCreateFrameBytecodeTooLarge(t *testing.T) {
	e := New(Config{})
	code := make([]byte, 1<<20)
	_, st := e.CreateFrame(code, 100)
	assert.Equal(t, StatusBytecodeTooLarge, st)
}

func TestFrameRevert(t *testing.T) {
	e := New(Config{})
	// PUSH1 0x42, PUSH1 0, MSTORE, PUSH1 32, PUSH1 0, REVERT
	code := []byte{0x60, 0x42, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xfd}
	h, st := e.CreateFrame(code, 1000)
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyFrame(h)

	require.Equal(t, StatusRevert, e.FrameExecute(h))

	ret, st := e.FrameReturnData(h)
	require.Equal(t, StatusSuccess, st)
	require.Len(t, ret, 32)
	assert.Equal(t, byte(0x42), ret[31])

	// Copy into a short buffer reports the required size.
	n, st := e.FrameCopyReturnData(h, make([]byte, 8))
	assert.Equal(t, StatusOutputTooSmall, st)
	assert.Equal(t, 32, n)

	buf := make([]byte, 64)
	n, st = e.FrameCopyReturnData(h, buf)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, 32, n)
	assert.Equal(t, byte(0x42), buf[31])
}

func TestFrameReset(t *testing.T) {
	e := New(Config{})
	h, st := e.CreateFrame(addProgram, 100)
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyFrame(h)

	require.Equal(t, StatusSuccess, e.FrameExecute(h))
	require.Equal(t, StatusSuccess, e.FrameReset(h, 200))

	stats, st := e.FrameGetStats(h)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, uint64(0), stats.PC)
	assert.Equal(t, 0, stats.StackSize)
	assert.Equal(t, uint64(200), stats.GasRemaining)

	require.Equal(t, StatusSuccess, e.FrameExecute(h))
	v, st := e.FramePopU64(h)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, uint64(15), v)
}

func TestFrameBreakpoints(t *testing.T) {
	e := New(Config{})
	h, st := e.CreateFrame(addProgram, 100)
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyFrame(h)

	require.Equal(t, StatusSuccess, e.FrameAddBreakpoint(h, 4))
	has, st := e.FrameHasBreakpoint(h, 4)
	require.Equal(t, StatusSuccess, st)
	require.True(t, has)

	require.Equal(t, StatusSuccess, e.FrameExecute(h))
	paused, _ := e.FrameIsPaused(h)
	require.True(t, paused)
	pc, _ := e.FramePC(h)
	assert.Equal(t, uint64(4), pc)

	require.Equal(t, StatusSuccess, e.FrameResume(h))
	stopped, _ := e.FrameIsStopped(h)
	assert.True(t, stopped)
}

func TestFrameStepMode(t *testing.T) {
	e := New(Config{})
	h, st := e.CreateFrame(addProgram, 100)
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyFrame(h)

	require.Equal(t, StatusSuccess, e.FrameSetStepMode(h, true))
	steps := 0
	for {
		require.Equal(t, StatusSuccess, e.FrameExecute(h))
		if stopped, _ := e.FrameIsStopped(h); stopped {
			break
		}
		steps++
		require.Less(t, steps, 10)
	}
	assert.Equal(t, 3, steps) // paused after PUSH1, PUSH1, ADD; STOP ends the run
}

func TestFrameTraceRing(t *testing.T) {
	e := New(Config{})
	h, st := e.CreateTracingFrame(addProgram, 100)
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyFrame(h)

	require.Equal(t, StatusSuccess, e.FrameExecute(h))
	n, st := e.FrameStepCount(h)
	require.Equal(t, StatusSuccess, st)
	require.Equal(t, 4, n)

	step, st := e.FrameGetStep(h, 0)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, uint64(0), step.PC)

	_, st = e.FrameGetStep(h, n)
	assert.Equal(t, StatusOutOfBounds, st)
}

func TestStateManager(t *testing.T) {
	e := New(Config{})
	sh, st := e.CreateState()
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyState(sh)

	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	require.Equal(t, StatusSuccess, e.StateSetBalance(sh, addr, uint256.NewInt(77)))
	require.Equal(t, StatusSuccess, e.StateSetNonce(sh, addr, 3))
	require.Equal(t, StatusSuccess, e.StateSetCode(sh, addr, []byte{0x60, 0x00}))
	require.Equal(t, StatusSuccess, e.StateSetStorage(sh, addr, common.Hash{0x01}, common.Hash{0x02}))

	bal, st := e.StateGetBalance(sh, addr)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, uint64(77), bal.Uint64())
	nonce, st := e.StateGetNonce(sh, addr)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, uint64(3), nonce)
	code, st := e.StateGetCode(sh, addr)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, []byte{0x60, 0x00}, code)
	val, st := e.StateGetStorage(sh, addr, common.Hash{0x01})
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, common.Hash{0x02}, val)
}

func TestStateCheckpoints(t *testing.T) {
	e := New(Config{})
	sh, st := e.CreateState()
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyState(sh)

	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	depth, st := e.StateCheckpoint(sh)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, 1, depth)
	require.Equal(t, StatusSuccess, e.StateSetNonce(sh, addr, 1))

	depth, _ = e.StateCheckpoint(sh)
	assert.Equal(t, 2, depth)
	require.Equal(t, StatusSuccess, e.StateSetNonce(sh, addr, 2))
	require.Equal(t, StatusSuccess, e.StateCommit(sh))

	require.Equal(t, StatusSuccess, e.StateRevert(sh))
	nonce, _ := e.StateGetNonce(sh, addr)
	assert.Equal(t, uint64(0), nonce)

	// No checkpoint left to close.
	assert.Equal(t, StatusInvalidRequest, e.StateCommit(sh))
	assert.Equal(t, StatusInvalidRequest, e.StateRevert(sh))
}

func TestStateSnapshotInvalidId(t *testing.T) {
	e := New(Config{})
	sh, st := e.CreateState()
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyState(sh)

	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	id, st := e.StateSnapshot(sh)
	require.Equal(t, StatusSuccess, st)
	require.Equal(t, StatusSuccess, e.StateSetNonce(sh, addr, 1))
	require.Equal(t, StatusSuccess, e.StateRevertToSnapshot(sh, id))

	// The id was consumed by the revert.
	assert.Equal(t, StatusInvalidRequest, e.StateRevertToSnapshot(sh, id+1))
}

func TestNextRequestWithoutFork(t *testing.T) {
	e := New(Config{})
	sh, st := e.CreateState()
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyState(sh)

	_, st = e.NextRequest(sh)
	assert.Equal(t, StatusInvalidRequest, st)
	assert.Equal(t, StatusInvalidRequest, e.Continue(sh, 1, "0x0"))
}

// TestForkReplayLoop drives the full pending-request protocol: execution hits
// a remote read, the host answers it, and the replay runs to completion.
func TestForkReplayLoop(t *testing.T) {
	e := New(Config{})
	sh, st := e.CreateStateWithFork("latest", 0)
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyState(sh)

	// PUSH1 1, SLOAD, STOP: reads slot 1 of the zero address.
	code := []byte{0x60, 0x01, 0x54, 0x00}
	h, st := e.CreateFrameWithState(sh, code, 10000)
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyFrame(h)

	require.Equal(t, StatusPending, e.FrameExecute(h))

	// The frame is still running at the SLOAD with its gas refunded.
	stats, _ := e.FrameGetStats(h)
	assert.False(t, stats.Stopped)
	assert.Equal(t, uint64(2), stats.PC)
	assert.Equal(t, uint64(3), stats.GasUsed) // just the PUSH1

	req, st := e.NextRequest(sh)
	require.Equal(t, StatusSuccess, st)
	require.Equal(t, forkdb.MethodGetStorageAt, req.Method)

	st = e.Continue(sh, req.ID,
		"0x000000000000000000000000000000000000000000000000000000000000002a")
	require.Equal(t, StatusSuccess, st)

	_, st = e.NextRequest(sh)
	assert.Equal(t, StatusNoPendingRequest, st)

	require.Equal(t, StatusSuccess, e.FrameExecute(h))
	stopped, _ := e.FrameIsStopped(h)
	require.True(t, stopped)

	v, st := e.FramePopU64(h)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, uint64(0x2a), v)
}

func TestFrameStackAPIStatuses(t *testing.T) {
	e := New(Config{})
	h, st := e.CreateFrame([]byte{0x00}, 100)
	require.Equal(t, StatusSuccess, st)
	defer e.DestroyFrame(h)

	require.Equal(t, StatusSuccess, e.FramePushU64(h, 42))
	v, st := e.FramePeekU64(h)
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, uint64(42), v)

	assert.Equal(t, StatusOutOfBounds, e.FramePushBytes(h, make([]byte, 33)))

	_, st = e.FramePopU64(h)
	require.Equal(t, StatusSuccess, st)
	_, st = e.FramePopU64(h)
	assert.Equal(t, StatusStackUnderflow, st)
}
