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

package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/core/forkdb"
	"github.com/embervm/ember/core/state"
	"github.com/embervm/ember/core/vm"
	"github.com/embervm/ember/crypto"
)

// Canned host answers describing empty remote accounts.
var emptyForkResults = map[string]string{
	forkdb.MethodGetBalance:          "0x0",
	forkdb.MethodGetTransactionCount: "0x0",
	forkdb.MethodGetCode:             "0x",
	forkdb.MethodGetStorageAt:        "0x0000000000000000000000000000000000000000000000000000000000000000",
}

// answerRequests drains the outstanding request queue, answering every
// request with the canned empty-account results.
func answerRequests(t *testing.T, fork *forkdb.Backend) {
	t.Helper()
	for {
		req := fork.NextRequest()
		if req == nil {
			return
		}
		res, ok := emptyForkResults[req.Method]
		require.True(t, ok, "unexpected request %s", req.Method)
		require.NoError(t, fork.Continue(req.ID, res))
	}
}

// replayToCompletion drives a frame over a fork backend to its terminal
// state, answering every pending fetch in between.
func replayToCompletion(t *testing.T, frame *vm.Frame, fork *forkdb.Backend) {
	t.Helper()
	for i := 0; !frame.IsStopped(); i++ {
		require.Less(t, i, 64, "frame did not settle")
		err := frame.Execute()
		if err == vm.ErrStatePending {
			answerRequests(t, fork)
			continue
		}
		require.NoError(t, err)
	}
}

// setCodeResolving installs code on a fork-backed state, answering the
// account fetches the write triggers.
func setCodeResolving(t *testing.T, db *state.StateDB, fork *forkdb.Backend, addr common.Address, code []byte) {
	t.Helper()
	for {
		err := db.SetCode(addr, code)
		if err == nil {
			return
		}
		require.ErrorIs(t, err, vm.ErrStatePending)
		answerRequests(t, fork)
	}
}

// TestCallReplayAfterPendingFetch drives a CALL whose callee reads remote
// state. The aborted attempt must leave the instruction fully rewound, and
// the replayed run must be indistinguishable from one over local state.
func TestCallReplayAfterPendingFetch(t *testing.T) {
	target := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	remote := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	// Callee: BALANCE of an address the fork has not seen yet, then STOP.
	calleeCode := append([]byte{0x73}, remote.Bytes()...)
	calleeCode = append(calleeCode, 0x31, 0x00)

	// CALL(gas=0xffff, target, value=0, in=0/0, out=0/32), then STOP.
	code := []byte{
		0x60, 0x20, 0x60, 0x00, // retSize 32, retOffset 0
		0x60, 0x00, 0x60, 0x00, // inSize 0, inOffset 0
		0x60, 0x00, // value 0
		0x73} // PUSH20 target
	code = append(code, target.Bytes()...)
	code = append(code, 0x61, 0xff, 0xff, 0xf1, 0x00) // PUSH2 0xffff, CALL, STOP
	callPC := uint64(len(code) - 2)

	fork, err := forkdb.New(0, "latest")
	require.NoError(t, err)
	db := state.NewWithFork(fork)
	setCodeResolving(t, db, fork, target, calleeCode)

	frame, err := vm.NewFrame(newTestEVM(db, vm.Config{}), code, 200_000)
	require.NoError(t, err)
	defer frame.Close()

	require.ErrorIs(t, frame.Execute(), vm.ErrStatePending)
	// The call operands are still on the stack, the aborted CALL charged
	// nothing beyond the seven pushes and the return area expansion is
	// rolled back, so the retry starts from the exact machine state of the
	// first attempt.
	assert.Equal(t, 7, frame.StackSize())
	assert.Equal(t, callPC, frame.PC())
	assert.Equal(t, uint64(7*3), frame.GasUsed())
	assert.Equal(t, 0, frame.MemorySize())
	assert.False(t, frame.IsStopped())

	replayToCompletion(t, frame, fork)
	require.NoError(t, frame.Err())
	require.Equal(t, 1, frame.StackSize())
	top, err := frame.PopU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), top)
	assert.Equal(t, 32, frame.MemorySize())

	// Reference run over fully local state with the same accounts.
	plain := state.New()
	require.NoError(t, plain.SetCode(target, calleeCode))
	ref, err := vm.NewFrame(newTestEVM(plain, vm.Config{}), code, 200_000)
	require.NoError(t, err)
	defer ref.Close()
	require.NoError(t, ref.Execute())

	assert.Equal(t, ref.GasUsed(), frame.GasUsed())
	assert.Equal(t, ref.MemorySize(), frame.MemorySize())
}

// TestCreateReplayAfterPendingFetch drives a CREATE whose init code reads
// remote state, so the pending fetch surfaces after the caller nonce was
// bumped. The replays must not bump it again.
func TestCreateReplayAfterPendingFetch(t *testing.T) {
	remote := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	// Init code: BALANCE of an unknown address, then STOP. Deploys nothing.
	initCode := append([]byte{0x73}, remote.Bytes()...)
	initCode = append(initCode, 0x31, 0x00)
	require.Len(t, initCode, 23)

	// Write the init code into memory with a single MSTORE, then
	// CREATE(value=0, offset=0, size=23), then STOP.
	word := make([]byte, 32)
	copy(word, initCode)
	code := append([]byte{0x7f}, word...) // PUSH32 initcode, right padded
	code = append(code,
		0x60, 0x00, 0x52, // PUSH1 0, MSTORE
		0x60, 0x17, // PUSH1 23 (size)
		0x60, 0x00, // PUSH1 0 (offset)
		0x60, 0x00, // PUSH1 0 (value)
		0xf0, 0x00) // CREATE, STOP
	createPC := uint64(len(code) - 2)

	fork, err := forkdb.New(0, "latest")
	require.NoError(t, err)
	db := state.NewWithFork(fork)

	frame, err := vm.NewFrame(newTestEVM(db, vm.Config{}), code, 200_000)
	require.NoError(t, err)
	defer frame.Close()

	require.ErrorIs(t, frame.Execute(), vm.ErrStatePending)
	assert.Equal(t, 3, frame.StackSize())
	assert.Equal(t, createPC, frame.PC())

	replayToCompletion(t, frame, fork)
	require.NoError(t, frame.Err())

	// The creator nonce is bumped exactly once despite the replays, so the
	// derived address is the nonce-zero one.
	nonce, err := db.GetNonce(common.Address{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)

	created := crypto.CreateAddress(common.Address{}, 0)
	require.Equal(t, 1, frame.StackSize())
	item, err := frame.GetStackItem(0)
	require.NoError(t, err)
	assert.Equal(t, common.BytesToHash(created.Bytes()), common.Hash(item))

	createdNonce, err := db.GetNonce(created)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), createdNonce)

	// Gas parity with a run over fully local state.
	ref, err := vm.NewFrame(newTestEVM(state.New(), vm.Config{}), code, 200_000)
	require.NoError(t, err)
	defer ref.Close()
	require.NoError(t, ref.Execute())
	assert.Equal(t, ref.GasUsed(), frame.GasUsed())
}

// TestBalanceReplayKeepsOperand covers the plain state-read case: BALANCE
// pends with its operand still on the stack and no gas charged.
func TestBalanceReplayKeepsOperand(t *testing.T) {
	remote := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	code := append([]byte{0x73}, remote.Bytes()...) // PUSH20 remote
	code = append(code, 0x31, 0x00)                 // BALANCE, STOP

	fork, err := forkdb.New(0, "latest")
	require.NoError(t, err)
	db := state.NewWithFork(fork)

	frame, err := vm.NewFrame(newTestEVM(db, vm.Config{}), code, 10_000)
	require.NoError(t, err)
	defer frame.Close()

	require.ErrorIs(t, frame.Execute(), vm.ErrStatePending)
	// Only the PUSH20 is paid for, the aborted BALANCE is free.
	assert.Equal(t, 1, frame.StackSize())
	assert.Equal(t, uint64(21), frame.PC())
	assert.Equal(t, uint64(3), frame.GasUsed())

	replayToCompletion(t, frame, fork)
	require.NoError(t, frame.Err())
	top, err := frame.PopU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), top)
}
