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

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/core"
	"github.com/embervm/ember/core/state"
	"github.com/embervm/ember/core/vm"
	"github.com/embervm/ember/params"
)

func newTestEVM(db *state.StateDB, cfg vm.Config) *vm.EVM {
	blockCtx := core.NewBlockContext(common.Address{}, 1, 1700000000, 30_000_000)
	return vm.NewEVM(blockCtx, vm.TxContext{}, db, params.MainnetRules(), cfg, 1)
}

func runCode(t *testing.T, code []byte, gas uint64) *vm.Frame {
	t.Helper()
	frame, err := vm.NewFrame(newTestEVM(state.New(), vm.Config{}), code, gas)
	require.NoError(t, err)
	t.Cleanup(frame.Close)
	frame.Execute()
	return frame
}

func TestArithmeticProgram(t *testing.T) {
	// PUSH1 5, PUSH1 10, ADD, STOP
	code := []byte{0x60, 0x05, 0x60, 0x0a, 0x01, 0x00}
	frame := runCode(t, code, 100)

	require.True(t, frame.IsStopped())
	require.NoError(t, frame.Err())
	require.Equal(t, 1, frame.StackSize())
	top, err := frame.PopU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(15), top)
	// 3 + 3 + 3 + 0
	assert.Equal(t, uint64(9), frame.GasUsed())
}

func TestMstoreMloadGas(t *testing.T) {
	// PUSH1 0x42, PUSH1 0, MSTORE, PUSH1 0, MLOAD, STOP
	code := []byte{0x60, 0x42, 0x60, 0x00, 0x52, 0x60, 0x00, 0x51, 0x00}
	frame := runCode(t, code, 100)

	require.NoError(t, frame.Err())
	top, err := frame.PopU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), top)
	assert.Equal(t, 32, frame.MemorySize())
	// PUSH1*3 + MSTORE(3+3 expansion) + MLOAD(3, no expansion)
	assert.Equal(t, uint64(9+6+3), frame.GasUsed())
}

func TestImplicitStop(t *testing.T) {
	frame := runCode(t, []byte{0x60, 0x01}, 100) // PUSH1 1, end of code
	require.True(t, frame.IsStopped())
	require.NoError(t, frame.Err())
	assert.Equal(t, 1, frame.StackSize())
}

func TestInvalidJump(t *testing.T) {
	// PUSH1 3, JUMP -> target is not a JUMPDEST
	frame := runCode(t, []byte{0x60, 0x03, 0x56, 0x00}, 100)
	require.True(t, frame.IsStopped())
	assert.ErrorIs(t, frame.Err(), vm.ErrInvalidJump)
	assert.Equal(t, uint64(0), frame.GasRemaining())
}

func TestJumpOverData(t *testing.T) {
	// PUSH1 4, JUMP, INVALID, JUMPDEST, PUSH1 1, STOP
	frame := runCode(t, []byte{0x60, 0x04, 0x56, 0xfe, 0x5b, 0x60, 0x01, 0x00}, 100)
	require.NoError(t, frame.Err())
	top, err := frame.PopU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), top)
}

func TestJumpIntoPushDataRejected(t *testing.T) {
	// PUSH1 2, JUMP -> byte at 2 is 0x5b but sits inside no PUSH here;
	// use PUSH2 carrying 0x5b: PUSH1 3, JUMP, PUSH2 0x5b 0x00, STOP.
	// pc 3 holds 0x5b but is PUSH2 data.
	frame := runCode(t, []byte{0x60, 0x03, 0x56, 0x61, 0x5b, 0x00, 0x00}, 100)
	require.True(t, frame.IsStopped())
	assert.ErrorIs(t, frame.Err(), vm.ErrInvalidJump)
}

func TestStackUnderflow(t *testing.T) {
	frame := runCode(t, []byte{0x01}, 100) // ADD on empty stack
	require.True(t, frame.IsStopped())
	var underflow *vm.ErrStackUnderflow
	assert.ErrorAs(t, frame.Err(), &underflow)
}

func TestOutOfGas(t *testing.T) {
	frame := runCode(t, []byte{0x60, 0x05, 0x60, 0x0a, 0x01, 0x00}, 5)
	require.True(t, frame.IsStopped())
	assert.ErrorIs(t, frame.Err(), vm.ErrOutOfGas)
	assert.Equal(t, uint64(0), frame.GasRemaining())
}

func TestRevertKeepsGas(t *testing.T) {
	// PUSH1 0x42, PUSH1 0, MSTORE, PUSH1 32, PUSH1 0, REVERT
	code := []byte{0x60, 0x42, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xfd}
	frame := runCode(t, code, 1000)

	require.True(t, frame.IsStopped())
	assert.ErrorIs(t, frame.Err(), vm.ErrExecutionReverted)
	assert.Greater(t, frame.GasRemaining(), uint64(0))
	ret := frame.ReturnData()
	require.Len(t, ret, 32)
	assert.Equal(t, byte(0x42), ret[31])
}

func TestPush0AndTransientStorage(t *testing.T) {
	// PUSH1 7, PUSH0, TSTORE, PUSH0, TLOAD, STOP
	code := []byte{0x60, 0x07, 0x5f, 0x5d, 0x5f, 0x5c, 0x00}
	frame := runCode(t, code, 1000)

	require.NoError(t, frame.Err())
	top, err := frame.PopU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), top)
}

func TestMcopy(t *testing.T) {
	// Store a word at 0, copy it to 32, load it back.
	// PUSH1 0x42 PUSH1 0 MSTORE; PUSH1 32(len=32? dst=32 src=0) order: MCOPY pops dst, src, length
	// PUSH1 32 PUSH1 0 PUSH1 32 -> stack top length? MCOPY: dst, src, length popped in order.
	code := []byte{
		0x60, 0x42, 0x60, 0x00, 0x52, // MSTORE word at 0
		0x60, 0x20, 0x60, 0x00, 0x60, 0x20, 0x5e, // length=32 src=0 dst=32; pushes reversed: dst pushed last? pops dst first
		0x60, 0x20, 0x51, // MLOAD 32
		0x00,
	}
	frame := runCode(t, code, 1000)
	require.NoError(t, frame.Err())
	top, err := frame.PopU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), top)
}

func TestStaticCallWriteProtection(t *testing.T) {
	db := state.New()
	target := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	// SSTORE(0, 1)
	require.NoError(t, db.SetCode(target, []byte{0x60, 0x01, 0x60, 0x00, 0x55, 0x00}))

	evm := newTestEVM(db, vm.Config{})
	caller := vm.AccountRef(common.HexToAddress("0x00000000000000000000000000000000000000bb"))

	_, _, err := evm.StaticCall(caller, target, nil, 100000)
	assert.ErrorIs(t, err, vm.ErrWriteProtection)

	// The slot stays untouched.
	val, err := db.GetState(target, common.Hash{})
	require.NoError(t, err)
	assert.Equal(t, common.Hash{}, val)
}

func TestCallTransfersValue(t *testing.T) {
	db := state.New()
	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	receiver := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	require.NoError(t, db.AddBalance(sender, uint256.NewInt(1000)))

	evm := newTestEVM(db, vm.Config{})
	_, _, err := evm.Call(vm.AccountRef(sender), receiver, nil, 100000, uint256.NewInt(400))
	require.NoError(t, err)

	got, err := db.GetBalance(receiver)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), got.Uint64())
	got, err = db.GetBalance(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), got.Uint64())
}

func TestCallInsufficientBalance(t *testing.T) {
	db := state.New()
	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	evm := newTestEVM(db, vm.Config{})
	_, gasLeft, err := evm.Call(vm.AccountRef(sender), common.Address{0x01}, nil, 100000, uint256.NewInt(1))
	assert.ErrorIs(t, err, vm.ErrInsufficientBalance)
	assert.Equal(t, uint64(100000), gasLeft)
}

func TestCallDepthLimit(t *testing.T) {
	db := state.New()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	// CALL(gas=GAS, addr=self, value=0, in=0/0, out=0/0), recursing forever.
	code := []byte{
		0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x60, 0x00, // retSize retOffset inSize inOffset
		0x60, 0x00, // value
		0x73} // PUSH20 addr
	code = append(code, addr.Bytes()...)
	code = append(code, 0x5a, 0xf1, 0x00) // GAS, CALL, STOP
	require.NoError(t, db.SetCode(addr, code))

	evm := newTestEVM(db, vm.Config{})
	// The 63/64 rule exhausts gas long before the depth limit, which is
	// exactly the point: the run terminates without error.
	_, _, err := evm.Call(vm.AccountRef(common.Address{}), addr, nil, 10_000_000, new(uint256.Int))
	require.NoError(t, err)
}

func TestCreateDeploysCode(t *testing.T) {
	db := state.New()
	creator := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	evm := newTestEVM(db, vm.Config{})
	// Initcode: MSTORE8(0, 0xfe); RETURN(0, 1) -> deployed code is [0xfe]
	initcode := []byte{0x60, 0xfe, 0x60, 0x00, 0x53, 0x60, 0x01, 0x60, 0x00, 0xf3}

	_, addr, _, err := evm.Create(vm.AccountRef(creator), initcode, 200000, new(uint256.Int))
	require.NoError(t, err)

	code, err := db.GetCode(addr)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfe}, code)

	nonce, err := db.GetNonce(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)

	creatorNonce, err := db.GetNonce(creator)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), creatorNonce)
}

func TestCreateCollision(t *testing.T) {
	db := state.New()
	creator := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	evm := newTestEVM(db, vm.Config{})
	initcode := []byte{0x60, 0xfe, 0x60, 0x00, 0x53, 0x60, 0x01, 0x60, 0x00, 0xf3}

	_, addr, _, err := evm.Create(vm.AccountRef(creator), initcode, 200000, new(uint256.Int))
	require.NoError(t, err)

	// Re-creating at the same address must collide: force it by resetting
	// the creator nonce.
	require.NoError(t, db.SetNonce(creator, 0))
	_, _, gasLeft, err := evm.Create(vm.AccountRef(creator), initcode, 200000, new(uint256.Int))
	assert.ErrorIs(t, err, vm.ErrContractAddressCollision)
	assert.Equal(t, uint64(0), gasLeft)

	// The original deployment is untouched.
	code, err := db.GetCode(addr)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfe}, code)
}

func TestCreateRejectsEFPrefix(t *testing.T) {
	db := state.New()
	evm := newTestEVM(db, vm.Config{})
	// Initcode deploying a single 0xEF byte.
	initcode := []byte{0x60, 0xef, 0x60, 0x00, 0x53, 0x60, 0x01, 0x60, 0x00, 0xf3}

	_, _, _, err := evm.Create(vm.AccountRef(common.Address{}), initcode, 200000, new(uint256.Int))
	assert.ErrorIs(t, err, vm.ErrInvalidCode)
}

func TestSelfdestructMovesBalance(t *testing.T) {
	db := state.New()
	victim := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	heir := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	require.NoError(t, db.AddBalance(victim, uint256.NewInt(500)))
	// PUSH20 heir, SELFDESTRUCT
	code := append([]byte{0x73}, heir.Bytes()...)
	code = append(code, 0xff)
	require.NoError(t, db.SetCode(victim, code))

	evm := newTestEVM(db, vm.Config{})
	_, _, err := evm.Call(vm.AccountRef(common.Address{}), victim, nil, 100000, new(uint256.Int))
	require.NoError(t, err)

	bal, err := db.GetBalance(heir)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), bal.Uint64())
	assert.True(t, db.HasSelfDestructed(victim))
}

func TestSstoreRefund(t *testing.T) {
	db := state.New()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	key := common.Hash{}
	require.NoError(t, db.SetState(addr, key, common.Hash{0x01}))
	// SSTORE(0, 0) clears the slot.
	require.NoError(t, db.SetCode(addr, []byte{0x60, 0x00, 0x60, 0x00, 0x55, 0x00}))

	evm := newTestEVM(db, vm.Config{})
	_, _, err := evm.Call(vm.AccountRef(common.Address{}), addr, nil, 100000, new(uint256.Int))
	require.NoError(t, err)
	assert.Equal(t, params.SstoreRefundGas, db.GetRefund())
}
