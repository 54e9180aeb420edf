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
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embervm/ember/common"
)

func TestJumpDestAnalysis(t *testing.T) {
	tests := []struct {
		code  []byte
		exp   byte
		which int
	}{
		{[]byte{byte(PUSH1), 0x01, 0x01, 0x01}, 0b0000_0010, 0},
		{[]byte{byte(PUSH1), byte(PUSH1), byte(PUSH1), byte(PUSH1)}, 0b0000_1010, 0},
		{[]byte{0x00, byte(PUSH1), 0x00, byte(PUSH1), 0x00, byte(PUSH1), 0x00, byte(PUSH1)}, 0b0101_0100, 0},
		{[]byte{byte(PUSH8), byte(PUSH8), byte(PUSH8), byte(PUSH8), byte(PUSH8), byte(PUSH8), byte(PUSH8), byte(PUSH8), 0x01, 0x01, 0x01}, 0b1111_1110, 0},
		{[]byte{byte(PUSH8), 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01}, 0b0000_0001, 1},
		{[]byte{0x01, 0x01, 0x01, 0x01, 0x01, byte(PUSH2), byte(PUSH2), byte(PUSH2), 0x01, 0x01, 0x01}, 0b1100_0000, 0},
		{[]byte{0x01, 0x01, 0x01, 0x01, 0x01, byte(PUSH2), 0x01, 0x01, 0x01, 0x01, 0x01}, 0b0000_0000, 1},
		{[]byte{byte(PUSH3), 0x01, 0x01, 0x01, byte(PUSH1), 0x01, 0x00, byte(PUSH1), 0x00, 0x00, byte(PUSH1), 0x01, byte(PUSH1), 0x01}, 0b0010_1110, 0},
		{[]byte{byte(PUSH3), 0x01, 0x01, 0x01, byte(PUSH1), 0x01, 0x00, byte(PUSH1), 0x00, 0x00, byte(PUSH1), 0x01, byte(PUSH1), 0x01}, 0b0001_0100, 1},
	}
	for i, test := range tests {
		ret := codeBitmap(test.code)
		assert.Equal(t, test.exp, byte(ret[test.which]), "test %d", i)
	}
}

func TestValidJumpdest(t *testing.T) {
	// JUMPDEST at 0, 0x5b as PUSH1 data at 2, JUMPDEST at 3
	code := []byte{byte(JUMPDEST), byte(PUSH1), 0x5b, byte(JUMPDEST), byte(STOP)}
	contract := NewContract(AccountRef(common.Address{}), AccountRef(common.Address{}), new(uint256.Int), 0)
	contract.SetCallCode(&common.Address{}, common.Hash{0x01}, code)

	assert.True(t, contract.validJumpdest(uint256.NewInt(0)))
	assert.True(t, contract.validJumpdest(uint256.NewInt(3)))
	// 0x5b inside PUSH data is not a valid destination
	assert.False(t, contract.validJumpdest(uint256.NewInt(2)))
	// not a JUMPDEST byte
	assert.False(t, contract.validJumpdest(uint256.NewInt(1)))
	assert.False(t, contract.validJumpdest(uint256.NewInt(4)))
	// out of range
	assert.False(t, contract.validJumpdest(uint256.NewInt(100)))
	overflow := new(uint256.Int).SetAllOne()
	assert.False(t, contract.validJumpdest(overflow))
}

func TestFuseCodePatterns(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want []byte
	}{
		{
			name: "push1 add",
			code: []byte{byte(PUSH1), 0x05, byte(ADD), byte(STOP)},
			want: []byte{byte(fusedPushAdd), 0x05, byte(ADD), byte(STOP)},
		},
		{
			name: "push1 push1",
			code: []byte{byte(PUSH1), 0x05, byte(PUSH1), 0x0a, byte(STOP)},
			want: []byte{byte(fusedPushPush), 0x05, byte(PUSH1), 0x0a, byte(STOP)},
		},
		{
			name: "iszero push2 jumpi",
			code: []byte{byte(ISZERO), byte(PUSH2), 0x00, 0x06, byte(JUMPI), byte(STOP), byte(JUMPDEST), byte(STOP)},
			want: []byte{byte(fusedIszeroJumpi), byte(PUSH2), 0x00, 0x06, byte(JUMPI), byte(STOP), byte(JUMPDEST), byte(STOP)},
		},
		{
			name: "pop pop",
			code: []byte{byte(POP), byte(POP), byte(STOP)},
			want: []byte{byte(fusedPopPop), byte(POP), byte(STOP)},
		},
		{
			name: "swap1 pop",
			code: []byte{byte(SWAP1), byte(POP), byte(STOP)},
			want: []byte{byte(fusedSwapPop), byte(POP), byte(STOP)},
		},
		{
			name: "push data is not matched",
			// PUSH2 carries bytes that spell PUSH1 ADD; they are data.
			code: []byte{byte(PUSH2), byte(PUSH1), 0x01, byte(ADD), byte(STOP)},
			want: []byte{byte(PUSH2), byte(PUSH1), 0x01, byte(ADD), byte(STOP)},
		},
		{
			name: "pattern truncated at end of code",
			code: []byte{byte(PUSH1), 0x05},
			want: []byte{byte(PUSH1), 0x05},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := fuseCode(test.code)
			require.Equal(t, test.want, got)
			require.Len(t, got, len(test.code))
		})
	}
}

func TestFuserCaches(t *testing.T) {
	f := newCodeFuser()
	code := []byte{byte(PUSH1), 0x05, byte(ADD), byte(STOP)}
	hash := common.Hash{0xaa}

	first := f.Fuse(hash, code)
	second := f.Fuse(hash, code)
	require.Equal(t, first, second)
	require.Equal(t, byte(fusedPushAdd), first[0])

	// Initcode without a hash is fused but never cached.
	anon := f.Fuse(common.Hash{}, code)
	require.Equal(t, first, anon)
}

func TestCallGas63of64(t *testing.T) {
	// Requested more than available: all but 1/64th is forwarded.
	gas, err := callGas(64, 6400, 0, new(uint256.Int).SetAllOne())
	require.NoError(t, err)
	assert.Equal(t, uint64(6400-6400/64), gas)

	// Requested less: the request is honored.
	gas, err = callGas(64, 6400, 0, uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), gas)
}

func TestMemoryGasCost(t *testing.T) {
	evm := &EVM{}
	evm.rules.MemoryGas = 3
	evm.rules.QuadCoeffDiv = 512

	mem := NewMemory()
	defer mem.Free()

	// One word: 3*1 + 1/512 = 3
	gas, err := memoryGasCost(evm, mem, 32)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gas)
	mem.Resize(32)

	// Expanding to two words costs the delta only.
	gas, err = memoryGasCost(evm, mem, 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gas)

	// Oversized expansion overflows.
	_, err = memoryGasCost(evm, mem, 0x1FFFFFFFE0+1)
	assert.ErrorIs(t, err, ErrGasUintOverflow)
}

func TestStackPushPopSwap(t *testing.T) {
	st := newstack()
	defer returnStack(st)

	st.push(uint256.NewInt(1))
	st.push(uint256.NewInt(2))
	st.push(uint256.NewInt(3))
	assert.Equal(t, 3, st.len())
	assert.Equal(t, uint64(3), st.peek().Uint64())
	assert.Equal(t, uint64(1), st.Back(2).Uint64())

	st.swap1()
	assert.Equal(t, uint64(2), st.peek().Uint64())

	st.dup(2)
	assert.Equal(t, 4, st.len())
	assert.Equal(t, uint64(3), st.peek().Uint64())

	v := st.pop()
	assert.Equal(t, uint64(3), v.Uint64())
	assert.Equal(t, 3, st.len())
}

func TestMemorySetGet(t *testing.T) {
	mem := NewMemory()
	defer mem.Free()

	mem.Resize(64)
	require.Equal(t, 64, mem.Len())

	val := uint256.NewInt(0xdeadbeef)
	mem.Set32(0, val)
	got := mem.GetCopy(0, 32)
	assert.Equal(t, val.Bytes32(), [32]byte(got))

	// Reads past the length zero-fill without growing.
	out := mem.GetCopy(32, 64)
	assert.Len(t, out, 64)
	assert.Equal(t, 64, mem.Len())

	mem.Set(32, 4, []byte{1, 2, 3, 4})
	assert.Equal(t, []byte{1, 2, 3, 4}, mem.GetCopy(32, 4))

	mem.Copy(36, 32, 4)
	assert.Equal(t, []byte{1, 2, 3, 4}, mem.GetCopy(36, 4))
}
