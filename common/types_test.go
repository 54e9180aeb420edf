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

package common

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

func TestHashSetBytes(t *testing.T) {
	// Short input is left-padded.
	h := BytesToHash([]byte{0x01, 0x02})
	assert.Equal(t, byte(0x01), h[30])
	assert.Equal(t, byte(0x02), h[31])
	assert.Equal(t, byte(0x00), h[0])

	// Long input is cropped from the left.
	long := make([]byte, 40)
	long[0] = 0xaa  // dropped
	long[39] = 0xbb // kept
	h = BytesToHash(long)
	assert.Equal(t, byte(0xbb), h[31])
	assert.Equal(t, byte(0x00), h[0])
}

func TestHashHexRoundTrip(t *testing.T) {
	s := "0x00000000000000000000000000000000000000000000000000000000deadbeef"
	h := HexToHash(s)
	assert.Equal(t, s, h.Hex())

	// Short hex values are left-padded like SetBytes.
	assert.Equal(t, HexToHash("0xdeadbeef"), h)
}

func TestHashUint256RoundTrip(t *testing.T) {
	v := uint256.NewInt(0xcafe)
	h := Uint256ToHash(v)
	assert.Equal(t, byte(0xca), h[30])
	assert.Equal(t, byte(0xfe), h[31])
	assert.Equal(t, v, h.Uint256())
}

func TestAddressHexRoundTrip(t *testing.T) {
	s := "0x970e8128ab834e8eac17ab8e3812f010678cf791"
	a := HexToAddress(s)
	assert.Equal(t, s, a.Hex())
	// Short input is left-padded.
	assert.Equal(t, HexToAddress("0x00000000000000000000000000000000000000aa"), HexToAddress("0xaa"))
}

func TestFromHex(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x02}, FromHex("0x0102"))
	assert.Equal(t, []byte{0x01, 0x02}, FromHex("0102"))
	// Odd length gets a leading zero nibble.
	assert.Equal(t, []byte{0x01}, FromHex("0x1"))
	assert.Empty(t, FromHex("0x"))
}

func TestPadBytes(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 1, 2}, LeftPadBytes([]byte{1, 2}, 4))
	assert.Equal(t, []byte{1, 2, 0, 0}, RightPadBytes([]byte{1, 2}, 4))
	// Already long enough: returned as is.
	assert.Equal(t, []byte{1, 2}, LeftPadBytes([]byte{1, 2}, 1))
}
