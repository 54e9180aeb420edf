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

// Package crypto provides the hashing and address derivation primitives the
// engine consumes as pure functions.
package crypto

import (
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/embervm/ember/common"
)

// KeccakState wraps sha3.state. In addition to the usual hash methods, it
// also supports Read to get a variable amount of data from the hash state.
// Read is faster than Sum because it doesn't copy the internal state, but
// also modifies the internal state.
type KeccakState interface {
	hash.Hash
	Read([]byte) (int, error)
}

// NewKeccakState creates a new KeccakState.
func NewKeccakState() KeccakState {
	return sha3.NewLegacyKeccak256().(KeccakState)
}

// HashData hashes the provided data using the KeccakState and returns a
// 32 byte hash.
func HashData(kh KeccakState, data []byte) (h common.Hash) {
	kh.Reset()
	kh.Write(data)
	kh.Read(h[:])
	return h
}

// Keccak256 calculates and returns the Keccak256 hash of the input data.
func Keccak256(data ...[]byte) []byte {
	b := make([]byte, 32)
	d := NewKeccakState()
	for _, b := range data {
		d.Write(b)
	}
	d.Read(b)
	return b
}

// Keccak256Hash calculates and returns the Keccak256 hash of the input data,
// converting it to an internal Hash data structure.
func Keccak256Hash(data ...[]byte) (h common.Hash) {
	d := NewKeccakState()
	for _, b := range data {
		d.Write(b)
	}
	d.Read(h[:])
	return h
}

// CreateAddress creates an ethereum address given the bytes and the nonce:
// Keccak256(rlp([sender, nonce]))[12:].
func CreateAddress(b common.Address, nonce uint64) common.Address {
	return common.BytesToAddress(Keccak256(createRLP(b, nonce))[12:])
}

// CreateAddress2 creates an ethereum address given the address bytes, initial
// contract code hash and a salt: Keccak256(0xff ++ sender ++ salt ++ inithash)[12:].
func CreateAddress2(b common.Address, salt [32]byte, inithash []byte) common.Address {
	return common.BytesToAddress(Keccak256([]byte{0xff}, b.Bytes(), salt[:], inithash)[12:])
}

// createRLP encodes the two element list [address, nonce] consumed by
// CreateAddress. The payload is at most 30 bytes, so the short-list and
// short-string forms always apply.
func createRLP(addr common.Address, nonce uint64) []byte {
	nonceBytes := encodeNonce(nonce)
	payloadLen := 1 + common.AddressLength + len(nonceBytes)
	out := make([]byte, 0, 1+payloadLen)
	out = append(out, 0xc0+byte(payloadLen))
	out = append(out, 0x80+common.AddressLength)
	out = append(out, addr[:]...)
	out = append(out, nonceBytes...)
	return out
}

// encodeNonce returns the canonical RLP item for a uint64: the empty string
// for zero, the byte itself below 0x80, and a length-prefixed big-endian
// integer otherwise.
func encodeNonce(nonce uint64) []byte {
	switch {
	case nonce == 0:
		return []byte{0x80}
	case nonce < 0x80:
		return []byte{byte(nonce)}
	default:
		var buf [8]byte
		n := 0
		for v := nonce; v > 0; v >>= 8 {
			n++
		}
		for i := 0; i < n; i++ {
			buf[n-1-i] = byte(nonce >> (8 * i))
		}
		return append([]byte{0x80 + byte(n)}, buf[:n]...)
	}
}
