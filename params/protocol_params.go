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

// Package params holds the protocol constants and the configurable rule-set
// driving gas accounting.
package params

const (
	StackLimit      uint64 = 1024 // Maximum size of VM stack allowed.
	CallCreateDepth uint64 = 1024 // Maximum depth of call/create stack.

	MemoryGas    uint64 = 3   // Linear coefficient of the memory expansion cost.
	QuadCoeffDiv uint64 = 512 // Divisor for the quadratic particle of the memory cost equation.

	// CallGasRetentionDivisor is the EIP-150 "all but one 64th" rule: a
	// caller always retains gas/64 when forwarding gas to a child frame.
	CallGasRetentionDivisor uint64 = 64

	Keccak256Gas     uint64 = 30 // Once per KECCAK256 operation.
	Keccak256WordGas uint64 = 6  // Once per word of the KECCAK256 operation's data.
	CopyGas          uint64 = 3  // Once per word copied by *COPY operations, rounded up.

	SloadGas        uint64 = 800 // SLOAD base cost (EIP-1884 schedule).
	SstoreSetGas    uint64 = 20000
	SstoreResetGas  uint64 = 5000
	SstoreRefundGas uint64 = 15000 // Refunded when a storage slot is cleared.

	TransientStorageGas uint64 = 100 // TLOAD/TSTORE flat cost (EIP-1153).

	JumpdestGas uint64 = 1
	LogGas      uint64 = 375 // Per LOG* operation.
	LogTopicGas uint64 = 375 // Multiplied by the * of the LOG*.
	LogDataGas  uint64 = 8   // Per byte in a LOG* operation's data.

	CreateGas       uint64 = 32000 // Once per CREATE operation & contract-creation transaction.
	CreateDataGas   uint64 = 200   // Per byte of code deposited by CREATE.
	InitCodeWordGas uint64 = 2     // Once per word of the init code when creating a contract (EIP-3860).

	CallGas              uint64 = 700   // Static portion of CALL-family operations (EIP-150 schedule).
	CallValueTransferGas uint64 = 9000  // Paid for CALL when the value transfer is non-zero.
	CallNewAccountGas    uint64 = 25000 // Paid for CALL when the destination address didn't exist prior.
	CallStipend          uint64 = 2300  // Free gas given at beginning of call when value is transferred.

	SelfdestructGas       uint64 = 5000
	SelfdestructRefundGas uint64 = 24000 // Refunded following a selfdestruct operation.

	BalanceGas      uint64 = 700 // BALANCE (EIP-1884 schedule).
	ExtcodeSizeGas  uint64 = 700
	ExtcodeCopyBase uint64 = 700
	ExtcodeHashGas  uint64 = 700

	ExpGas     uint64 = 10 // Static portion of EXP.
	ExpByteGas uint64 = 50 // Per byte of the EXP exponent (EIP-160 schedule).

	MaxCodeSize     = 24576           // Maximum bytecode to permit for a contract (EIP-170).
	MaxInitCodeSize = 2 * MaxCodeSize // Maximum initcode to permit in a creation transaction and create instructions (EIP-3860).
)
