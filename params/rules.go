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

package params

// Rules is the active rule-set of the engine. The gas-stipend retention
// fraction, memory expansion coefficients and code-size limits vary between
// hard forks, so they are explicit configuration rather than hidden
// constants. The zero value is not usable; start from MainnetRules.
type Rules struct {
	// CallGasRetentionDivisor caps the gas forwarded to a child frame:
	// a parent keeps at least gas/divisor for itself (EIP-150).
	CallGasRetentionDivisor uint64

	// MemoryGas and QuadCoeffDiv parameterize the memory expansion cost
	// formula MemoryGas*words + words*words/QuadCoeffDiv.
	MemoryGas    uint64
	QuadCoeffDiv uint64

	// MaxCodeSize bounds deployed code (EIP-170); MaxInitCodeSize bounds
	// creation code (EIP-3860). Zero disables the respective check.
	MaxCodeSize     uint64
	MaxInitCodeSize uint64

	// EnablePush0 activates the PUSH0 opcode (EIP-3855).
	EnablePush0 bool

	// RejectCodeStartingWithEF refuses deploying code beginning with the
	// 0xEF byte (EIP-3541).
	RejectCodeStartingWithEF bool

	// EnableTransientStorage activates TLOAD/TSTORE (EIP-1153).
	EnableTransientStorage bool

	// EnableMcopy activates the MCOPY opcode (EIP-5656).
	EnableMcopy bool
}

// MainnetRules returns the rule-set matching current Ethereum mainnet
// semantics for the instruction subset the engine implements.
func MainnetRules() Rules {
	return Rules{
		CallGasRetentionDivisor:  CallGasRetentionDivisor,
		MemoryGas:                MemoryGas,
		QuadCoeffDiv:             QuadCoeffDiv,
		MaxCodeSize:              MaxCodeSize,
		MaxInitCodeSize:          MaxInitCodeSize,
		EnablePush0:              true,
		RejectCodeStartingWithEF: true,
		EnableTransientStorage:   true,
		EnableMcopy:              true,
	}
}
