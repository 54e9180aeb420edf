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
	"github.com/holiman/uint256"
)

// Gas costs
const (
	GasQuickStep   uint64 = 2
	GasFastestStep uint64 = 3
	GasFastStep    uint64 = 5
	GasMidStep     uint64 = 8
	GasSlowStep    uint64 = 10
	GasExtStep     uint64 = 20
)

// callGas returns the actual gas cost of the call.
//
// The returned gas is gas - base * 63 / 64 when the retention divisor is 64:
// the parent frame always retains at least a 1/divisor fraction of its
// remaining gas, regardless of how much the call requested.
func callGas(retentionDivisor, availableGas, base uint64, callCost *uint256.Int) (uint64, error) {
	availableGas = availableGas - base
	gas := availableGas - availableGas/retentionDivisor
	// If the bit length exceeds 64 bit we know that the newly calculated
	// "gas" for EIP150 is smaller than the requested amount. Therefore we
	// return the new gas instead of returning an error.
	if !callCost.IsUint64() || gas < callCost.Uint64() {
		return gas, nil
	}
	return callCost.Uint64(), nil
}
