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

	"github.com/embervm/ember/core/state"
	"github.com/embervm/ember/core/vm"
)

// countingLoop increments a counter from zero to 1024. Every iteration runs
// the PUSH1-ADD and ISZERO-PUSH2-JUMPI sequences the fusion pass targets.
var countingLoop = []byte{
	0x60, 0x00, // PUSH1 0
	0x5b,       // JUMPDEST (pc 2)
	0x60, 0x01, // PUSH1 1
	0x01,             // ADD
	0x80,             // DUP1
	0x61, 0x04, 0x00, // PUSH2 1024
	0x14,             // EQ
	0x15,             // ISZERO
	0x61, 0x00, 0x02, // PUSH2 2
	0x57, // JUMPI
	0x00, // STOP
}

func benchmarkLoop(b *testing.B, cfg vm.Config) {
	evm := newTestEVM(state.New(), cfg)
	frame, err := vm.NewFrame(evm, countingLoop, 10_000_000)
	if err != nil {
		b.Fatal(err)
	}
	defer frame.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		frame.Reset(10_000_000)
		if err := frame.Execute(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkInterpreterPlain(b *testing.B) {
	benchmarkLoop(b, vm.Config{})
}

func BenchmarkInterpreterFused(b *testing.B) {
	benchmarkLoop(b, vm.Config{EnableOpcodeFusion: true})
}
