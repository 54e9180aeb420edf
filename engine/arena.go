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

// Handle is an opaque reference to an engine-owned object. The zero value is
// never valid. The low 32 bits index an arena slot, the high 32 bits carry
// the slot's generation, so a stale handle to a recycled slot is detected
// instead of aliasing the new occupant.
type Handle uint64

func makeHandle(slot, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot))
}

func (h Handle) slot() uint32 { return uint32(h) }
func (h Handle) gen() uint32  { return uint32(h >> 32) }

type arenaSlot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// arena hands out generation-checked handles for values. Slots are recycled
// through a free list; the generation bumps on release so old handles die.
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
}

func (a *arena[T]) alloc(v T) Handle {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.live = true
		s.val = v
		return makeHandle(idx, s.gen)
	}
	// Generation starts at 1 so that Handle(0) is always null.
	a.slots = append(a.slots, arenaSlot[T]{gen: 1, live: true, val: v})
	return makeHandle(uint32(len(a.slots)-1), 1)
}

func (a *arena[T]) get(h Handle) (T, bool) {
	var zero T
	idx := h.slot()
	if uint64(idx) >= uint64(len(a.slots)) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.live || s.gen != h.gen() {
		return zero, false
	}
	return s.val, true
}

func (a *arena[T]) release(h Handle) (T, bool) {
	var zero T
	idx := h.slot()
	if uint64(idx) >= uint64(len(a.slots)) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.live || s.gen != h.gen() {
		return zero, false
	}
	v := s.val
	s.live = false
	s.gen++
	s.val = zero
	a.free = append(a.free, idx)
	return v, true
}
