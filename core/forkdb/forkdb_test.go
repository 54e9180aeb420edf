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

package forkdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embervm/ember/common"
)

var testAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(0, "")
	require.NoError(t, err)
	assert.Equal(t, "latest", b.BlockTag())
	return b
}

func TestMissRegistersRequest(t *testing.T) {
	b := newBackend(t)

	_, err := b.Balance(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	require.Equal(t, 1, b.PendingCount())

	req := b.NextRequest()
	require.NotNil(t, req)
	assert.Equal(t, MethodGetBalance, req.Method)
	assert.Equal(t, []string{testAddr.Hex(), "latest"}, req.Params)

	// The queue drains but the request stays outstanding.
	assert.Nil(t, b.NextRequest())
	assert.Equal(t, 1, b.PendingCount())
}

func TestRepeatedMissReusesRequest(t *testing.T) {
	b := newBackend(t)

	_, err := b.Balance(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	_, err = b.Balance(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	assert.Equal(t, 1, b.PendingCount())

	// Distinct keys get distinct requests, dispatched FIFO.
	_, err = b.Nonce(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	assert.Equal(t, 2, b.PendingCount())

	first := b.NextRequest()
	second := b.NextRequest()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, MethodGetBalance, first.Method)
	assert.Equal(t, MethodGetTransactionCount, second.Method)
	assert.Less(t, first.ID, second.ID)
}

func TestContinueBalance(t *testing.T) {
	b := newBackend(t)
	_, err := b.Balance(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	req := b.NextRequest()

	require.NoError(t, b.Continue(req.ID, "0x1234"))
	assert.Equal(t, 0, b.PendingCount())

	bal, err := b.Balance(testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), bal.Uint64())
}

func TestContinueNonce(t *testing.T) {
	b := newBackend(t)
	_, err := b.Nonce(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	req := b.NextRequest()

	require.NoError(t, b.Continue(req.ID, `"0x2a"`))
	nonce, err := b.Nonce(testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)
}

func TestContinueCode(t *testing.T) {
	b := newBackend(t)
	_, err := b.Code(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	req := b.NextRequest()

	require.NoError(t, b.Continue(req.ID, "0x6001600201"))
	code, err := b.Code(testAddr)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x01, 0x60, 0x02, 0x01}, code)
}

func TestContinueEmptyCode(t *testing.T) {
	b := newBackend(t)
	_, err := b.Code(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	req := b.NextRequest()

	require.NoError(t, b.Continue(req.ID, "0x"))
	code, err := b.Code(testAddr)
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestContinueStorage(t *testing.T) {
	b := newBackend(t)
	slot := common.HexToHash("0x05")
	_, err := b.StorageAt(testAddr, slot)
	require.ErrorIs(t, err, ErrStatePending)
	req := b.NextRequest()
	assert.Equal(t, MethodGetStorageAt, req.Method)
	assert.Equal(t, []string{testAddr.Hex(), slot.Hex(), "latest"}, req.Params)

	require.NoError(t, b.Continue(req.ID, "0x00000000000000000000000000000000000000000000000000000000000000ff"))
	val, err := b.StorageAt(testAddr, slot)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xff"), val)
}

func TestContinueErrors(t *testing.T) {
	b := newBackend(t)
	assert.ErrorIs(t, b.Continue(1, "0x0"), ErrNoPendingRequest)

	_, err := b.Balance(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	req := b.NextRequest()

	assert.ErrorIs(t, b.Continue(req.ID+100, "0x0"), ErrInvalidRequest)
	// Malformed results leave the request outstanding.
	assert.ErrorIs(t, b.Continue(req.ID, "not hex"), ErrInvalidRequest)
	assert.Equal(t, 1, b.PendingCount())

	require.NoError(t, b.Continue(req.ID, "0x1"))
	assert.Equal(t, 0, b.PendingCount())
}

func TestContinueBadStorageLength(t *testing.T) {
	b := newBackend(t)
	_, err := b.StorageAt(testAddr, common.Hash{})
	require.ErrorIs(t, err, ErrStatePending)
	req := b.NextRequest()

	assert.ErrorIs(t, b.Continue(req.ID, "0xff"), ErrInvalidRequest)
}

func TestContinueBeforeDispatchDropsFromQueue(t *testing.T) {
	b := newBackend(t)
	_, err := b.Balance(testAddr)
	require.ErrorIs(t, err, ErrStatePending)

	// Resolve using the id without draining the queue first.
	require.NoError(t, b.Continue(1, "0x1"))
	assert.Nil(t, b.NextRequest())
	assert.Equal(t, 0, b.PendingCount())
}

func TestClearCache(t *testing.T) {
	b := newBackend(t)
	_, err := b.Balance(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	req := b.NextRequest()
	require.NoError(t, b.Continue(req.ID, "0x64"))

	bal, err := b.Balance(testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal.Uint64())

	// A fresh miss after clearing issues a new request.
	b.ClearCache()
	_, err = b.Balance(testAddr)
	require.ErrorIs(t, err, ErrStatePending)
	next := b.NextRequest()
	require.NotNil(t, next)
	assert.Greater(t, next.ID, req.ID)
}
