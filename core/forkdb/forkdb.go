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

// Package forkdb provides a lazy remote state source. It never performs any
// network I/O itself: a cache miss registers a JSON-RPC shaped request and
// returns ErrStatePending, the host fetches the data out of band and feeds
// the result back through Continue. Execution is then replayed and the read
// is served from the cache.
package forkdb

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"

	"github.com/embervm/ember/common"
)

var (
	// ErrStatePending is returned on a cache miss, after the miss has been
	// recorded as a pending request.
	ErrStatePending = errors.New("forkdb: state read pending")
	// ErrNoPendingRequest is returned by Continue when nothing is outstanding.
	ErrNoPendingRequest = errors.New("forkdb: no pending request")
	// ErrInvalidRequest is returned by Continue for an unknown id or an
	// unparseable result.
	ErrInvalidRequest = errors.New("forkdb: invalid request")
)

// JSON-RPC methods used to satisfy misses.
const (
	MethodGetBalance          = "eth_getBalance"
	MethodGetTransactionCount = "eth_getTransactionCount"
	MethodGetCode             = "eth_getCode"
	MethodGetStorageAt        = "eth_getStorageAt"
)

// Request is one outstanding remote read the host must satisfy.
type Request struct {
	ID     uint64
	Method string
	Params []string

	key string
}

// Backend is the pull based remote state source. It is single owner and does
// no locking of its own.
type Backend struct {
	cache    *lru.Cache          // key -> canonical value bytes
	pending  map[string]*Request // key -> outstanding request
	byID     map[uint64]*Request
	queue    []*Request // undispatched requests, FIFO
	nextID   uint64
	blockTag string
}

// DefaultCacheSize bounds the number of cached remote values.
const DefaultCacheSize = 4096

// New creates a fork backend pinned to the given block tag ("latest", a
// number, or a hash). cacheSize <= 0 selects DefaultCacheSize.
func New(cacheSize int, blockTag string) (*Backend, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if blockTag == "" {
		blockTag = "latest"
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Backend{
		cache:    cache,
		pending:  make(map[string]*Request),
		byID:     make(map[uint64]*Request),
		blockTag: blockTag,
	}, nil
}

// BlockTag returns the block tag all requests are pinned to.
func (b *Backend) BlockTag() string { return b.blockTag }

// Balance returns the cached balance of addr or ErrStatePending.
func (b *Backend) Balance(addr common.Address) (*uint256.Int, error) {
	v, err := b.lookup(MethodGetBalance, []string{addr.Hex(), b.blockTag})
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(v), nil
}

// Nonce returns the cached nonce of addr or ErrStatePending.
func (b *Backend) Nonce(addr common.Address) (uint64, error) {
	v, err := b.lookup(MethodGetTransactionCount, []string{addr.Hex(), b.blockTag})
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// Code returns the cached code of addr or ErrStatePending.
func (b *Backend) Code(addr common.Address) ([]byte, error) {
	return b.lookup(MethodGetCode, []string{addr.Hex(), b.blockTag})
}

// StorageAt returns the cached storage slot or ErrStatePending.
func (b *Backend) StorageAt(addr common.Address, slot common.Hash) (common.Hash, error) {
	v, err := b.lookup(MethodGetStorageAt, []string{addr.Hex(), slot.Hex(), b.blockTag})
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(v), nil
}

// lookup serves the read from the cache, or records a request for it. A
// repeated miss on the same key reuses the outstanding request, so ids stay
// unique per distinct key while outstanding.
func (b *Backend) lookup(method string, params []string) ([]byte, error) {
	key := method + "/" + strings.Join(params, "/")
	if v, ok := b.cache.Get(key); ok {
		return v.([]byte), nil
	}
	if _, ok := b.pending[key]; !ok {
		b.nextID++
		req := &Request{ID: b.nextID, Method: method, Params: params, key: key}
		b.pending[key] = req
		b.byID[req.ID] = req
		b.queue = append(b.queue, req)
	}
	return nil, ErrStatePending
}

// NextRequest pops the oldest undispatched request, nil when there is none.
// The request stays outstanding until Continue resolves it; it is re-queued
// only by a fresh cache miss after ClearCache.
func (b *Backend) NextRequest() *Request {
	if len(b.queue) == 0 {
		return nil
	}
	req := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return req
}

// PendingCount returns the number of outstanding requests.
func (b *Backend) PendingCount() int { return len(b.byID) }

// Continue installs the host's result for the request id. The result is the
// JSON-RPC result string for the request's method. Continue never resumes
// execution itself; the owner replays the frame afterwards.
func (b *Backend) Continue(id uint64, result string) error {
	if len(b.byID) == 0 {
		return ErrNoPendingRequest
	}
	req, ok := b.byID[id]
	if !ok {
		return errors.Wrapf(ErrInvalidRequest, "unknown id %d", id)
	}
	value, err := parseResult(req.Method, result)
	if err != nil {
		return err
	}
	b.cache.Add(req.key, value)
	delete(b.pending, req.key)
	delete(b.byID, id)
	// Drop from the dispatch queue in case the host resolved it before
	// draining NextRequest.
	for i, q := range b.queue {
		if q == req {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	return nil
}

// ClearCache drops every cached value. Outstanding requests are unaffected.
func (b *Backend) ClearCache() {
	b.cache.Purge()
}

func parseResult(method, result string) ([]byte, error) {
	result = strings.TrimSpace(strings.Trim(result, `"`))
	switch method {
	case MethodGetBalance:
		v, err := uint256.FromHex(result)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidRequest, "bad balance %q: %v", result, err)
		}
		b := v.Bytes32()
		return b[:], nil
	case MethodGetTransactionCount:
		s, ok := strings.CutPrefix(result, "0x")
		if !ok {
			return nil, errors.Wrapf(ErrInvalidRequest, "bad nonce %q", result)
		}
		n, err := strconv.ParseUint(s, 16, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidRequest, "bad nonce %q: %v", result, err)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], n)
		return buf[:], nil
	case MethodGetCode:
		s, ok := strings.CutPrefix(result, "0x")
		if !ok {
			return nil, errors.Wrapf(ErrInvalidRequest, "bad code %q", result)
		}
		code := common.Hex2Bytes(s)
		if len(s) != 2*len(code) {
			return nil, errors.Wrapf(ErrInvalidRequest, "bad code %q", result)
		}
		return code, nil
	case MethodGetStorageAt:
		s, ok := strings.CutPrefix(result, "0x")
		if !ok || len(s) != 64 {
			return nil, errors.Wrapf(ErrInvalidRequest, "bad storage value %q", result)
		}
		v := common.Hex2Bytes(s)
		if len(v) != 32 {
			return nil, errors.Wrapf(ErrInvalidRequest, "bad storage value %q", result)
		}
		return v, nil
	default:
		return nil, errors.Wrapf(ErrInvalidRequest, "unknown method %q", method)
	}
}
