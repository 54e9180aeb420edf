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

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/crypto"
	"github.com/embervm/ember/params"
)

type (
	// CanTransferFunc is the signature of a transfer guard function. The
	// balance read may surface a pending fork fetch.
	CanTransferFunc func(StateDB, common.Address, *uint256.Int) (bool, error)
	// TransferFunc is the signature of a transfer function
	TransferFunc func(StateDB, common.Address, common.Address, *uint256.Int) error
	// GetHashFunc returns the n'th block hash in the chain
	GetHashFunc func(uint64) common.Hash
)

// BlockContext provides the EVM with auxiliary information. Once provided
// it shouldn't be modified.
type BlockContext struct {
	// CanTransfer returns whether the account contains
	// sufficient ether to transfer the value
	CanTransfer CanTransferFunc
	// Transfer transfers ether from one account to the other
	Transfer TransferFunc
	// GetHash returns the hash corresponding to n
	GetHash GetHashFunc

	// Block information
	Coinbase    common.Address // Provides information for COINBASE
	GasLimit    uint64         // Provides information for GASLIMIT
	BlockNumber uint64         // Provides information for NUMBER
	Time        uint64         // Provides information for TIME
	BaseFee     uint256.Int    // Provides information for BASEFEE
	Random      common.Hash    // Provides information for PREVRANDAO
}

// TxContext provides the EVM with information about a transaction.
// All fields can change between transactions.
type TxContext struct {
	Origin   common.Address // Provides information for ORIGIN
	GasPrice uint256.Int    // Provides information for GASPRICE
}

// EVM is the Ethereum Virtual Machine base object and provides
// the necessary tools to run a contract on the given state with
// the provided context. It should be noted that any error
// generated through any of the calls should be considered a
// revert-the-state-and-consume-all-gas operation, with two
// exceptions: ErrExecutionReverted keeps the remaining gas, and
// ErrStatePending keeps all gas and leaves no trace in the state,
// so the host can replay the call once the fetch resolves.
//
// The EVM should never be reused and is not thread safe.
type EVM struct {
	// Context provides auxiliary blockchain related information
	Context BlockContext
	TxContext
	// StateDB gives access to the underlying state
	StateDB StateDB
	// depth is the current call stack
	depth int

	// chainID identifies the chain for CHAINID
	chainID uint256.Int
	// rules holds the active gas schedule and feature switches
	rules params.Rules

	// Config contains per-interpreter configuration options
	Config Config
	// interpreter executes the bytecode
	interpreter *EVMInterpreter
	// fuser re-encodes hot opcode sequences, nil when fusion is off
	fuser *codeFuser
	// callGasTemp holds the gas available for the current call. This is needed because the
	// available gas is calculated in gasCall* according to the 63/64 rule and later
	// applied in opCall*.
	callGasTemp uint64
}

// NewEVM returns a new EVM. The returned EVM is not thread safe and should
// only ever be used by a *single* thread.
func NewEVM(blockCtx BlockContext, txCtx TxContext, statedb StateDB, rules params.Rules, config Config, chainID uint64) *EVM {
	evm := &EVM{
		Context:   blockCtx,
		TxContext: txCtx,
		StateDB:   statedb,
		rules:     rules,
		Config:    config,
	}
	evm.chainID.SetUint64(chainID)
	if config.EnableOpcodeFusion {
		evm.fuser = newCodeFuser()
	}
	evm.interpreter = NewEVMInterpreter(evm)
	return evm
}

// Reset resets the EVM with a new transaction context.
// This is not threadsafe and should only be done very cautiously.
func (evm *EVM) Reset(txCtx TxContext, statedb StateDB) {
	evm.TxContext = txCtx
	evm.StateDB = statedb
}

// Interpreter returns the current interpreter
func (evm *EVM) Interpreter() *EVMInterpreter {
	return evm.interpreter
}

// Depth returns the current call stack depth.
func (evm *EVM) Depth() int {
	return evm.depth
}

// Rules returns the active rule set.
func (evm *EVM) Rules() params.Rules {
	return evm.rules
}

// emptyCodeHash is the known hash of empty contract code.
var emptyCodeHash = crypto.Keccak256Hash(nil)

// Call executes the contract associated with the addr with the given input as
// parameters. It also handles any necessary value transfer required and takes
// the necessary steps to create accounts and reverses the state in case of an
// execution error or failed value transfer.
func (evm *EVM) Call(caller ContractRef, addr common.Address, input []byte, gas uint64, value *uint256.Int) (ret []byte, leftOverGas uint64, err error) {
	// Fail if we're trying to execute above the call depth limit
	if evm.depth > int(params.CallCreateDepth) {
		return nil, gas, ErrDepth
	}
	// Fail if we're trying to transfer more than the available balance
	if !value.IsZero() {
		ok, err := evm.Context.CanTransfer(evm.StateDB, caller.Address(), value)
		if err != nil {
			return nil, gas, err
		}
		if !ok {
			return nil, gas, ErrInsufficientBalance
		}
	}
	snapshot := evm.StateDB.Snapshot()

	exist, err := evm.StateDB.Exist(addr)
	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	if !exist {
		evm.StateDB.CreateAccount(addr)
	}
	if err := evm.Context.Transfer(evm.StateDB, caller.Address(), addr, value); err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}

	code, err := evm.StateDB.GetCode(addr)
	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	if len(code) == 0 {
		ret, err = nil, nil // gas is unchanged
	} else {
		codeHash, herr := evm.StateDB.GetCodeHash(addr)
		if herr != nil {
			evm.StateDB.RevertToSnapshot(snapshot)
			return nil, gas, herr
		}
		// Initialise a new contract and set the code that is to be used by the EVM.
		// The contract is a scoped environment for this execution context only.
		contract := NewContract(caller, AccountRef(addr), value, gas)
		contract.SetCallCode(&addr, codeHash, code)
		ret, err = evm.interpreter.Run(contract, input, false)
		if err == ErrStatePending {
			// The attempt left no trace, hand back the full gas for the replay.
			evm.StateDB.RevertToSnapshot(snapshot)
			return nil, gas, err
		}
		gas = contract.Gas
	}
	// When an error was returned by the EVM or when setting the creation code
	// above we revert to the snapshot and consume any gas remaining.
	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		if err != ErrExecutionReverted {
			gas = 0
		}
	}
	return ret, gas, err
}

// CallCode executes the contract associated with the addr with the given input
// as parameters. It also handles any necessary value transfer required and takes
// the necessary steps to create accounts and reverses the state in case of an
// execution error or failed value transfer.
//
// CallCode differs from Call in the sense that it executes the given address'
// code with the caller as context.
func (evm *EVM) CallCode(caller ContractRef, addr common.Address, input []byte, gas uint64, value *uint256.Int) (ret []byte, leftOverGas uint64, err error) {
	// Fail if we're trying to execute above the call depth limit
	if evm.depth > int(params.CallCreateDepth) {
		return nil, gas, ErrDepth
	}
	// Fail if we're trying to transfer more than the available balance.
	// Note although it's noop to transfer X ether to caller itself. But
	// if caller doesn't have enough balance, it would be an error to allow
	// over-charging itself. So the check here is necessary.
	if !value.IsZero() {
		ok, err := evm.Context.CanTransfer(evm.StateDB, caller.Address(), value)
		if err != nil {
			return nil, gas, err
		}
		if !ok {
			return nil, gas, ErrInsufficientBalance
		}
	}
	snapshot := evm.StateDB.Snapshot()

	code, err := evm.StateDB.GetCode(addr)
	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	codeHash, err := evm.StateDB.GetCodeHash(addr)
	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	// Initialise a new contract and set the code that is to be used by the EVM.
	// The contract is a scoped environment for this execution context only.
	contract := NewContract(caller, AccountRef(caller.Address()), value, gas)
	contract.SetCallCode(&addr, codeHash, code)
	ret, err = evm.interpreter.Run(contract, input, false)
	if err == ErrStatePending {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	gas = contract.Gas

	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		if err != ErrExecutionReverted {
			gas = 0
		}
	}
	return ret, gas, err
}

// DelegateCall executes the contract associated with the addr with the given input
// as parameters. It reverses the state in case of an execution error.
//
// DelegateCall differs from CallCode in the sense that it executes the given address'
// code with the caller as context and the caller is set to the caller of the caller.
func (evm *EVM) DelegateCall(caller ContractRef, addr common.Address, input []byte, gas uint64) (ret []byte, leftOverGas uint64, err error) {
	// Fail if we're trying to execute above the call depth limit
	if evm.depth > int(params.CallCreateDepth) {
		return nil, gas, ErrDepth
	}
	snapshot := evm.StateDB.Snapshot()

	code, err := evm.StateDB.GetCode(addr)
	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	codeHash, err := evm.StateDB.GetCodeHash(addr)
	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	// Initialise a new contract and make initialise the delegate values
	contract := NewContract(caller, AccountRef(caller.Address()), nil, gas).AsDelegate()
	contract.SetCallCode(&addr, codeHash, code)
	ret, err = evm.interpreter.Run(contract, input, false)
	if err == ErrStatePending {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	gas = contract.Gas

	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		if err != ErrExecutionReverted {
			gas = 0
		}
	}
	return ret, gas, err
}

// StaticCall executes the contract associated with the addr with the given input
// as parameters while disallowing any modifications to the state during the call.
// Opcodes that attempt to perform such modifications will result in exceptions
// instead of performing the modifications.
func (evm *EVM) StaticCall(caller ContractRef, addr common.Address, input []byte, gas uint64) (ret []byte, leftOverGas uint64, err error) {
	// Fail if we're trying to execute above the call depth limit
	if evm.depth > int(params.CallCreateDepth) {
		return nil, gas, ErrDepth
	}
	// We take a snapshot here. This is a bit counter-intuitive, and could
	// probably be skipped. However, even a staticcall is considered a 'touch'
	// and the snapshot keeps the journal depth aligned with the call depth.
	snapshot := evm.StateDB.Snapshot()

	code, err := evm.StateDB.GetCode(addr)
	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	codeHash, err := evm.StateDB.GetCodeHash(addr)
	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	// Initialise a new contract and set the code that is to be used by the EVM.
	// The contract is a scoped environment for this execution context only.
	contract := NewContract(caller, AccountRef(addr), new(uint256.Int), gas)
	contract.SetCallCode(&addr, codeHash, code)
	ret, err = evm.interpreter.Run(contract, input, true)
	if err == ErrStatePending {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, gas, err
	}
	gas = contract.Gas

	if err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		if err != ErrExecutionReverted {
			gas = 0
		}
	}
	return ret, gas, err
}

type codeAndHash struct {
	code []byte
	hash common.Hash
}

func (c *codeAndHash) Hash() common.Hash {
	if c.hash == (common.Hash{}) {
		c.hash = crypto.Keccak256Hash(c.code)
	}
	return c.hash
}

// create creates a new contract using code as deployment code.
func (evm *EVM) create(caller ContractRef, codeAndHash *codeAndHash, gas uint64, value *uint256.Int, address common.Address) (ret []byte, createdAddr common.Address, leftOverGas uint64, err error) {
	// Depth check execution. Fail if we're trying to execute above the limit.
	if evm.depth > int(params.CallCreateDepth) {
		return nil, common.Address{}, gas, ErrDepth
	}
	if uint64(len(codeAndHash.code)) > evm.rules.MaxInitCodeSize {
		return nil, common.Address{}, gas, ErrMaxInitCodeSizeExceeded
	}
	ok, err := evm.Context.CanTransfer(evm.StateDB, caller.Address(), value)
	if err != nil {
		return nil, common.Address{}, gas, err
	}
	if !ok {
		return nil, common.Address{}, gas, ErrInsufficientBalance
	}
	nonce, err := evm.StateDB.GetNonce(caller.Address())
	if err != nil {
		return nil, common.Address{}, gas, err
	}
	if nonce+1 < nonce {
		return nil, common.Address{}, gas, ErrNonceUintOverflow
	}
	// Read the designated address before mutating anything: either read can
	// abort on a pending fork fetch, and at this point there is nothing that
	// would need undoing for the replay.
	contractHash, err := evm.StateDB.GetCodeHash(address)
	if err != nil {
		return nil, common.Address{}, gas, err
	}
	contractNonce, err := evm.StateDB.GetNonce(address)
	if err != nil {
		return nil, common.Address{}, gas, err
	}
	// The caller nonce bump is covered by its own snapshot: a pending fetch
	// anywhere below unwinds to here, so the host replay bumps exactly once.
	outer := evm.StateDB.Snapshot()
	if err := evm.StateDB.SetNonce(caller.Address(), nonce+1); err != nil {
		return nil, common.Address{}, gas, err
	}
	// Ensure there's no existing contract already at the designated address.
	// The nonce bump persists on collision.
	if contractNonce != 0 || (contractHash != (common.Hash{}) && contractHash != emptyCodeHash) {
		return nil, common.Address{}, 0, ErrContractAddressCollision
	}
	// Create a new account on the state
	snapshot := evm.StateDB.Snapshot()
	evm.StateDB.CreateAccount(address)
	if err := evm.StateDB.SetNonce(address, 1); err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, common.Address{}, gas, err
	}
	if err := evm.Context.Transfer(evm.StateDB, caller.Address(), address, value); err != nil {
		evm.StateDB.RevertToSnapshot(snapshot)
		return nil, common.Address{}, gas, err
	}

	// Initialise a new contract and set the code that is to be used by the EVM.
	// The contract is a scoped environment for this execution context only.
	contract := NewContract(caller, AccountRef(address), value, gas)
	contract.SetCodeOptionalHash(&address, codeAndHash)
	contract.IsDeployment = true

	ret, err = evm.interpreter.Run(contract, nil, false)

	// Check whether the max code size has been exceeded, assign err if the case.
	if err == nil && uint64(len(ret)) > evm.rules.MaxCodeSize {
		err = ErrMaxCodeSizeExceeded
	}

	// Reject code starting with 0xEF if EIP-3541 is enabled.
	if err == nil && len(ret) >= 1 && ret[0] == 0xEF && evm.rules.RejectCodeStartingWithEF {
		err = ErrInvalidCode
	}

	// if the contract creation ran successfully and no errors were returned
	// calculate the gas required to store the code. If the code could not
	// be stored due to not enough gas set an error and let it be handled
	// by the error checking condition below.
	if err == nil {
		createDataGas := uint64(len(ret)) * params.CreateDataGas
		if contract.UseGas(createDataGas) {
			if serr := evm.StateDB.SetCode(address, ret); serr != nil {
				err = serr
			}
		} else {
			err = ErrCodeStoreOutOfGas
		}
	}

	// When an error was returned by the EVM or when setting the creation code
	// above we revert to the snapshot and consume any gas remaining. A pending
	// fetch unwinds past the nonce bump too, so the create replays from a
	// clean slate with the full caller gas.
	if err != nil {
		if err == ErrStatePending {
			evm.StateDB.RevertToSnapshot(outer)
			return nil, address, gas, err
		}
		evm.StateDB.RevertToSnapshot(snapshot)
		if err != ErrExecutionReverted {
			contract.UseGas(contract.Gas)
		}
	}

	return ret, address, contract.Gas, err
}

// Create creates a new contract using code as deployment code.
func (evm *EVM) Create(caller ContractRef, code []byte, gas uint64, value *uint256.Int) (ret []byte, contractAddr common.Address, leftOverGas uint64, err error) {
	nonce, err := evm.StateDB.GetNonce(caller.Address())
	if err != nil {
		return nil, common.Address{}, gas, err
	}
	contractAddr = crypto.CreateAddress(caller.Address(), nonce)
	return evm.create(caller, &codeAndHash{code: code}, gas, value, contractAddr)
}

// Create2 creates a new contract using code as deployment code.
//
// The different between Create2 with Create is Create2 uses keccak256(0xff ++ msg.sender ++ salt ++ keccak256(init_code))[12:]
// instead of the usual sender-and-nonce-hash as the address where the contract is initialized at.
func (evm *EVM) Create2(caller ContractRef, code []byte, gas uint64, endowment *uint256.Int, salt *uint256.Int) (ret []byte, contractAddr common.Address, leftOverGas uint64, err error) {
	codeAndHash := &codeAndHash{code: code}
	contractAddr = crypto.CreateAddress2(caller.Address(), salt.Bytes32(), codeAndHash.Hash().Bytes())
	return evm.create(caller, codeAndHash, gas, endowment, contractAddr)
}
