package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/state"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/core/vm"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
	"github.com/bywise/go-bywise/log"
)

var (
	// ErrNotAdmin rejects admin-only commands from plain wallets.
	ErrNotAdmin = errors.New("sender is not an admin")

	// ErrUnknownCommand rejects builtins the chain does not define.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrContractExists rejects a second deployment at one address.
	ErrContractExists = errors.New("contract already deployed at address")

	// ErrFeeTooLow rejects execution costing more than the offered fee.
	ErrFeeTooLow = errors.New("declared fee below computed fee")
)

// ExecOpts tunes one transaction execution.
type ExecOpts struct {
	Height   uint64 // block height the tx executes at
	Proposer string // slice proposer, seeds contract randomness
	Genesis  bool   // allow BLOCKCHAIN_COMMAND without admin checks

	Simulate       bool // disposable overlay, no canonical effects
	SimulateWallet bool // skip the sender balance check (fee estimation)
}

// StateProcessor applies transactions to an environment context. One
// processor serves one chain; it is driven by the pipeline and, in simulate
// mode, by the API.
type StateProcessor struct {
	chain string
	store *state.Store
	fees  *FeeConfig
	pool  *vm.Pool
	log   log.Logger
}

// NewStateProcessor wires an execution engine for a chain.
func NewStateProcessor(chain string, store *state.Store, fees *FeeConfig, pool *vm.Pool) *StateProcessor {
	return &StateProcessor{
		chain: chain,
		store: store,
		fees:  fees,
		pool:  pool,
		log:   log.New("chain", chain, "module", "executor"),
	}
}

// Store exposes the underlying environment store.
func (p *StateProcessor) Store() *state.Store { return p.store }

// Fees exposes the fee/config engine.
func (p *StateProcessor) Fees() *FeeConfig { return p.fees }

// ExecuteTx runs the full per-transaction procedure. A non-nil error means
// the transaction must never be part of an executed block (bad signature,
// wrong chain); runtime failures are recorded in the returned output with
// the state writes reverted and the fee up to the failure consumed.
func (p *StateProcessor) ExecuteTx(ctx *state.Context, tx *types.Tx, opts ExecOpts) (*types.TxOutput, error) {
	if tx.Chain != p.chain {
		return nil, fmt.Errorf("%w: tx for chain %q on chain %q", types.ErrTxMalformed, tx.Chain, p.chain)
	}
	if opts.Simulate {
		// Simulated transactions arrive unsigned; seal for deterministic
		// seeding and skip the signature checks.
		if err := tx.Seal(); err != nil {
			return nil, err
		}
	} else if err := tx.ValidateStructure(); err != nil {
		return nil, err
	}
	if len(tx.From) == 0 {
		return nil, fmt.Errorf("%w: empty from", types.ErrTxMalformed)
	}

	output := &types.TxOutput{FeeUsed: "0"}
	sender := tx.From[0]

	total, err := tx.TotalAmount()
	if err != nil {
		return nil, err
	}
	feeDeclared, err := decimal.NewFromString(tx.Fee)
	if err != nil || feeDeclared.IsNegative() {
		return nil, fmt.Errorf("%w: bad fee %q", types.ErrTxMalformed, tx.Fee)
	}

	// Everything from here reverts as a unit on failure.
	snapshot := p.store.Snapshot(ctx)

	if !opts.SimulateWallet {
		balance, err := GetBalance(p.store, ctx, sender)
		if err != nil {
			return nil, err
		}
		if balance.LessThan(total.Add(feeDeclared)) {
			return p.failTx(ctx, snapshot, output, sender, decimal.Zero, ErrInsufficientFunds)
		}
	}

	nonce, err := BumpNonce(p.store, ctx, sender)
	if err != nil {
		return nil, err
	}
	seed := []byte(fmt.Sprintf("%s:%d:%s", opts.Proposer, nonce, tx.Hash.Hex()))

	var execErr error
	switch tx.Type {
	case types.TxNone:
		execErr = p.applyTransfer(ctx, tx, sender, total)
	case types.TxCommand:
		execErr = p.applyCommand(ctx, tx, sender, opts, false)
	case types.TxBlockchainCommand:
		if opts.Genesis {
			execErr = p.applyCommand(ctx, tx, sender, opts, true)
		}
		// Ignored outside genesis.
	case types.TxContract:
		execErr = p.applyDeploy(ctx, tx, output, seed, opts)
	case types.TxContractExe:
		execErr = p.applyCalls(ctx, tx, output, seed, opts)
	default:
		return nil, fmt.Errorf("%w: type %q", types.ErrTxMalformed, tx.Type)
	}

	feeUsed, feeErr := p.fees.CalcFee(ctx, opts.Height, tx, output.Cost)
	if feeErr != nil {
		return nil, feeErr
	}
	if execErr != nil {
		return p.failTx(ctx, snapshot, output, sender, feeUsed, execErr)
	}
	if feeUsed.GreaterThan(feeDeclared) {
		return p.failTx(ctx, snapshot, output, sender, feeDeclared, ErrFeeTooLow)
	}
	if !opts.SimulateWallet && feeUsed.IsPositive() {
		if err := SubBalance(p.store, ctx, sender, feeUsed); err != nil {
			return p.failTx(ctx, snapshot, output, sender, decimal.Zero, err)
		}
	}
	output.FeeUsed = feeUsed.String()
	return output, nil
}

// failTx reverts the transaction's writes, burns the fee accrued up to the
// failing step (bounded by the sender's balance) and records the error.
func (p *StateProcessor) failTx(ctx *state.Context, snapshot state.Snapshot, output *types.TxOutput, sender string, feeUsed decimal.Decimal, cause error) (*types.TxOutput, error) {
	p.store.Revert(ctx, snapshot)
	p.log.Debug("Transaction failed", "sender", sender, "err", cause)
	if feeUsed.IsPositive() {
		balance, err := GetBalance(p.store, ctx, sender)
		if err == nil {
			burn := decimal.Min(balance, feeUsed)
			if burn.IsPositive() {
				_ = SubBalance(p.store, ctx, sender, burn)
				output.FeeUsed = burn.String()
			}
		}
	}
	output.Error = cause.Error()
	output.Events = nil
	return output, nil
}

// applyTransfer credits every recipient and debits the sender.
func (p *StateProcessor) applyTransfer(ctx *state.Context, tx *types.Tx, sender string, total decimal.Decimal) error {
	if err := SubBalance(p.store, ctx, sender, total); err != nil {
		return err
	}
	for i, to := range tx.To {
		amount, err := decimal.NewFromString(tx.Amount[i])
		if err != nil {
			return fmt.Errorf("%w: bad amount %q", types.ErrTxMalformed, tx.Amount[i])
		}
		if err := AddBalance(p.store, ctx, to, amount); err != nil {
			return err
		}
	}
	return nil
}

// applyCommand dispatches a named builtin. Outside genesis the sender must
// be an admin.
func (p *StateProcessor) applyCommand(ctx *state.Context, tx *types.Tx, sender string, opts ExecOpts, genesis bool) error {
	cmd, err := tx.Data.AsCommand()
	if err != nil {
		return err
	}
	if !genesis {
		admin, err := IsAdmin(p.store, ctx, sender)
		if err != nil {
			return err
		}
		if !admin {
			return fmt.Errorf("%w: %s", ErrNotAdmin, sender)
		}
	}
	arg := func(i int) string {
		if i < len(cmd.Input) {
			return cmd.Input[i]
		}
		return ""
	}
	switch cmd.Name {
	case "setBalance":
		value, err := decimal.NewFromString(arg(1))
		if err != nil {
			return fmt.Errorf("setBalance: bad value %q", arg(1))
		}
		return SetBalance(p.store, ctx, arg(0), value)
	case "addBalance":
		value, err := decimal.NewFromString(arg(1))
		if err != nil {
			return fmt.Errorf("addBalance: bad value %q", arg(1))
		}
		return AddBalance(p.store, ctx, arg(0), value)
	case "subBalance":
		value, err := decimal.NewFromString(arg(1))
		if err != nil {
			return fmt.Errorf("subBalance: bad value %q", arg(1))
		}
		return SubBalance(p.store, ctx, arg(0), value)
	case "setConfig":
		return p.fees.SetConfig(ctx, arg(0), arg(1), opts.Height)
	case "addAdmin":
		p.store.Set(ctx, state.AdminKey(arg(0)), "true")
		return nil
	case "removeAdmin":
		p.store.Delete(ctx, state.AdminKey(arg(0)))
		return nil
	case "addValidator":
		p.store.Set(ctx, state.ValidatorKey(arg(0)), "true")
		return nil
	case "removeValidator":
		p.store.Delete(ctx, state.ValidatorKey(arg(0)))
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}

// applyDeploy validates and stores a contract at to[0].
func (p *StateProcessor) applyDeploy(ctx *state.Context, tx *types.Tx, output *types.TxOutput, seed []byte, opts ExecOpts) error {
	data, err := tx.Data.AsContract()
	if err != nil {
		return err
	}
	address := tx.To[0]
	if data.Address != "" && data.Address != address {
		return fmt.Errorf("%w: data address %q != to[0] %q", types.ErrTxData, data.Address, address)
	}
	addr, err := bwsaddr.Decode(address)
	if err != nil {
		return err
	}
	if !addr.IsContract() {
		return fmt.Errorf("%w: %q is not a contract address", types.ErrTxData, address)
	}
	existing, err := p.store.Get(ctx, state.ContractKey(address))
	if err != nil {
		return err
	}
	if existing != "" {
		return fmt.Errorf("%w: %s", ErrContractExists, address)
	}

	abi, err := vm.ExtractABI(data.Code)
	if err != nil {
		return err
	}
	// Evaluate the source once; deployment-time failures reject the contract.
	host := &contractHost{proc: p, ctx: ctx, tx: tx, height: opts.Height, thisAddr: address, output: output}
	res, err := p.pool.Run(context.Background(), &vm.Invocation{
		Code:     data.Code,
		RandSeed: seed,
		Now:      tx.Created,
	}, host)
	if err != nil {
		return err
	}
	output.Cost += res.Cost

	record := &contractRecord{
		Code:     data.Code,
		ABI:      json.RawMessage(abi.Encode()),
		DeployTx: tx.Hash.Hex(),
		Calls:    res.Calls,
	}
	enc, err := json.Marshal(record)
	if err != nil {
		return err
	}
	p.store.Set(ctx, state.ContractKey(address), string(enc))
	output.Payload = json.RawMessage(abi.Encode())
	return nil
}

// applyCalls invokes each (to[i], method, inputs) of a CONTRACT_EXE tx.
func (p *StateProcessor) applyCalls(ctx *state.Context, tx *types.Tx, output *types.TxOutput, seed []byte, opts ExecOpts) error {
	data, err := tx.Data.AsContractExe()
	if err != nil {
		return err
	}
	if len(data.Calls) != len(tx.To) {
		return fmt.Errorf("%w: %d calls for %d recipients", types.ErrTxData, len(data.Calls), len(tx.To))
	}
	results := make([]json.RawMessage, 0, len(data.Calls))
	for i, call := range data.Calls {
		value, err := p.callContractSeeded(ctx, tx, output, tx.To[i], call.Method, call.Input, tx.Amount[i], opts.Height, 0, seed)
		if err != nil {
			return err
		}
		results = append(results, json.RawMessage(value))
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return err
	}
	output.Payload = json.RawMessage(payload)
	return nil
}

// callContract is the re-entry point used by the externalContract host
// capability; the amount is always zero there.
func (p *StateProcessor) callContract(ctx *state.Context, tx *types.Tx, output *types.TxOutput, address, method string, inputs []string, amount string, height uint64, depth int) (string, error) {
	return p.callContractSeeded(ctx, tx, output, address, method, inputs, amount, height, depth, []byte(tx.Hash.Hex()))
}

func (p *StateProcessor) callContractSeeded(ctx *state.Context, tx *types.Tx, output *types.TxOutput, address, method string, inputs []string, amount string, height uint64, depth int, seed []byte) (string, error) {
	raw, err := p.store.Get(ctx, state.ContractKey(address))
	if err != nil {
		return "", err
	}
	if raw == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownContract, address)
	}
	var record contractRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return "", fmt.Errorf("corrupt contract record at %s: %v", address, err)
	}
	abi, err := vm.DecodeABI(string(record.ABI))
	if err != nil {
		return "", err
	}
	m := abi.Get(method)
	if m == nil {
		return "", fmt.Errorf("%w: %s.%s", vm.ErrMethodNotFound, address, method)
	}

	value := decimal.Zero
	if amount != "" {
		if value, err = decimal.NewFromString(amount); err != nil {
			return "", fmt.Errorf("%w: bad amount %q", types.ErrTxMalformed, amount)
		}
	}
	if value.IsPositive() {
		if !m.Payable {
			return "", fmt.Errorf("%w: %s.%s", vm.ErrNotPayable, address, method)
		}
		if err := SubBalance(p.store, ctx, tx.From[0], value); err != nil {
			return "", err
		}
		if err := AddBalance(p.store, ctx, address, value); err != nil {
			return "", err
		}
	}

	host := &contractHost{proc: p, ctx: ctx, tx: tx, height: height, thisAddr: address, output: output, depth: depth}
	res, err := p.pool.Run(context.Background(), &vm.Invocation{
		Code:     record.Code,
		Method:   method,
		Inputs:   inputs,
		View:     m.View,
		Depth:    depth,
		RandSeed: seed,
		Now:      tx.Created,
	}, host)
	if err != nil {
		return "", err
	}
	output.Cost += res.Cost
	return res.Value, nil
}

// SimulateTx runs a transaction on a disposable overlay based at the given
// commit and discards every write. simulateWallet additionally skips the
// sender balance check so fees can be estimated for empty wallets.
func (p *StateProcessor) SimulateTx(base common.Hash, tx *types.Tx, height uint64, simulateWallet bool) (*types.TxOutput, error) {
	ctx, err := p.store.NewContext(base)
	if err != nil {
		return nil, err
	}
	defer p.store.Discard(ctx)
	return p.ExecuteTx(ctx, tx, ExecOpts{
		Height:         height,
		Proposer:       "simulate",
		Simulate:       true,
		SimulateWallet: simulateWallet,
	})
}
