package core

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bywise/go-bywise/bywisedb/memorydb"
	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/state"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/core/vm"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
	"github.com/bywise/go-bywise/params"
)

type procFixture struct {
	proc  *StateProcessor
	store *state.Store
	fees  *FeeConfig
	ctx   *state.Context
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()
	store := state.NewStore(memorydb.New(), testChain)
	fees := NewFeeConfig(store)
	pool := vm.NewPool(2)
	t.Cleanup(pool.Close)

	ctx, err := store.NewContext(common.ZeroHash)
	if err != nil {
		t.Fatal(err)
	}
	return &procFixture{
		proc:  NewStateProcessor(testChain, store, fees, pool),
		store: store,
		fees:  fees,
		ctx:   ctx,
	}
}

func (f *procFixture) fund(t *testing.T, addr, amount string) {
	t.Helper()
	if err := SetBalance(f.store, f.ctx, addr, decimal.RequireFromString(amount)); err != nil {
		t.Fatal(err)
	}
}

func (f *procFixture) makeAdmin(addr string) {
	f.store.Set(f.ctx, state.AdminKey(addr), "true")
}

func (f *procFixture) balance(t *testing.T, addr string) decimal.Decimal {
	t.Helper()
	bal, err := GetBalance(f.store, f.ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	return bal
}

func newContractAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return bwsaddr.ContractFromKey(key.PublicKeyHash()).String()
}

func execOK(t *testing.T, f *procFixture, tx *types.Tx, opts ExecOpts) *types.TxOutput {
	t.Helper()
	out, err := f.proc.ExecuteTx(f.ctx, tx, opts)
	if err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}
	if out.Error != "" {
		t.Fatalf("tx failed: %s", out.Error)
	}
	return out
}

func TestProcessorTransfer(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	_, alice := newAccount(t)
	_, bob := newAccount(t)
	f.fund(t, sender, "100")

	tx := &types.Tx{
		Chain:   testChain,
		Version: "2",
		From:    []string{sender, sender},
		To:      []string{alice, bob},
		Amount:  []string{"10", "5"},
		Fee:     "0",
		Type:    types.TxNone,
		Created: nowUnix(),
	}
	if err := tx.SignWith(key, key); err != nil {
		t.Fatal(err)
	}

	out := execOK(t, f, tx, ExecOpts{Height: 1, Proposer: sender})
	if out.FeeUsed != "0" {
		t.Errorf("feeUsed = %s", out.FeeUsed)
	}
	if got := f.balance(t, sender); !got.Equal(decimal.RequireFromString("85")) {
		t.Errorf("sender = %s, want 85", got)
	}
	if got := f.balance(t, alice); !got.Equal(decimal.RequireFromString("10")) {
		t.Errorf("alice = %s, want 10", got)
	}
	if got := f.balance(t, bob); !got.Equal(decimal.RequireFromString("5")) {
		t.Errorf("bob = %s, want 5", got)
	}
	nonce, err := GetNonce(f.store, f.ctx, sender)
	if err != nil {
		t.Fatal(err)
	}
	if nonce != 1 {
		t.Errorf("nonce = %d, want 1", nonce)
	}
}

func TestProcessorInsufficientFunds(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	_, to := newAccount(t)
	f.fund(t, sender, "5")

	tx := signedTx(t, key, to, "10", "0", nowUnix())
	out, err := f.proc.ExecuteTx(f.ctx, tx, ExecOpts{Height: 1, Proposer: sender})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Error, ErrInsufficientFunds.Error()) {
		t.Errorf("error = %q", out.Error)
	}
	// Everything rolled back, the nonce included.
	if got := f.balance(t, sender); !got.Equal(decimal.RequireFromString("5")) {
		t.Errorf("sender = %s, want 5", got)
	}
	if got := f.balance(t, to); !got.IsZero() {
		t.Errorf("recipient = %s, want 0", got)
	}
	nonce, err := GetNonce(f.store, f.ctx, sender)
	if err != nil {
		t.Fatal(err)
	}
	if nonce != 0 {
		t.Errorf("nonce = %d after failed tx, want 0", nonce)
	}
}

func TestProcessorRejectsInvalid(t *testing.T) {
	f := newProcFixture(t)
	key, _ := newAccount(t)
	_, to := newAccount(t)

	t.Run("wrong chain", func(t *testing.T) {
		tx := signedTx(t, key, to, "1", "0", nowUnix())
		tx.Chain = "othernet"
		if _, err := f.proc.ExecuteTx(f.ctx, tx, ExecOpts{Height: 1}); !errors.Is(err, types.ErrTxMalformed) {
			t.Errorf("got %v, want %v", err, types.ErrTxMalformed)
		}
	})
	t.Run("tampered", func(t *testing.T) {
		tx := signedTx(t, key, to, "1", "0", nowUnix())
		tx.Amount[0] = "9999"
		if _, err := f.proc.ExecuteTx(f.ctx, tx, ExecOpts{Height: 1}); !errors.Is(err, types.ErrTxHashMismatch) {
			t.Errorf("got %v, want %v", err, types.ErrTxHashMismatch)
		}
	})
}

func commandTx(t *testing.T, key *crypto.PrivateKey, typ types.TxType, name string, input ...string) *types.Tx {
	t.Helper()
	from := bwsaddr.FromKey(key.PublicKeyHash()).String()
	tx := &types.Tx{
		Chain:   testChain,
		Version: "2",
		From:    []string{from},
		To:      []string{from},
		Amount:  []string{"0"},
		Fee:     "0",
		Type:    typ,
		Data:    types.NewCommandData(name, input...),
		Created: nowUnix(),
	}
	if err := tx.SignWith(key); err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestProcessorBuiltins(t *testing.T) {
	f := newProcFixture(t)
	adminKey, admin := newAccount(t)
	_, target := newAccount(t)
	f.makeAdmin(admin)
	f.fund(t, admin, "10")

	opts := ExecOpts{Height: 1, Proposer: admin}

	execOK(t, f, commandTx(t, adminKey, types.TxCommand, "setBalance", target, "50"), opts)
	if got := f.balance(t, target); !got.Equal(decimal.RequireFromString("50")) {
		t.Errorf("setBalance: %s", got)
	}
	execOK(t, f, commandTx(t, adminKey, types.TxCommand, "addBalance", target, "25"), opts)
	if got := f.balance(t, target); !got.Equal(decimal.RequireFromString("75")) {
		t.Errorf("addBalance: %s", got)
	}
	execOK(t, f, commandTx(t, adminKey, types.TxCommand, "subBalance", target, "5"), opts)
	if got := f.balance(t, target); !got.Equal(decimal.RequireFromString("70")) {
		t.Errorf("subBalance: %s", got)
	}

	execOK(t, f, commandTx(t, adminKey, types.TxCommand, "addAdmin", target), opts)
	if ok, _ := IsAdmin(f.store, f.ctx, target); !ok {
		t.Error("addAdmin did not stick")
	}
	execOK(t, f, commandTx(t, adminKey, types.TxCommand, "removeAdmin", target), opts)
	if ok, _ := IsAdmin(f.store, f.ctx, target); ok {
		t.Error("removeAdmin did not stick")
	}
	execOK(t, f, commandTx(t, adminKey, types.TxCommand, "addValidator", target), opts)
	if ok, _ := IsValidator(f.store, f.ctx, target); !ok {
		t.Error("addValidator did not stick")
	}
	execOK(t, f, commandTx(t, adminKey, types.TxCommand, "removeValidator", target), opts)
	if ok, _ := IsValidator(f.store, f.ctx, target); ok {
		t.Error("removeValidator did not stick")
	}

	execOK(t, f, commandTx(t, adminKey, types.TxCommand, "setConfig", params.ConfigFeeBasic, "0.25"), opts)
	v, err := f.fees.GetConfig(f.ctx, params.ConfigFeeBasic, 1+params.ConfigActivationDelay)
	if err != nil {
		t.Fatal(err)
	}
	if v != "0.25" {
		t.Errorf("setConfig: %q", v)
	}
}

func TestProcessorCommandRequiresAdmin(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	_, target := newAccount(t)
	f.fund(t, sender, "10")

	out, err := f.proc.ExecuteTx(f.ctx, commandTx(t, key, types.TxCommand, "setBalance", target, "1000"), ExecOpts{Height: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Error, ErrNotAdmin.Error()) {
		t.Errorf("error = %q", out.Error)
	}
	if got := f.balance(t, target); !got.IsZero() {
		t.Errorf("non-admin command took effect: %s", got)
	}
}

func TestProcessorUnknownCommand(t *testing.T) {
	f := newProcFixture(t)
	key, admin := newAccount(t)
	f.makeAdmin(admin)
	f.fund(t, admin, "10")

	out, err := f.proc.ExecuteTx(f.ctx, commandTx(t, key, types.TxCommand, "selfDestruct"), ExecOpts{Height: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Error, ErrUnknownCommand.Error()) {
		t.Errorf("error = %q", out.Error)
	}
}

func TestProcessorBlockchainCommand(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	_, target := newAccount(t)

	// In genesis: no admin check, no balance requirement beyond zero cost.
	execOK(t, f, commandTx(t, key, types.TxBlockchainCommand, "setBalance", target, "77"), ExecOpts{Height: 0, Genesis: true})
	if got := f.balance(t, target); !got.Equal(decimal.RequireFromString("77")) {
		t.Errorf("genesis command ignored: %s", got)
	}

	// Outside genesis the command is silently ignored.
	f.fund(t, sender, "10")
	execOK(t, f, commandTx(t, key, types.TxBlockchainCommand, "setBalance", target, "123456"), ExecOpts{Height: 5})
	if got := f.balance(t, target); !got.Equal(decimal.RequireFromString("77")) {
		t.Errorf("non-genesis BLOCKCHAIN_COMMAND executed: %s", got)
	}
}

const counterContract = `
var initialized = blockchain.valueGet("count");
if (initialized === "") {
	blockchain.valueSet("count", "0");
}

function increment() {
	var n = Number(blockchain.valueGet("count")) + 1;
	blockchain.valueSet("count", String(n));
	blockchain.emitEvent("Incremented", {count: String(n)});
	return n;
}

// @view
function current() {
	return Number(blockchain.valueGet("count"));
}

// @payable
function donate() {
	blockchain.log("thanks, " + blockchain.getTxSender());
	return blockchain.getTxAmount(0);
}
`

func deployTx(t *testing.T, key *crypto.PrivateKey, address, code string) *types.Tx {
	t.Helper()
	from := bwsaddr.FromKey(key.PublicKeyHash()).String()
	tx := &types.Tx{
		Chain:   testChain,
		Version: "2",
		From:    []string{from},
		To:      []string{address},
		Amount:  []string{"0"},
		Fee:     "0",
		Type:    types.TxContract,
		Data:    types.NewContractData("", code),
		Created: nowUnix(),
	}
	if err := tx.SignWith(key); err != nil {
		t.Fatal(err)
	}
	return tx
}

func callTx(t *testing.T, key *crypto.PrivateKey, address, amount, method string, inputs ...string) *types.Tx {
	t.Helper()
	from := bwsaddr.FromKey(key.PublicKeyHash()).String()
	tx := &types.Tx{
		Chain:   testChain,
		Version: "2",
		From:    []string{from},
		To:      []string{address},
		Amount:  []string{amount},
		Fee:     "0",
		Type:    types.TxContractExe,
		Data:    types.NewContractExeData(types.ContractCall{Method: method, Input: inputs}),
		Created: nowUnix(),
	}
	if err := tx.SignWith(key); err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestProcessorDeployAndCall(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	contract := newContractAddress(t)
	f.fund(t, sender, "100")

	opts := ExecOpts{Height: 1, Proposer: sender}

	out := execOK(t, f, deployTx(t, key, contract, counterContract), opts)
	if out.Cost == 0 {
		t.Error("deployment evaluation burned no gas")
	}
	if out.Payload == nil {
		t.Error("deployment did not return the abi")
	}

	// A second deployment at the same address is refused.
	dup, err := f.proc.ExecuteTx(f.ctx, deployTx(t, key, contract, counterContract), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(dup.Error, ErrContractExists.Error()) {
		t.Errorf("error = %q", dup.Error)
	}

	out = execOK(t, f, callTx(t, key, contract, "0", "increment"), opts)
	if len(out.Events) != 1 || out.Events[0].Name != "Incremented" {
		t.Fatalf("events = %+v", out.Events)
	}
	if out.Events[0].Contract != contract {
		t.Errorf("event contract = %s", out.Events[0].Contract)
	}

	out = execOK(t, f, callTx(t, key, contract, "0", "increment"), opts)
	payload, err := jsonPayload(out)
	if err != nil {
		t.Fatal(err)
	}
	if payload != "[2]" {
		t.Errorf("payload = %s, want [2]", payload)
	}
}

// jsonPayload renders an output payload back to its JSON text.
func jsonPayload(out *types.TxOutput) (string, error) {
	enc, err := json.Marshal(out.Payload)
	return string(enc), err
}

func TestProcessorCallPayload(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	contract := newContractAddress(t)
	f.fund(t, sender, "100")
	opts := ExecOpts{Height: 1, Proposer: sender}

	execOK(t, f, deployTx(t, key, contract, counterContract), opts)
	execOK(t, f, callTx(t, key, contract, "0", "increment"), opts)
	out := execOK(t, f, callTx(t, key, contract, "0", "current"), opts)

	payload, err := jsonPayload(out)
	if err != nil {
		t.Fatal(err)
	}
	if payload != "[1]" {
		t.Errorf("payload = %s, want [1]", payload)
	}
}

func TestProcessorPayableTransfer(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	contract := newContractAddress(t)
	f.fund(t, sender, "100")
	opts := ExecOpts{Height: 1, Proposer: sender}

	execOK(t, f, deployTx(t, key, contract, counterContract), opts)
	out := execOK(t, f, callTx(t, key, contract, "30", "donate"), opts)
	if len(out.Logs) != 1 || !strings.Contains(out.Logs[0], sender) {
		t.Errorf("logs = %v", out.Logs)
	}
	if got := f.balance(t, contract); !got.Equal(decimal.RequireFromString("30")) {
		t.Errorf("contract balance = %s, want 30", got)
	}
	if got := f.balance(t, sender); !got.Equal(decimal.RequireFromString("70")) {
		t.Errorf("sender balance = %s, want 70", got)
	}

	// Value to a non-payable method fails and reverts.
	fail, err := f.proc.ExecuteTx(f.ctx, callTx(t, key, contract, "10", "increment"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fail.Error, vm.ErrNotPayable.Error()) {
		t.Errorf("error = %q", fail.Error)
	}
	if got := f.balance(t, contract); !got.Equal(decimal.RequireFromString("30")) {
		t.Errorf("contract balance moved on failed call: %s", got)
	}
}

func TestProcessorViewWriteFails(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	contract := newContractAddress(t)
	f.fund(t, sender, "100")
	opts := ExecOpts{Height: 1, Proposer: sender}

	code := `
// @view
function sneaky() {
	blockchain.valueSet("x", "1");
}
`
	execOK(t, f, deployTx(t, key, contract, code), opts)
	out, err := f.proc.ExecuteTx(f.ctx, callTx(t, key, contract, "0", "sneaky"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Error, vm.ErrViewWrite.Error()) {
		t.Errorf("error = %q", out.Error)
	}
}

func TestProcessorDeterministicGas(t *testing.T) {
	run := func() uint64 {
		f := newProcFixture(t)
		key, sender := newAccount(t)
		contract := newContractAddress(t)
		f.fund(t, sender, "100")
		opts := ExecOpts{Height: 1, Proposer: "BWS1MUfixedproposer"}

		execOK(t, f, deployTx(t, key, contract, counterContract), opts)
		out := execOK(t, f, callTx(t, key, contract, "0", "increment"), opts)
		return out.Cost
	}
	if a, b := run(), run(); a != b {
		t.Errorf("gas diverged across runs: %d vs %d", a, b)
	}
}

func TestProcessorGasIsHostCallMultiple(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	contract := newContractAddress(t)
	f.fund(t, sender, "100")
	opts := ExecOpts{Height: 1, Proposer: sender}

	execOK(t, f, deployTx(t, key, contract, counterContract), opts)
	out := execOK(t, f, callTx(t, key, contract, "0", "increment"), opts)
	// One top-level valueGet on re-evaluation, then valueGet + valueSet +
	// emitEvent inside increment.
	if want := 4 * params.HostCallGas; out.Cost != want {
		t.Errorf("cost = %d, want %d", out.Cost, want)
	}
}

func TestProcessorFeeCharging(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	_, to := newAccount(t)
	f.fund(t, sender, "100")
	if err := f.fees.SetConfig(f.ctx, params.ConfigFeeBasic, "1", 0); err != nil {
		t.Fatal(err)
	}

	tx := signedTx(t, key, to, "10", "2", nowUnix())
	out := execOK(t, f, tx, ExecOpts{Height: 1, Proposer: sender})
	if out.FeeUsed != "1" {
		t.Errorf("feeUsed = %s, want 1", out.FeeUsed)
	}
	// The fee is burned: total supply drops by exactly the fee.
	if got := f.balance(t, sender); !got.Equal(decimal.RequireFromString("89")) {
		t.Errorf("sender = %s, want 89", got)
	}
	if got := f.balance(t, to); !got.Equal(decimal.RequireFromString("10")) {
		t.Errorf("recipient = %s, want 10", got)
	}
}

func TestProcessorFeeTooLow(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	_, to := newAccount(t)
	f.fund(t, sender, "100")
	if err := f.fees.SetConfig(f.ctx, params.ConfigFeeBasic, "5", 0); err != nil {
		t.Fatal(err)
	}

	tx := signedTx(t, key, to, "10", "2", nowUnix())
	out, err := f.proc.ExecuteTx(f.ctx, tx, ExecOpts{Height: 1, Proposer: sender})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Error, ErrFeeTooLow.Error()) {
		t.Errorf("error = %q", out.Error)
	}
	// The transfer reverted but the declared fee was consumed.
	if out.FeeUsed != "2" {
		t.Errorf("feeUsed = %s, want 2", out.FeeUsed)
	}
	if got := f.balance(t, sender); !got.Equal(decimal.RequireFromString("98")) {
		t.Errorf("sender = %s, want 98", got)
	}
	if got := f.balance(t, to); !got.IsZero() {
		t.Errorf("recipient = %s, want 0", got)
	}
}

func TestProcessorSimulate(t *testing.T) {
	f := newProcFixture(t)
	key, sender := newAccount(t)
	_, to := newAccount(t)
	f.fund(t, sender, "100")
	head, err := f.store.Commit(f.ctx, "setup")
	if err != nil {
		t.Fatal(err)
	}

	// Simulated transactions arrive unsigned and unsealed.
	from := bwsaddr.FromKey(key.PublicKeyHash()).String()
	tx := &types.Tx{
		Chain:   testChain,
		Version: "2",
		From:    []string{from},
		To:      []string{to},
		Amount:  []string{"10"},
		Fee:     "0",
		Type:    types.TxNone,
		Created: nowUnix(),
	}
	out, err := f.proc.SimulateTx(head, tx, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if out.Error != "" {
		t.Fatalf("simulation failed: %s", out.Error)
	}

	// No canonical effect: a fresh context on head sees the old balances.
	probe, err := f.store.NewContext(head)
	if err != nil {
		t.Fatal(err)
	}
	bal, err := GetBalance(f.store, probe, sender)
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(decimal.RequireFromString("100")) {
		t.Errorf("simulation leaked: sender = %s", bal)
	}
}

func TestProcessorSimulateWallet(t *testing.T) {
	f := newProcFixture(t)
	key, _ := newAccount(t)
	_, to := newAccount(t)
	head, err := f.store.Commit(f.ctx, "setup")
	if err != nil {
		t.Fatal(err)
	}

	from := bwsaddr.FromKey(key.PublicKeyHash()).String()
	tx := &types.Tx{
		Chain:   testChain,
		Version: "2",
		From:    []string{from},
		To:      []string{to},
		Amount:  []string{"0"},
		Fee:     "0",
		Type:    types.TxNone,
		Created: nowUnix(),
	}
	// The empty wallet passes with the balance check skipped.
	out, err := f.proc.SimulateTx(head, tx, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if out.Error != "" {
		t.Errorf("simulateWallet run failed: %s", out.Error)
	}
}
