package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bywise/go-bywise/core/state"
)

// ErrInsufficientFunds is returned when a debit would push a balance
// negative.
var ErrInsufficientFunds = errors.New("insufficient funds")

// GetBalance reads a wallet balance; unset wallets hold zero.
func GetBalance(store *state.Store, ctx *state.Context, addr string) (decimal.Decimal, error) {
	raw, err := store.Get(ctx, state.BalanceKey(addr))
	if err != nil {
		return decimal.Zero, err
	}
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt balance for %s: %q", addr, raw)
	}
	return d, nil
}

// SetBalance overwrites a wallet balance.
func SetBalance(store *state.Store, ctx *state.Context, addr string, value decimal.Decimal) error {
	if value.IsNegative() {
		return fmt.Errorf("%w: negative balance for %s", ErrInsufficientFunds, addr)
	}
	store.Set(ctx, state.BalanceKey(addr), value.String())
	return nil
}

// AddBalance credits a wallet.
func AddBalance(store *state.Store, ctx *state.Context, addr string, delta decimal.Decimal) error {
	current, err := GetBalance(store, ctx, addr)
	if err != nil {
		return err
	}
	return SetBalance(store, ctx, addr, current.Add(delta))
}

// SubBalance debits a wallet, failing if the balance would go negative.
func SubBalance(store *state.Store, ctx *state.Context, addr string, delta decimal.Decimal) error {
	current, err := GetBalance(store, ctx, addr)
	if err != nil {
		return err
	}
	next := current.Sub(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, addr, current, delta)
	}
	return SetBalance(store, ctx, addr, next)
}

// walletInfo is the JSON blob under wallet:<addr>:info.
type walletInfo struct {
	Nonce uint64 `json:"nonce"`
}

// GetNonce reads a wallet's transaction counter.
func GetNonce(store *state.Store, ctx *state.Context, addr string) (uint64, error) {
	raw, err := store.Get(ctx, state.InfoKey(addr))
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	var info walletInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return 0, fmt.Errorf("corrupt wallet info for %s: %v", addr, err)
	}
	return info.Nonce, nil
}

// BumpNonce increments a wallet's transaction counter and returns the value
// before the increment.
func BumpNonce(store *state.Store, ctx *state.Context, addr string) (uint64, error) {
	nonce, err := GetNonce(store, ctx, addr)
	if err != nil {
		return 0, err
	}
	enc, err := json.Marshal(&walletInfo{Nonce: nonce + 1})
	if err != nil {
		return 0, err
	}
	store.Set(ctx, state.InfoKey(addr), string(enc))
	return nonce, nil
}

// IsAdmin reports whether the address carries the admin flag.
func IsAdmin(store *state.Store, ctx *state.Context, addr string) (bool, error) {
	v, err := store.Get(ctx, state.AdminKey(addr))
	return v == "true", err
}

// IsValidator reports whether the address carries the validator flag.
func IsValidator(store *state.Store, ctx *state.Context, addr string) (bool, error) {
	v, err := store.Get(ctx, state.ValidatorKey(addr))
	return v == "true", err
}
