package core

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/bywise/go-bywise/core/state"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/params"
)

// configEntry is one revision of a chain parameter. Height is the block that
// committed the change; genesis entries carry height 0 and are active
// immediately, later entries activate params.ConfigActivationDelay blocks
// after commit.
type configEntry struct {
	Height uint64 `json:"height"`
	Value  string `json:"value"`
}

// FeeConfig resolves chain parameters at a given height and prices
// transactions. All arithmetic is arbitrary-precision decimal with banker's
// rounding at params.FeeDecimalPlaces.
type FeeConfig struct {
	store *state.Store
}

// NewFeeConfig creates a resolver over a chain's environment store.
func NewFeeConfig(store *state.Store) *FeeConfig {
	return &FeeConfig{store: store}
}

// SetConfig appends a parameter revision committed at the given height.
func (f *FeeConfig) SetConfig(ctx *state.Context, name, value string, height uint64) error {
	raw, err := f.store.Get(ctx, state.ConfigKey(name))
	if err != nil {
		return err
	}
	var history []configEntry
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return fmt.Errorf("corrupt config history for %q: %v", name, err)
		}
	}
	history = append(history, configEntry{Height: height, Value: value})
	enc, err := json.Marshal(history)
	if err != nil {
		return err
	}
	f.store.Set(ctx, state.ConfigKey(name), string(enc))
	return nil
}

// GetConfig resolves the active value of a parameter at a height: the last
// revision whose activation height has been reached, falling back to the
// chain defaults.
func (f *FeeConfig) GetConfig(ctx *state.Context, name string, height uint64) (string, error) {
	raw, err := f.store.Get(ctx, state.ConfigKey(name))
	if err != nil {
		return "", err
	}
	if raw == "" {
		return params.ConfigDefaults[name], nil
	}
	var history []configEntry
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return "", fmt.Errorf("corrupt config history for %q: %v", name, err)
	}
	active := params.ConfigDefaults[name]
	for _, entry := range history {
		if entry.Height == 0 || height >= entry.Height+params.ConfigActivationDelay {
			active = entry.Value
		}
	}
	return active, nil
}

// GetConfigDecimal resolves a parameter as a decimal.
func (f *FeeConfig) GetConfigDecimal(ctx *state.Context, name string, height uint64) (decimal.Decimal, error) {
	raw, err := f.GetConfig(ctx, name, height)
	if err != nil {
		return decimal.Zero, err
	}
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config %q is not a decimal: %q", name, raw)
	}
	return d, nil
}

// BlockTime resolves the block interval in seconds at a height.
func (f *FeeConfig) BlockTime(ctx *state.Context, height uint64) (int64, error) {
	raw, err := f.GetConfig(ctx, params.ConfigBlockTime, height)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return params.DefaultBlockTimeSeconds, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return params.DefaultBlockTimeSeconds, nil
	}
	return secs, nil
}

// CalcFee prices a transaction at a height with a known execution cost:
//
//	fee = feeBasic
//	    + feeCoefAmount * Σ amount
//	    + feeCoefSize   * canonicalByteSize(tx)
//	    + feeCoefCost   * cost
//
// Transactions inside the first block of a chain ride free.
func (f *FeeConfig) CalcFee(ctx *state.Context, height uint64, tx *types.Tx, cost uint64) (decimal.Decimal, error) {
	if height == 0 {
		return decimal.Zero, nil
	}
	basic, err := f.GetConfigDecimal(ctx, params.ConfigFeeBasic, height)
	if err != nil {
		return decimal.Zero, err
	}
	coefAmount, err := f.GetConfigDecimal(ctx, params.ConfigFeeCoefAmount, height)
	if err != nil {
		return decimal.Zero, err
	}
	coefSize, err := f.GetConfigDecimal(ctx, params.ConfigFeeCoefSize, height)
	if err != nil {
		return decimal.Zero, err
	}
	coefCost, err := f.GetConfigDecimal(ctx, params.ConfigFeeCoefCost, height)
	if err != nil {
		return decimal.Zero, err
	}

	fee := basic
	if !coefAmount.IsZero() {
		total, err := tx.TotalAmount()
		if err != nil {
			return decimal.Zero, err
		}
		fee = fee.Add(coefAmount.Mul(total))
	}
	if !coefSize.IsZero() {
		size, err := tx.SizeBytes()
		if err != nil {
			return decimal.Zero, err
		}
		fee = fee.Add(coefSize.Mul(decimal.NewFromInt(size)))
	}
	if !coefCost.IsZero() {
		fee = fee.Add(coefCost.Mul(decimal.NewFromInt(int64(cost))))
	}
	return fee.RoundBank(params.FeeDecimalPlaces), nil
}
