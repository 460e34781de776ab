package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bywise/go-bywise/core/state"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/core/vm"
	"github.com/bywise/go-bywise/crypto"
)

var (
	// ErrUnknownContract is returned when calling an address without a
	// deployed contract.
	ErrUnknownContract = errors.New("unknown contract")

	// errListBounds is raised by out-of-range list access.
	errListBounds = errors.New("list index out of range")
)

// contractRecord is the persisted handle under contract:<addr>.
type contractRecord struct {
	Code     string          `json:"code"`
	ABI      json.RawMessage `json:"abi"`
	DeployTx string          `json:"deployTx"`
	Calls    []vm.CallRecord `json:"calls,omitempty"`
}

// contractHost adapts one contract invocation onto the environment store.
// It satisfies vm.Host; every mutation lands on the transaction's context
// and reverts with it.
type contractHost struct {
	proc     *StateProcessor
	ctx      *state.Context
	tx       *types.Tx
	height   uint64
	thisAddr string
	output   *types.TxOutput
	depth    int
}

// storage ids are derived deterministically so every node maps the same
// variable to the same storage:<addr>:<uuid> cell.
func (h *contractHost) storageID(kind, name string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(h.thisAddr))
	return uuid.NewSHA1(ns, []byte(kind+":"+name)).String()
}

func (h *contractHost) storageKey(id string) string {
	return state.StorageKey(h.thisAddr, id)
}

func (h *contractHost) TxSender() string { return h.tx.From[0] }

func (h *contractHost) TxAmount(index int) string {
	if index < 0 || index >= len(h.tx.Amount) {
		return "0"
	}
	return h.tx.Amount[index]
}

func (h *contractHost) Chain() string { return h.tx.Chain }

func (h *contractHost) TxCreated() int64 { return h.tx.Created }

func (h *contractHost) TxJSON() string {
	out, err := json.Marshal(h.tx)
	if err != nil {
		return "null"
	}
	return string(out)
}

func (h *contractHost) BlockHeight() uint64 { return h.height }

func (h *contractHost) ThisAddress() string { return h.thisAddr }

func (h *contractHost) Log(msg string) {
	h.output.Logs = append(h.output.Logs, msg)
}

func (h *contractHost) EmitEvent(name string, entries [][2]string) error {
	items := make([]types.EventItem, len(entries))
	for i, e := range entries {
		items[i] = types.EventItem{Key: e[0], Value: e[1]}
	}
	seed := fmt.Sprintf("%s:%s:%s:%d", h.thisAddr, name, h.tx.Hash.Hex(), len(h.output.Events))
	h.output.Events = append(h.output.Events, types.Event{
		Contract: h.thisAddr,
		Name:     name,
		Entries:  items,
		Hash:     crypto.Keccak256Hash([]byte(seed)),
	})
	return nil
}

func (h *contractHost) ExternalContract(address, method string, inputs []string, depth int) (string, error) {
	return h.proc.callContract(h.ctx, h.tx, h.output, address, method, inputs, "0", h.height, depth)
}

func (h *contractHost) BalanceTransfer(to, amount string) error {
	value, err := decimal.NewFromString(amount)
	if err != nil || value.IsNegative() {
		return fmt.Errorf("invalid transfer amount %q", amount)
	}
	if err := SubBalance(h.proc.store, h.ctx, h.thisAddr, value); err != nil {
		return err
	}
	return AddBalance(h.proc.store, h.ctx, to, value)
}

func (h *contractHost) BalanceOf(address string) (string, error) {
	bal, err := GetBalance(h.proc.store, h.ctx, address)
	if err != nil {
		return "", err
	}
	return bal.String(), nil
}

func (h *contractHost) ValueSet(name, value string) error {
	h.proc.store.Set(h.ctx, h.storageKey(h.storageID("value", name)), value)
	return nil
}

func (h *contractHost) ValueGet(name string) (string, error) {
	return h.proc.store.Get(h.ctx, h.storageKey(h.storageID("value", name)))
}

func (h *contractHost) MapNew(name string) (string, error) {
	handle := h.storageID("map", name)
	h.proc.store.Set(h.ctx, h.storageKey(handle), "map")
	return handle, nil
}

func (h *contractHost) MapSet(handle, key, value string) error {
	h.proc.store.Set(h.ctx, h.storageKey(h.storageID("mapkey", handle+":"+key)), value)
	return nil
}

func (h *contractHost) MapGet(handle, key string) (string, error) {
	return h.proc.store.Get(h.ctx, h.storageKey(h.storageID("mapkey", handle+":"+key)))
}

func (h *contractHost) MapHas(handle, key string) (bool, error) {
	return h.proc.store.Has(h.ctx, h.storageKey(h.storageID("mapkey", handle+":"+key)))
}

func (h *contractHost) MapDel(handle, key string) error {
	h.proc.store.Delete(h.ctx, h.storageKey(h.storageID("mapkey", handle+":"+key)))
	return nil
}

func (h *contractHost) ListNew(name string) (string, error) {
	handle := h.storageID("list", name)
	key := h.storageKey(h.storageID("listsize", handle))
	has, err := h.proc.store.Has(h.ctx, key)
	if err != nil {
		return "", err
	}
	if !has {
		h.proc.store.Set(h.ctx, key, "0")
	}
	return handle, nil
}

func (h *contractHost) ListSize(handle string) (int64, error) {
	raw, err := h.proc.store.Get(h.ctx, h.storageKey(h.storageID("listsize", handle)))
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (h *contractHost) setListSize(handle string, size int64) {
	h.proc.store.Set(h.ctx, h.storageKey(h.storageID("listsize", handle)), strconv.FormatInt(size, 10))
}

func (h *contractHost) listCell(handle string, index int64) string {
	return h.storageKey(h.storageID("listcell", handle+":"+strconv.FormatInt(index, 10)))
}

func (h *contractHost) ListGet(handle string, index int64) (string, error) {
	size, err := h.ListSize(handle)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= size {
		return "", fmt.Errorf("%w: %d of %d", errListBounds, index, size)
	}
	return h.proc.store.Get(h.ctx, h.listCell(handle, index))
}

func (h *contractHost) ListSet(handle string, index int64, value string) error {
	size, err := h.ListSize(handle)
	if err != nil {
		return err
	}
	if index < 0 || index >= size {
		return fmt.Errorf("%w: %d of %d", errListBounds, index, size)
	}
	h.proc.store.Set(h.ctx, h.listCell(handle, index), value)
	return nil
}

func (h *contractHost) ListPush(handle, value string) error {
	size, err := h.ListSize(handle)
	if err != nil {
		return err
	}
	h.proc.store.Set(h.ctx, h.listCell(handle, size), value)
	h.setListSize(handle, size+1)
	return nil
}

func (h *contractHost) ListPop(handle string) (string, error) {
	size, err := h.ListSize(handle)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", fmt.Errorf("%w: pop on empty list", errListBounds)
	}
	value, err := h.proc.store.Get(h.ctx, h.listCell(handle, size-1))
	if err != nil {
		return "", err
	}
	h.proc.store.Delete(h.ctx, h.listCell(handle, size-1))
	h.setListSize(handle, size-1)
	return value, nil
}
