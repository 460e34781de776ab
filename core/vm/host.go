package vm

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"

	"github.com/dop251/goja"

	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/params"
)

// Host is the capability set a contract reaches through the global
// `blockchain` object. The execution engine provides the implementation;
// the bridge meters, logs and guards every crossing.
type Host interface {
	TxSender() string
	TxAmount(index int) string
	Chain() string
	TxCreated() int64
	TxJSON() string
	BlockHeight() uint64
	ThisAddress() string

	Log(msg string)
	EmitEvent(name string, entries [][2]string) error
	ExternalContract(address, method string, inputs []string, depth int) (string, error)

	BalanceTransfer(to, amount string) error
	BalanceOf(address string) (string, error)

	ValueSet(name, value string) error
	ValueGet(name string) (string, error)

	MapNew(name string) (string, error)
	MapSet(handle, key, value string) error
	MapGet(handle, key string) (string, error)
	MapHas(handle, key string) (bool, error)
	MapDel(handle, key string) error

	ListNew(name string) (string, error)
	ListSize(handle string) (int64, error)
	ListGet(handle string, index int64) (string, error)
	ListSet(handle string, index int64, value string) error
	ListPush(handle, value string) error
	ListPop(handle string) (string, error)
}

// CallRecord is one logged host-bridge crossing. Re-running a contract
// against an existing log replays the recorded results; any divergence in
// method or arguments invalidates the transaction.
type CallRecord struct {
	Method string   `json:"method"`
	Args   []string `json:"args"`
	Result string   `json:"result"`
}

// bridge wires a Host into a goja runtime with gas accounting.
type bridge struct {
	host    Host
	inv     *Invocation
	rt      *goja.Runtime
	budget  uint64
	gasUsed uint64

	calls     []CallRecord
	replay    []CallRecord
	replayPos int

	rng uint64
}

func newBridge(host Host, inv *Invocation, budget uint64, rt *goja.Runtime) *bridge {
	seed := crypto.Keccak256(inv.RandSeed)
	return &bridge{
		host:   host,
		inv:    inv,
		rt:     rt,
		budget: budget,
		replay: inv.Replay,
		rng:    binary.BigEndian.Uint64(seed[:8]) | 1,
	}
}

// charge burns the fixed host-call gas and aborts on budget exhaustion.
func (b *bridge) charge() {
	b.gasUsed += params.HostCallGas
	if b.gasUsed > b.budget {
		panic(b.rt.NewGoError(ErrInterrupted))
	}
}

func (b *bridge) guardWrite(method string) {
	if b.inv.View {
		panic(b.rt.NewGoError(fmt.Errorf("%w: %s", ErrViewWrite, method)))
	}
}

// crossing wraps one host call: gas, replay lookup, live dispatch, logging.
// The do func runs only on a live (non-replayed) execution.
func (b *bridge) crossing(method string, args []string, do func() (string, error)) string {
	b.charge()
	if b.replay != nil {
		if b.replayPos >= len(b.replay) {
			panic(b.rt.NewGoError(fmt.Errorf("%w: log exhausted at %s", ErrReplayMismatch, method)))
		}
		rec := b.replay[b.replayPos]
		b.replayPos++
		if rec.Method != method || !equalArgs(rec.Args, args) {
			panic(b.rt.NewGoError(fmt.Errorf("%w: logged %s, live %s", ErrReplayMismatch, rec.Method, method)))
		}
		b.calls = append(b.calls, rec)
		return rec.Result
	}
	result, err := do()
	if err != nil {
		panic(b.rt.NewGoError(err))
	}
	b.calls = append(b.calls, CallRecord{Method: method, Args: args, Result: result})
	return result
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// nextRandom steps the seeded xorshift generator; deterministic per
// (proposer, nonce, tx hash) seed.
func (b *bridge) nextRandom() string {
	x := b.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	b.rng = x
	return strconv.FormatFloat(float64(x>>11)/float64(1<<53), 'f', -1, 64)
}

// install exposes the capability set as the global `blockchain` object.
func (b *bridge) install(rt *goja.Runtime) error {
	obj := rt.NewObject()

	set := func(name string, fn interface{}) {
		_ = obj.Set(name, fn)
	}

	set("getTxSender", func() string {
		return b.crossing("getTxSender", nil, func() (string, error) { return b.host.TxSender(), nil })
	})
	set("getTxAmount", func(index int) string {
		return b.crossing("getTxAmount", []string{strconv.Itoa(index)}, func() (string, error) { return b.host.TxAmount(index), nil })
	})
	set("getChain", func() string {
		return b.crossing("getChain", nil, func() (string, error) { return b.host.Chain(), nil })
	})
	set("getTxCreated", func() int64 {
		v := b.crossing("getTxCreated", nil, func() (string, error) {
			return strconv.FormatInt(b.host.TxCreated(), 10), nil
		})
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	})
	set("getTx", func() goja.Value {
		raw := b.crossing("getTx", nil, func() (string, error) { return b.host.TxJSON(), nil })
		jsonObj := rt.Get("JSON").ToObject(rt)
		parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
		parsed, err := parse(goja.Undefined(), rt.ToValue(raw))
		if err != nil {
			return goja.Null()
		}
		return parsed
	})
	set("getBlockHeight", func() int64 {
		v := b.crossing("getBlockHeight", nil, func() (string, error) {
			return strconv.FormatUint(b.host.BlockHeight(), 10), nil
		})
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	})
	set("getThisAddress", func() string {
		return b.crossing("getThisAddress", nil, func() (string, error) { return b.host.ThisAddress(), nil })
	})
	set("getRandom", func() string {
		return b.crossing("getRandom", nil, func() (string, error) { return b.nextRandom(), nil })
	})

	set("log", func(msg string) {
		b.crossing("log", []string{msg}, func() (string, error) {
			b.host.Log(msg)
			return "", nil
		})
	})
	set("emitEvent", func(name string, data map[string]interface{}) {
		b.guardWrite("emitEvent")
		entries := flattenEntries(data)
		args := []string{name}
		for _, e := range entries {
			args = append(args, e[0], e[1])
		}
		b.crossing("emitEvent", args, func() (string, error) {
			return "", b.host.EmitEvent(name, entries)
		})
	})
	set("externalContract", func(address, method string, inputs []string) string {
		return b.crossing("externalContract", append([]string{address, method}, inputs...), func() (string, error) {
			return b.host.ExternalContract(address, method, inputs, b.inv.Depth+1)
		})
	})

	set("balanceTransfer", func(to, amount string) {
		b.guardWrite("balanceTransfer")
		b.crossing("balanceTransfer", []string{to, amount}, func() (string, error) {
			return "", b.host.BalanceTransfer(to, amount)
		})
	})
	set("balanceOf", func(address string) string {
		return b.crossing("balanceOf", []string{address}, func() (string, error) {
			return b.host.BalanceOf(address)
		})
	})

	set("valueSet", func(name, value string) {
		b.guardWrite("valueSet")
		b.crossing("valueSet", []string{name, value}, func() (string, error) {
			return "", b.host.ValueSet(name, value)
		})
	})
	set("valueGet", func(name string) string {
		return b.crossing("valueGet", []string{name}, func() (string, error) {
			return b.host.ValueGet(name)
		})
	})

	set("mapNew", func(name string) string {
		b.guardWrite("mapNew")
		return b.crossing("mapNew", []string{name}, func() (string, error) {
			return b.host.MapNew(name)
		})
	})
	set("mapSet", func(handle, key, value string) {
		b.guardWrite("mapSet")
		b.crossing("mapSet", []string{handle, key, value}, func() (string, error) {
			return "", b.host.MapSet(handle, key, value)
		})
	})
	set("mapGet", func(handle, key string) string {
		return b.crossing("mapGet", []string{handle, key}, func() (string, error) {
			return b.host.MapGet(handle, key)
		})
	})
	set("mapHas", func(handle, key string) bool {
		v := b.crossing("mapHas", []string{handle, key}, func() (string, error) {
			has, err := b.host.MapHas(handle, key)
			return strconv.FormatBool(has), err
		})
		return v == "true"
	})
	set("mapDel", func(handle, key string) {
		b.guardWrite("mapDel")
		b.crossing("mapDel", []string{handle, key}, func() (string, error) {
			return "", b.host.MapDel(handle, key)
		})
	})

	set("listNew", func(name string) string {
		b.guardWrite("listNew")
		return b.crossing("listNew", []string{name}, func() (string, error) {
			return b.host.ListNew(name)
		})
	})
	set("listSize", func(handle string) int64 {
		v := b.crossing("listSize", []string{handle}, func() (string, error) {
			n, err := b.host.ListSize(handle)
			return strconv.FormatInt(n, 10), err
		})
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	})
	set("listGet", func(handle string, index int64) string {
		return b.crossing("listGet", []string{handle, strconv.FormatInt(index, 10)}, func() (string, error) {
			return b.host.ListGet(handle, index)
		})
	})
	set("listSet", func(handle string, index int64, value string) {
		b.guardWrite("listSet")
		b.crossing("listSet", []string{handle, strconv.FormatInt(index, 10), value}, func() (string, error) {
			return "", b.host.ListSet(handle, index, value)
		})
	})
	set("listPush", func(handle, value string) {
		b.guardWrite("listPush")
		b.crossing("listPush", []string{handle, value}, func() (string, error) {
			return "", b.host.ListPush(handle, value)
		})
	})
	set("listPop", func(handle string) string {
		b.guardWrite("listPop")
		return b.crossing("listPop", []string{handle}, func() (string, error) {
			return b.host.ListPop(handle)
		})
	})

	return rt.Set("blockchain", obj)
}

// flattenEntries orders an event payload deterministically.
func flattenEntries(data map[string]interface{}) [][2]string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, fmt.Sprintf("%v", data[k])})
	}
	return out
}
