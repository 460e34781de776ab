package vm

import (
	"errors"
	"testing"
)

const abiTestSource = `
// token balances per holder
function init() {
	blockchain.valueSet("supply", "1000");
}

// @view
function totalSupply() {
	return blockchain.valueGet("supply");
}

// @payable
function deposit(memo) {
	blockchain.log(memo);
}

// @view
// @payable
function oddball(a, b, c) {}

function _internalHelper(x) {}
`

func TestExtractABI(t *testing.T) {
	abi, err := ExtractABI(abiTestSource)
	if err != nil {
		t.Fatal(err)
	}
	if len(abi.Methods) != 4 {
		t.Fatalf("method count = %d, want 4", len(abi.Methods))
	}

	cases := []struct {
		name          string
		view, payable bool
		arity         int
	}{
		{"init", false, false, 0},
		{"totalSupply", true, false, 0},
		{"deposit", false, true, 1},
		{"oddball", true, true, 3},
	}
	for _, tc := range cases {
		m := abi.Get(tc.name)
		if m == nil {
			t.Fatalf("method %q missing", tc.name)
		}
		if m.View != tc.view || m.Payable != tc.payable || m.Arity != tc.arity {
			t.Errorf("%s = {view:%v payable:%v arity:%d}, want {%v %v %d}",
				tc.name, m.View, m.Payable, m.Arity, tc.view, tc.payable, tc.arity)
		}
	}
	if abi.Get("_internalHelper") != nil {
		t.Error("underscore prefixed function exposed")
	}
	if abi.Get("missing") != nil {
		t.Error("Get returned a method that was never declared")
	}
}

func TestExtractABIPragmaMustBeAdjacent(t *testing.T) {
	src := `
// @view

var x = 1;

function notView() {}
`
	abi, err := ExtractABI(src)
	if err != nil {
		t.Fatal(err)
	}
	m := abi.Get("notView")
	if m == nil {
		t.Fatal("method missing")
	}
	if m.View {
		t.Error("pragma separated by code still applied")
	}
}

func TestExtractABINoMethods(t *testing.T) {
	if _, err := ExtractABI("var x = 1;"); !errors.Is(err, ErrNoMethods) {
		t.Errorf("got %v, want %v", err, ErrNoMethods)
	}
	if _, err := ExtractABI("function _private() {}"); !errors.Is(err, ErrNoMethods) {
		t.Errorf("only-private contract accepted: %v", err)
	}
}

func TestABIEncodeDecode(t *testing.T) {
	abi, err := ExtractABI(abiTestSource)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeABI(abi.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Methods) != len(abi.Methods) {
		t.Fatalf("decoded %d methods, want %d", len(decoded.Methods), len(abi.Methods))
	}
	m := decoded.Get("totalSupply")
	if m == nil || !m.View {
		t.Error("view flag lost in the round trip")
	}
	if _, err := DecodeABI("{broken"); err == nil {
		t.Error("expected error for malformed abi")
	}
}
