package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTxData is returned when a transaction's data field cannot be decoded
// for its declared type.
var ErrTxData = errors.New("invalid transaction data")

// CommandData is the payload of COMMAND and BLOCKCHAIN_COMMAND transactions.
type CommandData struct {
	Name  string   `json:"name"`
	Input []string `json:"input"`
}

// ContractData is the payload of a CONTRACT deployment.
type ContractData struct {
	Address string `json:"contractAddress"`
	Code    string `json:"code"`
}

// ContractCall is one method invocation of a CONTRACT_EXE transaction. The
// i-th call pays tx.Amount[i] to tx.To[i].
type ContractCall struct {
	Method string   `json:"method"`
	Input  []string `json:"inputs"`
}

// ContractExeData is the payload of a CONTRACT_EXE transaction.
type ContractExeData struct {
	Calls []ContractCall `json:"calls"`
}

// TxData is the tagged union carried in a transaction's data field. The wire
// form is plain JSON; the discriminant is the transaction type. The zero
// value encodes as null and is valid for NONE transfers.
type TxData struct {
	raw json.RawMessage
}

// NewCommandData wraps a builtin command payload.
func NewCommandData(name string, input ...string) TxData {
	if input == nil {
		input = []string{}
	}
	return mustData(&CommandData{Name: name, Input: input})
}

// NewContractData wraps a deployment payload.
func NewContractData(address, code string) TxData {
	return mustData(&ContractData{Address: address, Code: code})
}

// NewContractExeData wraps a call list payload.
func NewContractExeData(calls ...ContractCall) TxData {
	return mustData(&ContractExeData{Calls: calls})
}

// RawData wraps pre-encoded JSON bytes.
func RawData(raw []byte) TxData {
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return TxData{raw: cp}
}

func mustData(v interface{}) TxData {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err) // all payload types marshal
	}
	return TxData{raw: raw}
}

// IsEmpty reports whether no payload is attached.
func (d TxData) IsEmpty() bool {
	return len(d.raw) == 0 || string(d.raw) == "null"
}

// AsCommand decodes the payload as a builtin command.
func (d TxData) AsCommand() (*CommandData, error) {
	var cmd CommandData
	if err := d.decode(&cmd); err != nil {
		return nil, err
	}
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: missing command name", ErrTxData)
	}
	return &cmd, nil
}

// AsContract decodes the payload as a contract deployment.
func (d TxData) AsContract() (*ContractData, error) {
	var c ContractData
	if err := d.decode(&c); err != nil {
		return nil, err
	}
	if c.Code == "" {
		return nil, fmt.Errorf("%w: missing contract code", ErrTxData)
	}
	return &c, nil
}

// AsContractExe decodes the payload as a call list.
func (d TxData) AsContractExe() (*ContractExeData, error) {
	var c ContractExeData
	if err := d.decode(&c); err != nil {
		return nil, err
	}
	if len(c.Calls) == 0 {
		return nil, fmt.Errorf("%w: empty call list", ErrTxData)
	}
	return &c, nil
}

func (d TxData) decode(dst interface{}) error {
	if d.IsEmpty() {
		return fmt.Errorf("%w: empty payload", ErrTxData)
	}
	if err := json.Unmarshal(d.raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrTxData, err)
	}
	return nil
}

// canonical re-encodes the payload with a fixed field order so the digest is
// stable regardless of how the wire JSON was formatted.
func (d TxData) canonical(typ TxType) (json.RawMessage, error) {
	if d.IsEmpty() {
		return json.RawMessage("null"), nil
	}
	switch typ {
	case TxCommand, TxBlockchainCommand:
		cmd, err := d.AsCommand()
		if err != nil {
			return nil, err
		}
		if cmd.Input == nil {
			cmd.Input = []string{}
		}
		return json.Marshal(cmd)
	case TxContract:
		c, err := d.AsContract()
		if err != nil {
			return nil, err
		}
		return json.Marshal(c)
	case TxContractExe:
		c, err := d.AsContractExe()
		if err != nil {
			return nil, err
		}
		for i := range c.Calls {
			if c.Calls[i].Input == nil {
				c.Calls[i].Input = []string{}
			}
		}
		return json.Marshal(c)
	default:
		// NONE carries opaque data; hash it as received.
		return d.raw, nil
	}
}

// MarshalJSON implements json.Marshaler.
func (d TxData) MarshalJSON() ([]byte, error) {
	if len(d.raw) == 0 {
		return []byte("null"), nil
	}
	return d.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *TxData) UnmarshalJSON(input []byte) error {
	if string(input) == "null" {
		d.raw = nil
		return nil
	}
	d.raw = append(d.raw[:0], input...)
	return nil
}

// Signatures travel base64 encoded on the wire.

func encodeSig(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func decodeSig(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
