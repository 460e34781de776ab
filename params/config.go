package params

// Chain configuration keys. Values live in the environment store under
// "config:<name>" and may be changed at runtime by admin setConfig commands;
// changes activate ConfigActivationDelay blocks after commit.
const (
	ConfigBlockTime     = "blockTime"
	ConfigFeeBasic      = "feeBasic"
	ConfigFeeCoefCost   = "feeCoefCost"
	ConfigFeeCoefSize   = "feeCoefSize"
	ConfigFeeCoefAmount = "feeCoefAmount"
)

// ConfigDefaults are the values returned by the fee/config engine when a
// chain's genesis never set a key.
var ConfigDefaults = map[string]string{
	ConfigBlockTime:     "30",
	ConfigFeeBasic:      "0",
	ConfigFeeCoefCost:   "0",
	ConfigFeeCoefSize:   "0",
	ConfigFeeCoefAmount: "0",
}

// NodeVersion is the protocol version advertised during the peer handshake
// and stamped on every locally created transaction, slice and block.
const NodeVersion = "2"
