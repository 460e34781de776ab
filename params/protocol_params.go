package params

const (
	// HostCallGas is the gas charged for every call a contract makes into
	// the host bridge.
	HostCallGas uint64 = 7

	// DefaultGasBudget caps the total gas a single transaction may burn in
	// the contract runtime.
	DefaultGasBudget uint64 = 1_000_000

	// VMStackLimit bounds the contract runtime call stack, in bytes.
	VMStackLimit = 320 * 1024

	// MaxCallDepth caps cross-contract re-entrancy.
	MaxCallDepth = 5

	// VMPoolSize is the number of recycled contract runtime workers.
	VMPoolSize = 10

	// ConfigActivationDelay is the number of blocks after which a committed
	// chain parameter change becomes visible to the fee/config engine.
	ConfigActivationDelay uint64 = 100

	// DefaultReorgWindow is the number of blocks behind the canonical tip
	// after which a mined block becomes immutable.
	DefaultReorgWindow uint64 = 12

	// MempoolTxTTLSeconds is how long a pending transaction survives in the
	// mempool before eviction.
	MempoolTxTTLSeconds int64 = 3600

	// OrphanBlockTTLSeconds is how long an incomplete block may wait for
	// its parent, slices or transactions before being dropped.
	OrphanBlockTTLSeconds int64 = 60

	// DefaultBlockTimeSeconds is the block interval used when a chain's
	// genesis does not set the blockTime parameter.
	DefaultBlockTimeSeconds int64 = 30

	// SliceIntervalSeconds is how often the minting loop drains the mempool
	// into a new slice while a block is forming.
	SliceIntervalSeconds int64 = 1

	// MaxTxPerSlice bounds the number of transactions packaged into one slice.
	MaxTxPerSlice = 400

	// TxExecutionTimeoutSeconds is the absolute wall-clock bound on a single
	// transaction execution, watchdogged by the runtime interrupt handler.
	TxExecutionTimeoutSeconds = 5
)

// Network overlay limits.
const (
	MaxConnections = 30

	// MaxPeersToAsk bounds the peers consulted on each discovery tick.
	MaxPeersToAsk = 3

	// MaxPeersPerQuery bounds the peers consulted per find_* query.
	MaxPeersPerQuery = 10

	// GossipSeenCacheSize bounds the per-node LRU used to forward an item at
	// most once per peer.
	GossipSeenCacheSize = 10_000

	// PeerRequestTimeoutSeconds bounds every peer RPC.
	PeerRequestTimeoutSeconds = 10

	// DiscoveryIntervalSeconds is the cadence of the peer discovery tick.
	DiscoveryIntervalSeconds = 30
)

// FeeDecimalPlaces is the scale every fee and balance amount is rounded to,
// using banker's rounding.
const FeeDecimalPlaces = 18
