package state

// Environment key builders. Account state, chain configuration, membership
// flags, contract handles and contract storage all share one string keyspace
// inside the environment store.

// BalanceKey holds a wallet's decimal balance.
func BalanceKey(addr string) string { return "wallet:" + addr + ":balance" }

// InfoKey holds a wallet's JSON info blob (nonce, flags).
func InfoKey(addr string) string { return "wallet:" + addr + ":info" }

// ConfigKey holds one chain parameter.
func ConfigKey(name string) string { return "config:" + name }

// AdminKey flags an address as chain admin.
func AdminKey(addr string) string { return "admin:" + addr }

// ValidatorKey flags an address as chain validator.
func ValidatorKey(addr string) string { return "validator:" + addr }

// ContractKey holds a compiled contract handle (abi, code, calls log).
func ContractKey(addr string) string { return "contract:" + addr }

// StorageKey holds one contract variable, map bucket or list cell.
func StorageKey(contractAddr, id string) string {
	return "storage:" + contractAddr + ":" + id
}
