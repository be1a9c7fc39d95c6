package loader

const (
	// Default rent parameters of a freshly created cluster.
	defaultLamportsPerByteYear  = 3480
	defaultExemptionThreshold   = 2
	accountStorageOverheadBytes = 128
)

// MinimumBalanceForRentExemption returns the lamports an account of dataLen bytes needs to be rent
// exempt on a cluster running the default rent configuration. Genesis accounts are seeded before
// any RPC endpoint exists, so the value cannot be queried.
func MinimumBalanceForRentExemption(dataLen int) uint64 {
	return uint64(accountStorageOverheadBytes+dataLen) * defaultLamportsPerByteYear * defaultExemptionThreshold
}
