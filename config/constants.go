package config

const (
	MainnetSolanaRPC  = "https://api.mainnet-beta.solana.com"
	TestnetSolanaRPC  = "https://api.testnet.solana.com"
	DevnetSolanaRPC   = "https://api.devnet.solana.com"
	LocalnetSolanaRPC = "http://localhost:8899"
)

const (
	// ELFDirectory holds the program ELFs deployed into the test cluster and the candidate ELFs
	// cloned from remote clusters.
	ELFDirectory = "elfs"

	// ImplDirectory holds the conformance checkouts, staged fixtures and built targets.
	ImplDirectory = "impl"

	// ConformanceDirectory is the solana-conformance checkout.
	ConformanceDirectory = "solana-conformance"

	DefaultSlotsPerEpoch = 50

	DefaultValidatorImage = "anzaxyz/agave:v2.1.21"
)

// Conformance collaborator sources.
const (
	SolanaConformanceRepoURL    = "https://github.com/firedancer-io/solana-conformance.git"
	SolanaConformanceRepoBranch = "main"

	SolfuzzAgaveRepoURL    = "http://github.com/buffalojoec/solfuzz-agave.git"
	SolfuzzAgaveRepoBranch = "support-feature-gate-program"

	TestVectorsRepoURL    = "https://github.com/firedancer-io/test-vectors.git"
	TestVectorsRepoBranch = "main"

	ProgramRepoBranch = "main"
)
