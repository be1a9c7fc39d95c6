package loader

import "github.com/gagliardetto/solana-go"

var (
	// NativeLoaderProgramID owns every builtin program account.
	NativeLoaderProgramID = solana.MustPublicKeyFromBase58("NativeLoader1111111111111111111111111111111")

	// UpgradeableLoaderProgramID owns buffers, program accounts and program data accounts of
	// loaded programs.
	UpgradeableLoaderProgramID = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")

	// FeatureProgramID owns activated (or pending) feature accounts.
	FeatureProgramID = solana.MustPublicKeyFromBase58("Feature111111111111111111111111111111111111")

	IncineratorID = solana.MustPublicKeyFromBase58("1nc1nerator11111111111111111111111111111111")
)
