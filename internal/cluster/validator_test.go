package cluster

import (
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestCluster_ValidatorPlan(t *testing.T) {
	t.Parallel()

	feature := StagedFeatureAccount(solana.NewWallet().PublicKey())
	program := UpgradeableProgram{ProgramID: solana.NewWallet().PublicKey(), Path: "/host/elfs/activator.so"}
	g := &Genesis{
		SlotsPerEpoch:       150,
		Accounts:            []Account{feature},
		UpgradeablePrograms: []UpgradeableProgram{program},
		DeactivateFeatures:  []solana.PublicKey{feature.Address},
	}
	dir := t.TempDir()

	args, files, err := validatorPlan(g, dir)
	require.NoError(t, err)

	accountPath := "/cbm-genesis/accounts/" + feature.Address.String() + ".json"
	programPath := "/cbm-genesis/programs/" + program.ProgramID.String() + ".so"
	require.Equal(t, []string{
		"--ledger", "/test-ledger",
		"--reset",
		"--rpc-port", "8899",
		"--bind-address", "0.0.0.0",
		"--slots-per-epoch", "150",
		"--account", feature.Address.String(), accountPath,
		"--upgradeable-program", program.ProgramID.String(), programPath, "none",
		"--deactivate-feature", feature.Address.String(),
	}, args)

	require.Len(t, files, 2)
	require.Equal(t, filepath.Join(dir, "account-0.json"), files[0].HostFilePath)
	require.Equal(t, accountPath, files[0].ContainerFilePath)
	require.Equal(t, program.Path, files[1].HostFilePath)
	require.Equal(t, programPath, files[1].ContainerFilePath)
}

func TestCluster_Config_Validate(t *testing.T) {
	t.Setenv(EnvValidatorImage, "example/validator:test")

	cfg := Config{
		Genesis: &Genesis{SlotsPerEpoch: 50},
		Payer:   solana.NewWallet().PrivateKey,
	}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "example/validator:test", cfg.Image)
	require.Equal(t, "cbm-ledger", cfg.volumeName())
	require.Equal(t, "cbm-validator", cfg.containerName())

	require.ErrorIs(t, (&Config{Payer: cfg.Payer}).Validate(), ErrMissingGenesis)
	require.ErrorIs(t, (&Config{Genesis: cfg.Genesis}).Validate(), ErrMissingPayer)
	require.ErrorIs(t, (&Config{Genesis: &Genesis{}, Payer: cfg.Payer}).Validate(), ErrMissingSlotsPerEpoch)
}
