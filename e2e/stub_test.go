//go:build e2e

package e2e_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/core-bpf-migration/internal/activator"
	"github.com/malbeclabs/core-bpf-migration/internal/artifact"
	"github.com/malbeclabs/core-bpf-migration/internal/catalog"
	"github.com/malbeclabs/core-bpf-migration/internal/cli"
	"github.com/malbeclabs/core-bpf-migration/internal/cluster"
	"github.com/malbeclabs/core-bpf-migration/internal/stub"
	"github.com/stretchr/testify/require"
)

func TestE2E_StubTest(t *testing.T) {
	store := artifact.NewStore(elfDir)
	if !store.Exists(activator.ArtifactName) || !store.Exists(stub.ArtifactName) {
		t.Skipf("activator and stub ELFs not found in %s", elfDir)
	}

	for _, name := range []catalog.Program{catalog.ProgramAddressLookupTable, catalog.ProgramFeatureGate} {
		t.Run(string(name), func(t *testing.T) {
			entry, err := catalog.Lookup(string(name))
			require.NoError(t, err)

			payer := solana.NewWallet().PrivateKey
			genesis, err := cluster.GenesisForTargets(store, 150, []cluster.MigrationTarget{{
				FeatureID:     entry.FeatureID,
				BufferAddress: entry.BufferAddress,
				ArtifactName:  stub.ArtifactName,
			}}, payer.PublicKey())
			require.NoError(t, err)

			handle, err := cluster.Start(t.Context(), logger, dockerClient, cluster.Config{
				Name:    "cbm-e2e-" + string(name),
				Genesis: genesis,
				Payer:   payer,
				WorkDir: t.TempDir(),
			})
			require.NoError(t, err)
			t.Cleanup(func() {
				require.NoError(t, handle.Close(context.Background()))
			})

			// Builtins do not answer stub instructions; only the loaded stub is probed.
			report, err := cli.RunStubTest(t.Context(), logger, handle.RPC, handle.Payer, cli.StubTestConfig{
				Entry:             entry,
				SkipBuiltinProbes: true,
				EmitProbe:         true,
			})
			require.NoError(t, err)
			require.NotNil(t, report.Migration)
			require.Equal(t, uint64(1), report.Migration.Epoch)
			require.Len(t, report.Probes, 6)
		})
	}
}
