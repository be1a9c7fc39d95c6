package fakecluster_test

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/malbeclabs/core-bpf-migration/internal/activator"
	"github.com/malbeclabs/core-bpf-migration/internal/cluster"
	"github.com/malbeclabs/core-bpf-migration/internal/executor"
	"github.com/malbeclabs/core-bpf-migration/internal/fakecluster"
	"github.com/malbeclabs/core-bpf-migration/internal/loader"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, c *fakecluster.Cluster, payer solana.PrivateKey, ixs []solana.Instruction, signers ...solana.PrivateKey) *solana.Transaction {
	t.Helper()
	bh, err := c.GetLatestBlockhash(t.Context(), solanarpc.CommitmentConfirmed)
	require.NoError(t, err)
	tx, err := solana.NewTransaction(ixs, bh.Value.Blockhash, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	keys := map[solana.PublicKey]*solana.PrivateKey{payer.PublicKey(): &payer}
	for i := range signers {
		keys[signers[i].PublicKey()] = &signers[i]
	}
	_, err = tx.Sign(func(k solana.PublicKey) *solana.PrivateKey { return keys[k] })
	require.NoError(t, err)
	return tx
}

func send(t *testing.T, c *fakecluster.Cluster, payer solana.PrivateKey, ixs []solana.Instruction, signers ...solana.PrivateKey) *solanarpc.GetTransactionResult {
	t.Helper()
	tx := signed(t, c, payer, ixs, signers...)
	sig, err := c.SendTransactionWithOpts(t.Context(), tx, solanarpc.TransactionOpts{})
	require.NoError(t, err)
	res, err := c.GetTransaction(t.Context(), sig, nil)
	require.NoError(t, err)
	return res
}

func stagedCluster(t *testing.T, slotsPerEpoch uint64, opts ...fakecluster.Option) (*fakecluster.Cluster, solana.PrivateKey, solana.PublicKey, solana.PublicKey) {
	t.Helper()
	payer := solana.NewWallet().PrivateKey
	programID := solana.NewWallet().PublicKey()
	featureID := solana.NewWallet().PublicKey()
	bufferAddress := solana.NewWallet().PublicKey()

	buffer, err := cluster.BufferAccount(bufferAddress, []byte("\x7fELF"))
	require.NoError(t, err)
	g := &cluster.Genesis{
		SlotsPerEpoch: slotsPerEpoch,
		Accounts: []cluster.Account{
			cluster.StagedFeatureAccount(featureID),
			buffer,
			{Address: payer.PublicKey(), Lamports: cluster.PayerLamports, Owner: solana.SystemProgramID},
		},
		UpgradeablePrograms: []cluster.UpgradeableProgram{{ProgramID: activator.ProgramID, Path: "activator.so"}},
		DeactivateFeatures:  []solana.PublicKey{featureID},
	}
	c, err := fakecluster.FromGenesis(g, append(opts,
		fakecluster.WithBuiltin(programID, false),
		fakecluster.WithMigration(programID, featureID, bufferAddress),
	)...)
	require.NoError(t, err)
	return c, payer, programID, featureID
}

func TestFakeCluster_MigratesAtEpochBoundary(t *testing.T) {
	t.Parallel()

	c, payer, programID, featureID := stagedCluster(t, 10)

	ix, err := activator.BuildActivateFeatureInstruction(activator.ActivateFeatureInstructionConfig{FeatureID: featureID})
	require.NoError(t, err)
	res := send(t, c, payer, []solana.Instruction{ix})
	require.Nil(t, res.Meta.Err)

	feature, ok := c.Account(featureID)
	require.True(t, ok)
	require.Equal(t, loader.FeatureProgramID, feature.Owner)

	program, ok := c.Account(programID)
	require.True(t, ok)
	require.Equal(t, loader.NativeLoaderProgramID, program.Owner)

	c.AdvanceSlots(9)
	program, _ = c.Account(programID)
	require.Equal(t, loader.NativeLoaderProgramID, program.Owner)

	c.AdvanceSlots(1)
	program, _ = c.Account(programID)
	require.Equal(t, loader.UpgradeableLoaderProgramID, program.Owner)
	_, err = loader.DecodeProgram(program.Data)
	require.NoError(t, err)

	feature, _ = c.Account(featureID)
	f, err := loader.DecodeFeature(feature.Data)
	require.NoError(t, err)
	require.NotNil(t, f.ActivatedAt)
	require.Equal(t, uint64(10), *f.ActivatedAt)
}

func TestFakeCluster_StagedFeatureNotActivatedWithoutInstruction(t *testing.T) {
	t.Parallel()

	c, _, programID, featureID := stagedCluster(t, 10)
	c.AdvanceSlots(25)

	feature, _ := c.Account(featureID)
	require.Equal(t, activator.ProgramID, feature.Owner)
	program, _ := c.Account(programID)
	require.Equal(t, loader.NativeLoaderProgramID, program.Owner)
}

func TestFakeCluster_FailedTransactionRollsBack(t *testing.T) {
	t.Parallel()

	c, payer, programID, _ := stagedCluster(t, 10)
	target := solana.NewWallet().PublicKey()

	res := send(t, c, payer, []solana.Instruction{
		system.NewTransferInstruction(1_000, payer.PublicKey(), target).Build(),
		&solana.GenericInstruction{ProgID: programID, DataBytes: []byte{0, 1}},
	})
	require.NotNil(t, res.Meta.Err)
	require.Contains(t, res.Meta.LogMessages, "Program "+programID.String()+" failed: invalid instruction data")

	_, ok := c.Account(target)
	require.False(t, ok)

	statuses, err := c.GetSignatureStatuses(t.Context(), true, solana.Signature{})
	require.NoError(t, err)
	require.Nil(t, statuses.Value[0])
}

func TestFakeCluster_PreflightRejectsFailingTransaction(t *testing.T) {
	t.Parallel()

	c, payer, programID, _ := stagedCluster(t, 10, fakecluster.WithPreflight())
	target := solana.NewWallet().PublicKey()
	ixs := []solana.Instruction{
		system.NewTransferInstruction(1_000, payer.PublicKey(), target).Build(),
		&solana.GenericInstruction{ProgID: programID, DataBytes: []byte{0, 1}},
	}

	tx := signed(t, c, payer, ixs)
	_, err := c.SendTransactionWithOpts(t.Context(), tx, solanarpc.TransactionOpts{})
	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, executor.RPCCodeSimulationFailed, rpcErr.Code)
	require.Equal(t, "Transaction simulation failed: Error processing Instruction 1: invalid instruction data", rpcErr.Message)
	data, ok := rpcErr.Data.(map[string]any)
	require.True(t, ok)
	require.Contains(t, data["logs"], "Program "+programID.String()+" failed: invalid instruction data")

	_, ok = c.Account(target)
	require.False(t, ok)
	statuses, err := c.GetSignatureStatuses(t.Context(), true, tx.Signatures[0])
	require.NoError(t, err)
	require.Nil(t, statuses.Value[0])

	// Skipping preflight lands the failure on chain instead.
	sig, err := c.SendTransactionWithOpts(t.Context(), signed(t, c, payer, ixs), solanarpc.TransactionOpts{SkipPreflight: true})
	require.NoError(t, err)
	res, err := c.GetTransaction(t.Context(), sig, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Meta.Err)
}

func TestFakeCluster_GetSlotAdvances(t *testing.T) {
	t.Parallel()

	c := fakecluster.New(50, fakecluster.WithSlot(7), fakecluster.WithSlotsPerPoll(2))
	first, err := c.GetSlot(t.Context(), solanarpc.CommitmentConfirmed)
	require.NoError(t, err)
	second, err := c.GetSlot(t.Context(), solanarpc.CommitmentConfirmed)
	require.NoError(t, err)
	require.Equal(t, uint64(7), first)
	require.Equal(t, uint64(9), second)

	_, err = c.GetAccountInfoWithOpts(t.Context(), solana.NewWallet().PublicKey(), nil)
	require.ErrorIs(t, err, solanarpc.ErrNotFound)
}
