package executor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/malbeclabs/core-bpf-migration/internal/executor"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute_SignsWithPayerAndExtraSigners(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PrivateKey
	target := solana.NewWallet().PrivateKey
	programID := solana.NewWallet().PublicKey()

	var sent *solana.Transaction
	mockRPC := &mockRPCClient{
		GetLatestBlockhashFunc: latestBlockhash,
		SendTransactionWithOptsFunc: func(_ context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error) {
			require.False(t, opts.SkipPreflight)
			sent = tx
			return tx.Signatures[0], nil
		},
		GetSignatureStatusesFunc: func(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
			return &solanarpc.GetSignatureStatusesResult{
				Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed}},
			}, nil
		},
		GetTransactionFunc: func(_ context.Context, _ solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
			require.Equal(t, solanarpc.CommitmentConfirmed, opts.Commitment)
			return &solanarpc.GetTransactionResult{Meta: &solanarpc.TransactionMeta{LogMessages: []string{"Program log: ok"}}}, nil
		},
	}

	exec := executor.New(log, mockRPC, &payer, executor.WithPollInterval(time.Millisecond))
	require.Equal(t, payer.PublicKey(), exec.Payer())

	instruction := solana.NewInstruction(programID, solana.AccountMetaSlice{
		{PublicKey: target.PublicKey(), IsSigner: true, IsWritable: true},
		{PublicKey: payer.PublicKey(), IsSigner: true, IsWritable: true},
	}, []byte{0})

	sig, res, err := exec.Execute(t.Context(), []solana.Instruction{instruction}, target)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, []string{"Program log: ok"}, res.Meta.LogMessages)

	require.NotNil(t, sent)
	require.Len(t, sent.Signatures, 2)
	require.Equal(t, sent.Signatures[0], sig)
	require.NoError(t, sent.VerifySignatures())
}

func TestExecutor_Execute_MissingSigner(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PrivateKey
	target := solana.NewWallet().PublicKey()
	mockRPC := &mockRPCClient{
		GetLatestBlockhashFunc: latestBlockhash,
		SendTransactionWithOptsFunc: func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error) {
			t.Fatal("transaction should not be sent")
			return solana.Signature{}, nil
		},
	}

	exec := executor.New(log, mockRPC, &payer)
	instruction := solana.NewInstruction(solana.NewWallet().PublicKey(), solana.AccountMetaSlice{
		{PublicKey: target, IsSigner: true, IsWritable: true},
	}, nil)

	_, _, err := exec.Execute(t.Context(), []solana.Instruction{instruction})
	require.ErrorContains(t, err, "failed to sign transaction")
}

func TestExecutor_Execute_NoPayer(t *testing.T) {
	t.Parallel()

	exec := executor.New(log, &mockRPCClient{}, nil)
	_, _, err := exec.Execute(t.Context(), nil)
	require.ErrorIs(t, err, executor.ErrNoPayer)
}

func TestExecutor_Execute_BlockhashError(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PrivateKey
	mockRPC := &mockRPCClient{
		GetLatestBlockhashFunc: func(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
			return nil, errors.New("rpc down")
		},
	}

	exec := executor.New(log, mockRPC, &payer)
	_, _, err := exec.Execute(t.Context(), []solana.Instruction{noopInstruction(payer.PublicKey())})
	require.ErrorContains(t, err, "failed to get latest blockhash: rpc down")
}

func TestExecutor_Execute_SendFails(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PrivateKey
	mockRPC := &mockRPCClient{
		GetLatestBlockhashFunc: latestBlockhash,
		SendTransactionWithOptsFunc: func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error) {
			return solana.Signature{}, errors.New("preflight failed")
		},
	}

	exec := executor.New(log, mockRPC, &payer)
	_, _, err := exec.Execute(t.Context(), []solana.Instruction{noopInstruction(payer.PublicKey())})
	require.ErrorContains(t, err, "failed to send transaction: preflight failed")
}

func TestExecutor_Execute_TransactionFailed(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PrivateKey
	mockRPC := &mockRPCClient{
		GetLatestBlockhashFunc: latestBlockhash,
		SendTransactionWithOptsFunc: func(_ context.Context, tx *solana.Transaction, _ solanarpc.TransactionOpts) (solana.Signature, error) {
			return tx.Signatures[0], nil
		},
		GetSignatureStatusesFunc: func(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
			return &solanarpc.GetSignatureStatusesResult{
				Value: []*solanarpc.SignatureStatusesResult{{
					ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed,
					Err:                map[string]any{"InstructionError": []any{0, "InvalidAccountData"}},
				}},
			}, nil
		},
		GetTransactionFunc: func(context.Context, solana.Signature, *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
			t.Fatal("GetTransaction should not be called for a failed transaction")
			return nil, nil
		},
	}

	exec := executor.New(log, mockRPC, &payer, executor.WithPollInterval(time.Millisecond))
	_, _, err := exec.Execute(t.Context(), []solana.Instruction{noopInstruction(payer.PublicKey())})
	require.ErrorIs(t, err, executor.ErrTransactionFailed)
	require.ErrorContains(t, err, "InvalidAccountData")
}

func TestExecutor_Execute_PreflightRejected(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PrivateKey
	logs := []any{
		"Program Stub111 invoke [1]",
		"Program Stub111 failed: invalid instruction data",
	}
	mockRPC := &mockRPCClient{
		GetLatestBlockhashFunc: latestBlockhash,
		SendTransactionWithOptsFunc: func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error) {
			return solana.Signature{}, &jsonrpc.RPCError{
				Code:    executor.RPCCodeSimulationFailed,
				Message: "Transaction simulation failed: Error processing Instruction 0: invalid instruction data",
				Data: map[string]any{
					"err":  map[string]any{"InstructionError": []any{0, "InvalidInstructionData"}},
					"logs": logs,
				},
			}
		},
		GetSignatureStatusesFunc: func(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
			t.Fatal("a rejected transaction must not be awaited")
			return nil, nil
		},
	}

	exec := executor.New(log, mockRPC, &payer, executor.WithPollInterval(time.Millisecond))
	_, _, err := exec.Execute(t.Context(), []solana.Instruction{noopInstruction(payer.PublicKey())})
	require.ErrorIs(t, err, executor.ErrTransactionFailed)
	require.ErrorContains(t, err, "rejected at preflight")
	require.ErrorContains(t, err, "InvalidInstructionData")

	var txErr *executor.TransactionError
	require.ErrorAs(t, err, &txErr)
	require.True(t, txErr.Preflight)
	require.Equal(t, []string{
		"Program Stub111 invoke [1]",
		"Program Stub111 failed: invalid instruction data",
	}, txErr.Logs)
}

func TestExecutor_Execute_OtherRPCErrorsAreNotTransactionFailures(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PrivateKey
	mockRPC := &mockRPCClient{
		GetLatestBlockhashFunc: latestBlockhash,
		SendTransactionWithOptsFunc: func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error) {
			return solana.Signature{}, &jsonrpc.RPCError{Code: -32005, Message: "Node is behind"}
		},
	}

	exec := executor.New(log, mockRPC, &payer)
	_, _, err := exec.Execute(t.Context(), []solana.Instruction{noopInstruction(payer.PublicKey())})
	require.Error(t, err)
	require.NotErrorIs(t, err, executor.ErrTransactionFailed)
	require.ErrorContains(t, err, "failed to send transaction")
}

func TestExecutor_Execute_RetriesTransientStatusGaps(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PrivateKey
	var statusCalls, txCalls atomic.Int32
	mockRPC := &mockRPCClient{
		GetLatestBlockhashFunc: latestBlockhash,
		SendTransactionWithOptsFunc: func(_ context.Context, tx *solana.Transaction, _ solanarpc.TransactionOpts) (solana.Signature, error) {
			return tx.Signatures[0], nil
		},
		GetSignatureStatusesFunc: func(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
			switch statusCalls.Add(1) {
			case 1:
				return nil, errors.New("connection refused")
			case 2:
				return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{nil}}, nil
			case 3:
				return &solanarpc.GetSignatureStatusesResult{
					Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: solanarpc.ConfirmationStatusProcessed}},
				}, nil
			}
			return &solanarpc.GetSignatureStatusesResult{
				Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: solanarpc.ConfirmationStatusFinalized}},
			}, nil
		},
		GetTransactionFunc: func(context.Context, solana.Signature, *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
			if txCalls.Add(1) == 1 {
				return nil, solanarpc.ErrNotFound
			}
			return &solanarpc.GetTransactionResult{Meta: &solanarpc.TransactionMeta{}}, nil
		},
	}

	exec := executor.New(log, mockRPC, &payer, executor.WithPollInterval(time.Millisecond))
	_, res, err := exec.Execute(t.Context(), []solana.Instruction{noopInstruction(payer.PublicKey())})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, int32(4), statusCalls.Load())
	require.Equal(t, int32(2), txCalls.Load())
}

func TestExecutor_Execute_WaitEndsOnCancel(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PrivateKey
	mockRPC := &mockRPCClient{
		GetLatestBlockhashFunc: latestBlockhash,
		SendTransactionWithOptsFunc: func(_ context.Context, tx *solana.Transaction, _ solanarpc.TransactionOpts) (solana.Signature, error) {
			return tx.Signatures[0], nil
		},
		GetSignatureStatusesFunc: func(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
			return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{nil}}, nil
		},
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	exec := executor.New(log, mockRPC, &payer, executor.WithPollInterval(time.Millisecond))
	_, res, err := exec.Execute(ctx, []solana.Instruction{noopInstruction(payer.PublicKey())})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, res)
}

func noopInstruction(payer solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(solana.NewWallet().PublicKey(), solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
	}, []byte{0})
}
