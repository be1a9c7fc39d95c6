// Package executor builds, signs, submits and confirms transactions against a cluster.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/core-bpf-migration/internal/metrics"
	"github.com/malbeclabs/core-bpf-migration/internal/poll"
)

const (
	defaultPollInterval = 250 * time.Millisecond

	// RPCCodeSimulationFailed is the JSON-RPC error code a validator answers sendTransaction with
	// when the transaction fails preflight simulation.
	RPCCodeSimulationFailed = -32002
)

var (
	ErrNoPayer = errors.New("no payer configured")

	// ErrTransactionFailed is returned when the cluster rejected the transaction at preflight or
	// confirmed it with an error.
	ErrTransactionFailed = errors.New("transaction failed")
)

// TransactionError is a transaction the cluster executed and failed. Logs holds the program logs
// when the cluster returned them.
type TransactionError struct {
	Signature solana.Signature
	Preflight bool
	Err       any
	Logs      []string
}

func (e *TransactionError) Error() string {
	stage := "confirmed with error"
	if e.Preflight {
		stage = "rejected at preflight"
	}
	return fmt.Sprintf("%s: %s %s: %v", ErrTransactionFailed, e.Signature, stage, e.Err)
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransactionFailed
}

// simulationFailure converts a preflight rejection into a TransactionError carrying the simulated
// error and logs.
func simulationFailure(sig solana.Signature, err error) (*TransactionError, bool) {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != RPCCodeSimulationFailed {
		return nil, false
	}
	txErr := &TransactionError{Signature: sig, Preflight: true, Err: rpcErr.Message}
	data, ok := rpcErr.Data.(map[string]any)
	if !ok {
		return txErr, true
	}
	if e, ok := data["err"]; ok && e != nil {
		txErr.Err = e
	}
	switch logs := data["logs"].(type) {
	case []string:
		txErr.Logs = logs
	case []any:
		for _, l := range logs {
			if line, ok := l.(string); ok {
				txErr.Logs = append(txErr.Logs, line)
			}
		}
	}
	return txErr, true
}

type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error)
}

type Executor struct {
	log          *slog.Logger
	rpc          RPCClient
	payer        *solana.PrivateKey
	clock        clockwork.Clock
	pollInterval time.Duration
}

type Option func(*Executor)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Executor) {
		e.clock = clock
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(e *Executor) {
		e.pollInterval = interval
	}
}

func New(log *slog.Logger, rpc RPCClient, payer *solana.PrivateKey, opts ...Option) *Executor {
	e := &Executor{
		log:          log,
		rpc:          rpc,
		payer:        payer,
		clock:        clockwork.NewRealClock(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Payer returns the public key paying for every transaction.
func (e *Executor) Payer() solana.PublicKey {
	return e.payer.PublicKey()
}

// Execute submits instructions in one transaction signed by the payer and any extra signers, and
// blocks until the cluster confirms it. Confirmation is polled without a deadline.
func (e *Executor) Execute(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, *solanarpc.GetTransactionResult, error) {
	if e.payer == nil {
		return solana.Signature{}, nil, ErrNoPayer
	}

	blockhashResult, err := e.rpc.GetLatestBlockhash(ctx, solanarpc.CommitmentConfirmed)
	if err != nil {
		return solana.Signature{}, nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhashResult.Value.Blockhash,
		solana.TransactionPayer(e.payer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	keys := map[solana.PublicKey]*solana.PrivateKey{e.payer.PublicKey(): e.payer}
	for i := range signers {
		keys[signers[i].PublicKey()] = &signers[i]
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		return keys[key]
	})
	if err != nil {
		return solana.Signature{}, nil, fmt.Errorf("failed to sign transaction (likely missing signer): %w", err)
	}

	sig, err := e.rpc.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		if txErr, ok := simulationFailure(tx.Signatures[0], err); ok {
			metrics.Transactions.WithLabelValues(metrics.ResultFail).Inc()
			for _, line := range txErr.Logs {
				e.log.Debug("--> Program log", "sig", txErr.Signature, "line", line)
			}
			return solana.Signature{}, nil, txErr
		}
		return solana.Signature{}, nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	if err := e.waitForConfirmed(ctx, sig); err != nil {
		if errors.Is(err, ErrTransactionFailed) {
			metrics.Transactions.WithLabelValues(metrics.ResultFail).Inc()
		}
		return sig, nil, err
	}
	metrics.Transactions.WithLabelValues(metrics.ResultPass).Inc()

	res, err := e.waitForTransaction(ctx, sig)
	if err != nil {
		return sig, nil, err
	}
	return sig, res, nil
}

func (e *Executor) waitForConfirmed(ctx context.Context, sig solana.Signature) error {
	e.log.Debug("--> Waiting for transaction to be confirmed", "sig", sig)
	start := e.clock.Now()
	var txErr error
	err := poll.Forever(ctx, e.clock, e.pollInterval, func() (bool, error) {
		resp, err := e.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			e.log.Debug("--> Failed to get signature status, retrying", "sig", sig, "error", err)
			return false, nil
		}
		if resp == nil || len(resp.Value) == 0 || resp.Value[0] == nil {
			return false, nil
		}
		status := resp.Value[0]
		if status.Err != nil {
			txErr = &TransactionError{Signature: sig, Err: status.Err}
			return true, nil
		}
		switch status.ConfirmationStatus {
		case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("failed to wait for transaction %s: %w", sig, err)
	}
	if txErr != nil {
		return txErr
	}
	e.log.Debug("--> Transaction confirmed", "sig", sig, "duration", e.clock.Since(start))
	return nil
}

func (e *Executor) waitForTransaction(ctx context.Context, sig solana.Signature) (*solanarpc.GetTransactionResult, error) {
	var res *solanarpc.GetTransactionResult
	err := poll.Forever(ctx, e.clock, e.pollInterval, func() (bool, error) {
		tx, err := e.rpc.GetTransaction(ctx, sig, &solanarpc.GetTransactionOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: solanarpc.CommitmentConfirmed,
		})
		if err != nil {
			if !errors.Is(err, solanarpc.ErrNotFound) {
				e.log.Debug("--> Failed to get transaction, retrying", "sig", sig, "error", err)
			}
			return false, nil
		}
		if tx == nil || tx.Meta == nil {
			return false, nil
		}
		res = tx
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig, err)
	}
	return res, nil
}
