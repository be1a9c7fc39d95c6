// Package probe runs the stub program probes that must behave identically before and after a
// program is migrated.
package probe

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/core-bpf-migration/internal/executor"
	"github.com/malbeclabs/core-bpf-migration/internal/metrics"
	"github.com/malbeclabs/core-bpf-migration/internal/stub"
)

const (
	NameWrite = "write"
	NameBurn  = "burn"
	NameEmit  = "emit"

	// BurnFundingLamports is transferred to the burn target before it is burned.
	BurnFundingLamports = 100_000_000

	returnLogPrefix = "Program return: "
)

type RPCClient interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
}

type Executor interface {
	Execute(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, *solanarpc.GetTransactionResult, error)
	Payer() solana.PublicKey
}

// Failure reports a probe whose transaction failed or whose post-condition did not hold.
type Failure struct {
	Probe     string
	ProgramID solana.PublicKey
	Target    solana.PublicKey
	Reason    string
	Err       error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s probe against %s failed: %s", f.Probe, f.ProgramID, f.Reason)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is a probe that passed.
type Result struct {
	Probe     string
	Target    solana.PublicKey
	Signature solana.Signature
}

type Prober struct {
	log  *slog.Logger
	rpc  RPCClient
	exec Executor
}

func New(log *slog.Logger, rpc RPCClient, exec Executor) *Prober {
	return &Prober{
		log:  log.With("component", "probe"),
		rpc:  rpc,
		exec: exec,
	}
}

// Write has programID create a fresh account holding data, then checks the account is owned by
// programID and holds exactly data.
func (p *Prober) Write(ctx context.Context, programID solana.PublicKey, data []byte) (*Result, error) {
	target := solana.NewWallet()
	ix, err := stub.BuildWriteInstruction(programID, stub.WriteInstructionConfig{
		Target: target.PublicKey(),
		Payer:  p.exec.Payer(),
		Data:   data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build write instruction: %w", err)
	}
	sig, _, err := p.exec.Execute(ctx, []solana.Instruction{ix}, target.PrivateKey)
	if err != nil {
		return nil, p.transactionFailed(NameWrite, programID, target.PublicKey(), err)
	}

	acct, err := p.account(ctx, target.PublicKey())
	if err != nil {
		return nil, err
	}
	switch {
	case acct == nil:
		return nil, p.failed(NameWrite, programID, target.PublicKey(), "target account does not exist")
	case !acct.Owner.Equals(programID):
		return nil, p.failed(NameWrite, programID, target.PublicKey(), fmt.Sprintf("target owned by %s", acct.Owner))
	case !bytes.Equal(accountData(acct), data):
		return nil, p.failed(NameWrite, programID, target.PublicKey(), fmt.Sprintf("target holds %x, want %x", accountData(acct), data))
	}
	return p.passed(NameWrite, target.PublicKey(), sig), nil
}

// Burn funds a fresh account and has programID burn it, then checks the account no longer exists.
func (p *Prober) Burn(ctx context.Context, programID solana.PublicKey) (*Result, error) {
	target := solana.NewWallet()
	fund := system.NewTransferInstruction(BurnFundingLamports, p.exec.Payer(), target.PublicKey()).Build()
	ix, err := stub.BuildBurnInstruction(programID, stub.BurnInstructionConfig{Target: target.PublicKey()})
	if err != nil {
		return nil, fmt.Errorf("failed to build burn instruction: %w", err)
	}
	sig, _, err := p.exec.Execute(ctx, []solana.Instruction{fund, ix}, target.PrivateKey)
	if err != nil {
		return nil, p.transactionFailed(NameBurn, programID, target.PublicKey(), err)
	}

	acct, err := p.account(ctx, target.PublicKey())
	if err != nil {
		return nil, err
	}
	if acct != nil {
		return nil, p.failed(NameBurn, programID, target.PublicKey(), fmt.Sprintf("target still holds %d lamports", acct.Lamports))
	}
	return p.passed(NameBurn, target.PublicKey(), sig), nil
}

// Emit has programID set data as return data, then checks the transaction logs carry it.
func (p *Prober) Emit(ctx context.Context, programID solana.PublicKey, data []byte) (*Result, error) {
	ix, err := stub.BuildEmitInstruction(programID, data)
	if err != nil {
		return nil, fmt.Errorf("failed to build emit instruction: %w", err)
	}
	sig, res, err := p.exec.Execute(ctx, []solana.Instruction{ix})
	if err != nil {
		return nil, p.transactionFailed(NameEmit, programID, solana.PublicKey{}, err)
	}
	var logs []string
	if res != nil && res.Meta != nil {
		logs = res.Meta.LogMessages
	}
	got, ok := ReturnData(logs, programID)
	if !ok {
		return nil, p.failed(NameEmit, programID, solana.PublicKey{}, "transaction carries no return data")
	}
	if !bytes.Equal(got, data) {
		return nil, p.failed(NameEmit, programID, solana.PublicKey{}, fmt.Sprintf("return data %x, want %x", got, data))
	}
	return p.passed(NameEmit, solana.PublicKey{}, sig), nil
}

// ReturnData extracts the last return data programID set from transaction logs.
func ReturnData(logs []string, programID solana.PublicKey) ([]byte, bool) {
	prefix := returnLogPrefix + programID.String() + " "
	for i := len(logs) - 1; i >= 0; i-- {
		encoded, ok := strings.CutPrefix(logs[i], prefix)
		if !ok {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, false
		}
		return data, true
	}
	return nil, false
}

func (p *Prober) account(ctx context.Context, address solana.PublicKey) (*solanarpc.Account, error) {
	res, err := p.rpc.GetAccountInfoWithOpts(ctx, address, &solanarpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	if res == nil || res.Value == nil || res.Value.Lamports == 0 {
		return nil, nil
	}
	return res.Value, nil
}

func accountData(acct *solanarpc.Account) []byte {
	if acct.Data == nil {
		return nil
	}
	return acct.Data.GetBinary()
}

func (p *Prober) transactionFailed(probe string, programID, target solana.PublicKey, err error) error {
	if !errors.Is(err, executor.ErrTransactionFailed) {
		return fmt.Errorf("failed to run %s probe: %w", probe, err)
	}
	return p.failed(probe, programID, target, "transaction failed", err)
}

func (p *Prober) failed(probe string, programID, target solana.PublicKey, reason string, errs ...error) error {
	metrics.Probes.WithLabelValues(probe, metrics.ResultFail).Inc()
	metrics.Errors.WithLabelValues(metrics.ErrorTypeProbe).Inc()
	f := &Failure{Probe: probe, ProgramID: programID, Target: target, Reason: reason}
	if len(errs) > 0 {
		f.Err = errs[0]
	}
	return f
}

func (p *Prober) passed(probe string, target solana.PublicKey, sig solana.Signature) *Result {
	metrics.Probes.WithLabelValues(probe, metrics.ResultPass).Inc()
	p.log.Debug("--> Probe passed", "probe", probe, "target", target, "sig", sig)
	return &Result{Probe: probe, Target: target, Signature: sig}
}
