package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/core-bpf-migration/internal/activator"
	"github.com/malbeclabs/core-bpf-migration/internal/loader"
	"github.com/malbeclabs/core-bpf-migration/internal/metrics"
)

type RPCClient interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
}

type Executor interface {
	Execute(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, *solanarpc.GetTransactionResult, error)
}

type Synchronizer interface {
	WaitForNextSlot(ctx context.Context) (uint64, error)
	WaitForNextEpoch(ctx context.Context) (uint64, error)
}

// Target is the program a Machine migrates.
type Target struct {
	Name                 string
	ProgramID            solana.PublicKey
	FeatureID            solana.PublicKey
	BuiltinAccountAbsent bool
}

type Machine struct {
	log    *slog.Logger
	rpc    RPCClient
	exec   Executor
	sync   Synchronizer
	target Target

	highest  Phase
	observed bool
}

func New(log *slog.Logger, rpc RPCClient, exec Executor, sync Synchronizer, target Target) *Machine {
	return &Machine{
		log:    log.With("component", "migration", "program", target.Name),
		rpc:    rpc,
		exec:   exec,
		sync:   sync,
		target: target,
	}
}

// Observe reads the program and feature accounts and classifies the current phase. A phase
// earlier than one previously observed fails with ErrPhaseRegressed.
func (m *Machine) Observe(ctx context.Context) (Phase, error) {
	program, err := m.account(ctx, m.target.ProgramID)
	if err != nil {
		return 0, err
	}
	feature, err := m.account(ctx, m.target.FeatureID)
	if err != nil {
		return 0, err
	}
	phase, err := Classify(Observation{
		Program:              program,
		Feature:              feature,
		BuiltinAccountAbsent: m.target.BuiltinAccountAbsent,
		ActivatorID:          activator.ProgramID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to classify %s: %w", m.target.ProgramID, err)
	}
	if m.observed && phase < m.highest {
		return phase, fmt.Errorf("%w: observed %s after %s", ErrPhaseRegressed, phase, m.highest)
	}
	m.highest = max(m.highest, phase)
	m.observed = true
	metrics.Phase.WithLabelValues(m.target.Name).Set(float64(phase))
	m.log.Debug("--> Observed migration phase", "phase", phase)
	return phase, nil
}

// AssertIsBuiltin fails with *AssertionError unless programID is owned by the native loader.
func (m *Machine) AssertIsBuiltin(ctx context.Context, programID solana.PublicKey) error {
	acct, err := m.account(ctx, programID)
	if err != nil {
		return err
	}
	if acct == nil {
		return m.assertionFailed(programID, "builtin", nil, "account does not exist")
	}
	if !acct.Owner.Equals(loader.NativeLoaderProgramID) {
		return m.assertionFailed(programID, "builtin", &acct.Owner, "")
	}
	return nil
}

// AssertIsLoadedProgram fails with *AssertionError unless programID is a Program account of the
// upgradeable loader.
func (m *Machine) AssertIsLoadedProgram(ctx context.Context, programID solana.PublicKey) error {
	acct, err := m.account(ctx, programID)
	if err != nil {
		return err
	}
	if acct == nil {
		return m.assertionFailed(programID, "loaded program", nil, "account does not exist")
	}
	if !acct.Owner.Equals(loader.UpgradeableLoaderProgramID) {
		return m.assertionFailed(programID, "loaded program", &acct.Owner, "")
	}
	if _, err := loader.DecodeProgram(acct.Data); err != nil {
		return m.assertionFailed(programID, "loaded program", &acct.Owner, err.Error())
	}
	return nil
}

func (m *Machine) assertionFailed(programID solana.PublicKey, expected string, owner *solana.PublicKey, reason string) error {
	metrics.Errors.WithLabelValues(metrics.ErrorTypeAssertion).Inc()
	return &AssertionError{ProgramID: programID, Expected: expected, Owner: owner, Reason: reason}
}

// Activate submits the activator instruction for the target's feature.
func (m *Machine) Activate(ctx context.Context) (solana.Signature, error) {
	ix, err := activator.BuildActivateFeatureInstruction(activator.ActivateFeatureInstructionConfig{
		FeatureID: m.target.FeatureID,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build activation instruction: %w", err)
	}
	m.log.Info("==> Activating feature", "feature", m.target.FeatureID)
	sig, _, err := m.exec.Execute(ctx, []solana.Instruction{ix})
	if err != nil {
		return sig, fmt.Errorf("failed to activate feature %s: %w", m.target.FeatureID, err)
	}
	m.log.Info("--> Feature activation confirmed", "sig", sig)
	return sig, nil
}

// Result records where a migration landed.
type Result struct {
	Signature solana.Signature
	Epoch     uint64
	Slot      uint64
}

// Migrate activates the feature, waits for the epoch boundary at which the runtime swaps the
// program and one slot more, then asserts the program is loaded.
func (m *Machine) Migrate(ctx context.Context) (*Result, error) {
	sig, err := m.Activate(ctx)
	if err != nil {
		return nil, err
	}
	epoch, err := m.sync.WaitForNextEpoch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for migration epoch: %w", err)
	}
	slot, err := m.sync.WaitForNextSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for slot after migration: %w", err)
	}
	if err := m.AssertIsLoadedProgram(ctx, m.target.ProgramID); err != nil {
		return nil, err
	}
	phase, err := m.Observe(ctx)
	if err != nil {
		return nil, err
	}
	if phase != AfterMigration {
		return nil, fmt.Errorf("%w: program is loaded but phase is %s", ErrUnexpectedState, phase)
	}
	m.log.Info("--> Program migrated", "epoch", epoch, "slot", slot)
	return &Result{Signature: sig, Epoch: epoch, Slot: slot}, nil
}

// FeatureStatus decodes the target's feature account once it is owned by the feature program.
func (m *Machine) FeatureStatus(ctx context.Context) (*loader.Feature, error) {
	acct, err := m.account(ctx, m.target.FeatureID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: feature %s does not exist", ErrUnexpectedState, m.target.FeatureID)
	}
	if !acct.Owner.Equals(loader.FeatureProgramID) {
		return nil, fmt.Errorf("%w: feature %s is owned by %s", loader.ErrInvalidFeature, m.target.FeatureID, acct.Owner)
	}
	f, err := loader.DecodeFeature(acct.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode feature %s: %w", m.target.FeatureID, err)
	}
	return f, nil
}

func (m *Machine) account(ctx context.Context, address solana.PublicKey) (*Account, error) {
	res, err := m.rpc.GetAccountInfoWithOpts(ctx, address, &solanarpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, nil
		}
		metrics.Errors.WithLabelValues(metrics.ErrorTypeRPC).Inc()
		return nil, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	if res == nil || res.Value == nil {
		return nil, nil
	}
	acct := &Account{Owner: res.Value.Owner}
	if res.Value.Data != nil {
		acct.Data = res.Value.Data.GetBinary()
	}
	return acct, nil
}
