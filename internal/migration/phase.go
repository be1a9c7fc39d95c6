// Package migration observes and drives a builtin program through its migration to a Core BPF
// program loaded by the upgradeable loader.
package migration

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/core-bpf-migration/internal/loader"
)

type Phase int

const (
	BeforeMigration Phase = iota
	Staged
	AfterMigration
)

func (p Phase) String() string {
	switch p {
	case BeforeMigration:
		return "before-migration"
	case Staged:
		return "staged"
	case AfterMigration:
		return "after-migration"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var (
	ErrUnexpectedState = errors.New("unexpected program state")
)

// Account is the part of an on-chain account that decides the migration phase.
type Account struct {
	Owner solana.PublicKey
	Data  []byte
}

// Observation is a snapshot of the accounts involved in one program's migration. A nil account
// does not exist on chain.
type Observation struct {
	Program *Account
	Feature *Account

	// BuiltinAccountAbsent marks programs that have no native loader account before migration.
	BuiltinAccountAbsent bool

	ActivatorID solana.PublicKey
}

// Classify derives the migration phase from an observation.
func Classify(o Observation) (Phase, error) {
	if o.Program != nil && o.Program.Owner.Equals(loader.UpgradeableLoaderProgramID) {
		if _, err := loader.DecodeProgram(o.Program.Data); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrUnexpectedState, err)
		}
		return AfterMigration, nil
	}

	switch {
	case o.Program == nil && !o.BuiltinAccountAbsent:
		return 0, fmt.Errorf("%w: program account does not exist", ErrUnexpectedState)
	case o.Program != nil && !o.Program.Owner.Equals(loader.NativeLoaderProgramID):
		return 0, fmt.Errorf("%w: program account owned by %s", ErrUnexpectedState, o.Program.Owner)
	}

	if o.Feature == nil {
		return BeforeMigration, nil
	}
	switch {
	case o.Feature.Owner.Equals(o.ActivatorID):
		return Staged, nil
	case o.Feature.Owner.Equals(loader.FeatureProgramID):
		// Activation requested; the program is swapped at the next epoch boundary.
		return Staged, nil
	}
	return 0, fmt.Errorf("%w: feature account owned by %s", ErrUnexpectedState, o.Feature.Owner)
}
