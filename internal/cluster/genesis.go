// Package cluster boots a single-node test validator seeded with the accounts a builtin to Core BPF
// migration needs.
package cluster

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/core-bpf-migration/internal/activator"
	"github.com/malbeclabs/core-bpf-migration/internal/artifact"
	"github.com/malbeclabs/core-bpf-migration/internal/loader"
)

// PayerLamports funds the payer account seeded into genesis.
const PayerLamports = 500 * solana.LAMPORTS_PER_SOL

var (
	ErrMissingSlotsPerEpoch = errors.New("slots per epoch is required")
	ErrDuplicateAccount     = errors.New("duplicate genesis account")
)

// MigrationTarget identifies one program migration staged into the cluster.
type MigrationTarget struct {
	FeatureID     solana.PublicKey
	BufferAddress solana.PublicKey
	ArtifactName  string
}

// Account is an account materialised into genesis.
type Account struct {
	Address    solana.PublicKey
	Lamports   uint64
	Owner      solana.PublicKey
	Executable bool
	Data       []byte
}

// UpgradeableProgram is deployed at genesis from the ELF at Path, with no upgrade authority.
type UpgradeableProgram struct {
	ProgramID solana.PublicKey
	Path      string
}

// Genesis declares the initial state of a test cluster.
type Genesis struct {
	SlotsPerEpoch       uint64
	Accounts            []Account
	UpgradeablePrograms []UpgradeableProgram
	DeactivateFeatures  []solana.PublicKey
}

func (g *Genesis) Validate() error {
	if g.SlotsPerEpoch == 0 {
		return ErrMissingSlotsPerEpoch
	}
	seen := make(map[solana.PublicKey]struct{}, len(g.Accounts)+len(g.UpgradeablePrograms))
	for _, a := range g.Accounts {
		if _, ok := seen[a.Address]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, a.Address)
		}
		seen[a.Address] = struct{}{}
	}
	for _, p := range g.UpgradeablePrograms {
		if _, ok := seen[p.ProgramID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, p.ProgramID)
		}
		if p.Path == "" {
			return fmt.Errorf("upgradeable program %s has no ELF path", p.ProgramID)
		}
		seen[p.ProgramID] = struct{}{}
	}
	return nil
}

// GenesisForTargets builds the genesis of a cluster in which every target is staged: its feature
// account is owned by the activator and deactivated, and its buffer holds the target's ELF read
// from store. The activator is deployed and payer is funded.
func GenesisForTargets(store *artifact.Store, slotsPerEpoch uint64, targets []MigrationTarget, payer solana.PublicKey) (*Genesis, error) {
	g := &Genesis{SlotsPerEpoch: slotsPerEpoch}

	for _, target := range targets {
		elf, err := store.Read(target.ArtifactName)
		if err != nil {
			return nil, fmt.Errorf("failed to read ELF for buffer %s: %w", target.BufferAddress, err)
		}
		buffer, err := BufferAccount(target.BufferAddress, elf)
		if err != nil {
			return nil, err
		}
		g.Accounts = append(g.Accounts, StagedFeatureAccount(target.FeatureID), buffer)
		g.DeactivateFeatures = append(g.DeactivateFeatures, target.FeatureID)
	}

	if !store.Exists(activator.ArtifactName) {
		return nil, fmt.Errorf("%w: %s", artifact.ErrArtifactNotFound, store.Path(activator.ArtifactName))
	}
	g.UpgradeablePrograms = append(g.UpgradeablePrograms, UpgradeableProgram{
		ProgramID: activator.ProgramID,
		Path:      store.Path(activator.ArtifactName),
	})

	g.Accounts = append(g.Accounts, Account{
		Address:  payer,
		Lamports: PayerLamports,
		Owner:    solana.SystemProgramID,
	})

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// StagedFeatureAccount returns a pending feature account owned by the activator, sized for the
// feature state and funded to rent exemption.
func StagedFeatureAccount(featureID solana.PublicKey) Account {
	return Account{
		Address:  featureID,
		Lamports: loader.MinimumBalanceForRentExemption(loader.FeatureSize),
		Owner:    activator.ProgramID,
		Data:     make([]byte, loader.FeatureSize),
	}
}

// BufferAccount returns an authority-less upgradeable loader buffer holding elf.
func BufferAccount(address solana.PublicKey, elf []byte) (Account, error) {
	data, err := loader.EncodeBuffer(nil, elf)
	if err != nil {
		return Account{}, fmt.Errorf("failed to encode buffer %s: %w", address, err)
	}
	return Account{
		Address:  address,
		Lamports: loader.MinimumBalanceForRentExemption(len(data)),
		Owner:    loader.UpgradeableLoaderProgramID,
		Data:     data,
	}, nil
}
