// Package activator builds instructions for the helper program that flips staged feature accounts
// into the active format.
package activator

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/near/borsh-go"
)

var (
	// ProgramID is the address the activator is deployed at in the test cluster.
	ProgramID = solana.MustPublicKeyFromBase58("CBMActivator1111111111111111111111111111111")
)

// ArtifactName is the file stem of the activator ELF in the artifact directory.
const ArtifactName = "cbm_program_activator"

type InstructionIndex uint8

const (
	ActivateFeatureInstructionIndex InstructionIndex = 0
)

type ActivateFeatureInstructionConfig struct {
	FeatureID solana.PublicKey
}

func (c *ActivateFeatureInstructionConfig) Validate() error {
	if c.FeatureID.IsZero() {
		return fmt.Errorf("feature id is required")
	}
	return nil
}

// BuildActivateFeatureInstruction returns the instruction that hands a staged feature account
// over to the feature program, pending activation at the next epoch boundary.
func BuildActivateFeatureInstruction(config ActivateFeatureInstructionConfig) (solana.Instruction, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	data, err := borsh.Serialize(struct {
		Discriminator uint8
	}{
		Discriminator: uint8(ActivateFeatureInstructionIndex),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize args: %w", err)
	}

	return &solana.GenericInstruction{
		ProgID: ProgramID,
		AccountValues: []*solana.AccountMeta{
			{PublicKey: config.FeatureID, IsSigner: false, IsWritable: true},
		},
		DataBytes: data,
	}, nil
}
