// Package stub builds instructions for the deterministic stub program interface that every
// migrated program is probed with.
package stub

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/core-bpf-migration/internal/loader"
	"github.com/near/borsh-go"
)

var (
	// ProgramID is the address the stub program is declared at when deployed on its own.
	ProgramID = solana.MustPublicKeyFromBase58("CBMStub111111111111111111111111111111111111")
)

// ArtifactName is the file stem of the stub ELF in the artifact directory.
const ArtifactName = "cbm_program_stub"

type InstructionIndex uint8

const (
	WriteInstructionIndex InstructionIndex = 0
	EmitInstructionIndex  InstructionIndex = 1
	BurnInstructionIndex  InstructionIndex = 2
)

type WriteInstructionConfig struct {
	Target solana.PublicKey
	Payer  solana.PublicKey
	Data   []byte
}

func (c *WriteInstructionConfig) Validate() error {
	if c.Target.IsZero() {
		return fmt.Errorf("target public key is required")
	}
	if c.Payer.IsZero() {
		return fmt.Errorf("payer public key is required")
	}
	if len(c.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	return nil
}

// BuildWriteInstruction returns an instruction that funds target to rent exemption, allocates it,
// assigns it to programID and writes the configured data into it.
func BuildWriteInstruction(programID solana.PublicKey, config WriteInstructionConfig) (solana.Instruction, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	data, err := encode(WriteInstructionIndex, config.Data)
	if err != nil {
		return nil, err
	}
	return &solana.GenericInstruction{
		ProgID: programID,
		AccountValues: []*solana.AccountMeta{
			{PublicKey: config.Target, IsSigner: true, IsWritable: true},
			{PublicKey: config.Payer, IsSigner: true, IsWritable: true},
			{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		},
		DataBytes: data,
	}, nil
}

// BuildEmitInstruction returns an instruction that sets data as the transaction's return data.
func BuildEmitInstruction(programID solana.PublicKey, data []byte) (solana.Instruction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("failed to validate config: data is required")
	}
	encoded, err := encode(EmitInstructionIndex, data)
	if err != nil {
		return nil, err
	}
	return &solana.GenericInstruction{
		ProgID:        programID,
		AccountValues: []*solana.AccountMeta{},
		DataBytes:     encoded,
	}, nil
}

type BurnInstructionConfig struct {
	Target solana.PublicKey
}

func (c *BurnInstructionConfig) Validate() error {
	if c.Target.IsZero() {
		return fmt.Errorf("target public key is required")
	}
	return nil
}

// BuildBurnInstruction returns an instruction that moves every lamport of target to the
// incinerator, closing the account.
func BuildBurnInstruction(programID solana.PublicKey, config BurnInstructionConfig) (solana.Instruction, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	data, err := encode(BurnInstructionIndex, nil)
	if err != nil {
		return nil, err
	}
	return &solana.GenericInstruction{
		ProgID: programID,
		AccountValues: []*solana.AccountMeta{
			{PublicKey: config.Target, IsSigner: true, IsWritable: true},
			{PublicKey: loader.IncineratorID, IsSigner: false, IsWritable: true},
			{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		},
		DataBytes: data,
	}, nil
}

// encode writes the discriminator followed by payload as raw bytes, with no length prefix.
func encode(index InstructionIndex, payload []byte) ([]byte, error) {
	data, err := borsh.Serialize(struct {
		Discriminator uint8
	}{
		Discriminator: uint8(index),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize args: %w", err)
	}
	return append(data, payload...), nil
}

// Decode splits instruction data into its index and payload.
func Decode(data []byte) (InstructionIndex, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty instruction data")
	}
	index := InstructionIndex(data[0])
	switch index {
	case WriteInstructionIndex, EmitInstructionIndex, BurnInstructionIndex:
		return index, data[1:], nil
	}
	return 0, nil, fmt.Errorf("unknown instruction index %d", data[0])
}
