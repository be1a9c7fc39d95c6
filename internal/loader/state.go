package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Upgradeable loader account state discriminants.
const (
	StateUninitialized uint32 = 0
	StateBuffer        uint32 = 1
	StateProgram       uint32 = 2
	StateProgramData   uint32 = 3
)

const (
	// BufferMetadataSize is the size of the Buffer header: enum tag, option tag and authority.
	BufferMetadataSize = 4 + 1 + solana.PublicKeyLength

	// ProgramSize is the size of a Program account: enum tag and program data address.
	ProgramSize = 4 + solana.PublicKeyLength

	// ProgramDataMetadataSize is the size of the ProgramData header: enum tag, deployment slot,
	// option tag and upgrade authority.
	ProgramDataMetadataSize = 4 + 8 + 1 + solana.PublicKeyLength

	// FeatureSize is the serialized size of a feature account: option tag and activation slot.
	FeatureSize = 1 + 8
)

var (
	ErrInvalidBuffer  = errors.New("invalid buffer account")
	ErrInvalidProgram = errors.New("invalid program account")
	ErrInvalidFeature = errors.New("invalid feature account")
)

// EncodeBuffer returns the data of a buffer account holding elf, with the authority unset or set to
// authority when non-nil.
func EncodeBuffer(authority *solana.PublicKey, elf []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint32(StateBuffer, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to write state: %w", err)
	}
	if err := writeOptionalPubkey(enc, authority); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(elf, false); err != nil {
		return nil, fmt.Errorf("failed to write elf: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBuffer splits buffer account data into its authority and the program bytes that follow
// the metadata header.
func DecodeBuffer(data []byte) (*solana.PublicKey, []byte, error) {
	if len(data) < BufferMetadataSize {
		return nil, nil, fmt.Errorf("%w: %d bytes is smaller than the %d byte header", ErrInvalidBuffer, len(data), BufferMetadataSize)
	}
	dec := bin.NewBinDecoder(data)
	state, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidBuffer, err)
	}
	if state != StateBuffer {
		return nil, nil, fmt.Errorf("%w: unexpected state %d", ErrInvalidBuffer, state)
	}
	authority, err := readOptionalPubkey(dec)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidBuffer, err)
	}
	return authority, data[BufferMetadataSize:], nil
}

// DecodeProgram returns the program data address stored in a Program account.
func DecodeProgram(data []byte) (solana.PublicKey, error) {
	if len(data) < ProgramSize {
		return solana.PublicKey{}, fmt.Errorf("%w: %d bytes", ErrInvalidProgram, len(data))
	}
	dec := bin.NewBinDecoder(data)
	state, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %w", ErrInvalidProgram, err)
	}
	if state != StateProgram {
		return solana.PublicKey{}, fmt.Errorf("%w: unexpected state %d", ErrInvalidProgram, state)
	}
	raw, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %w", ErrInvalidProgram, err)
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// EncodeProgram returns the data of a Program account pointing at programData.
func EncodeProgram(programData solana.PublicKey) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint32(StateProgram, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(programData[:], false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeProgramData returns the data of a ProgramData account deployed at slot holding elf.
func EncodeProgramData(slot uint64, authority *solana.PublicKey, elf []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint32(StateProgramData, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(slot, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := writeOptionalPubkey(enc, authority); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(elf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ProgramDataAddress derives the ProgramData account of programID.
func ProgramDataAddress(programID solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{programID[:]}, UpgradeableLoaderProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive program data address: %w", err)
	}
	return addr, nil
}

// Feature is the state of a feature account. ActivatedAt is nil while activation is pending.
type Feature struct {
	ActivatedAt *uint64
}

// EncodeFeature returns the fixed-size serialization of f. A pending feature is padded with
// zeroes to FeatureSize so the account is sized for its activated form.
func EncodeFeature(f Feature) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBool(f.ActivatedAt != nil); err != nil {
		return nil, err
	}
	var slot uint64
	if f.ActivatedAt != nil {
		slot = *f.ActivatedAt
	}
	if err := enc.WriteUint64(slot, binary.LittleEndian); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeFeature(data []byte) (*Feature, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFeature)
	}
	dec := bin.NewBinDecoder(data)
	activated, err := dec.ReadBool()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFeature, err)
	}
	if !activated {
		return &Feature{}, nil
	}
	slot, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFeature, err)
	}
	return &Feature{ActivatedAt: &slot}, nil
}

func writeOptionalPubkey(enc *bin.Encoder, key *solana.PublicKey) error {
	if key == nil {
		if err := enc.WriteBool(false); err != nil {
			return err
		}
		return enc.WriteBytes(make([]byte, solana.PublicKeyLength), false)
	}
	if err := enc.WriteBool(true); err != nil {
		return err
	}
	return enc.WriteBytes(key[:], false)
}

func readOptionalPubkey(dec *bin.Decoder) (*solana.PublicKey, error) {
	set, err := dec.ReadBool()
	if err != nil {
		return nil, err
	}
	raw, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, err
	}
	if !set {
		return nil, nil
	}
	key := solana.PublicKeyFromBytes(raw)
	return &key, nil
}
