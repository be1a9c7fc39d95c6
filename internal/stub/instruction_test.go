package stub_test

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/core-bpf-migration/internal/loader"
	"github.com/malbeclabs/core-bpf-migration/internal/stub"
	"github.com/stretchr/testify/require"
)

func TestStub_BuildWriteInstruction(t *testing.T) {
	t.Parallel()

	programID := solana.NewWallet().PublicKey()
	target := solana.NewWallet().PublicKey()
	payer := solana.NewWallet().PublicKey()
	payload := []byte{9, 8, 7, 6}

	ix, err := stub.BuildWriteInstruction(programID, stub.WriteInstructionConfig{
		Target: target,
		Payer:  payer,
		Data:   payload,
	})
	require.NoError(t, err)
	require.Equal(t, programID, ix.ProgramID())

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 9, 8, 7, 6}, data)

	accounts := ix.Accounts()
	require.Len(t, accounts, 3)
	require.Equal(t, target, accounts[0].PublicKey)
	require.True(t, accounts[0].IsSigner)
	require.True(t, accounts[0].IsWritable)
	require.Equal(t, payer, accounts[1].PublicKey)
	require.True(t, accounts[1].IsSigner)
	require.Equal(t, solana.SystemProgramID, accounts[2].PublicKey)
	require.False(t, accounts[2].IsWritable)
}

func TestStub_BuildWriteInstruction_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config stub.WriteInstructionConfig
		want   string
	}{
		{
			name:   "missing target",
			config: stub.WriteInstructionConfig{Payer: solana.NewWallet().PublicKey(), Data: []byte{1}},
			want:   "target public key is required",
		},
		{
			name:   "missing payer",
			config: stub.WriteInstructionConfig{Target: solana.NewWallet().PublicKey(), Data: []byte{1}},
			want:   "payer public key is required",
		},
		{
			name:   "missing data",
			config: stub.WriteInstructionConfig{Target: solana.NewWallet().PublicKey(), Payer: solana.NewWallet().PublicKey()},
			want:   "data is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := stub.BuildWriteInstruction(stub.ProgramID, tt.config)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestStub_BuildEmitInstruction(t *testing.T) {
	t.Parallel()

	ix, err := stub.BuildEmitInstruction(stub.ProgramID, []byte("hello"))
	require.NoError(t, err)
	require.Empty(t, ix.Accounts())

	data, err := ix.Data()
	require.NoError(t, err)

	index, payload, err := stub.Decode(data)
	require.NoError(t, err)
	require.Equal(t, stub.EmitInstructionIndex, index)
	require.Equal(t, []byte("hello"), payload)
}

func TestStub_BuildBurnInstruction(t *testing.T) {
	t.Parallel()

	target := solana.NewWallet().PublicKey()
	ix, err := stub.BuildBurnInstruction(stub.ProgramID, stub.BurnInstructionConfig{Target: target})
	require.NoError(t, err)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, []byte{2}, data)

	accounts := ix.Accounts()
	require.Len(t, accounts, 3)
	require.Equal(t, target, accounts[0].PublicKey)
	require.True(t, accounts[0].IsSigner)
	require.Equal(t, loader.IncineratorID, accounts[1].PublicKey)
	require.True(t, accounts[1].IsWritable)
	require.Equal(t, solana.SystemProgramID, accounts[2].PublicKey)
}

func TestStub_Decode_Unknown(t *testing.T) {
	t.Parallel()

	_, _, err := stub.Decode([]byte{7})
	require.ErrorContains(t, err, "unknown instruction index 7")

	_, _, err = stub.Decode(nil)
	require.Error(t, err)
}
