package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/core-bpf-migration/internal/loader"
)

var (
	ErrAccountNotFound = errors.New("account not found")
)

type AccountReader interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
}

// CloneBufferELF fetches the upgradeable loader buffer at address and returns the ELF it holds.
func CloneBufferELF(ctx context.Context, rpc AccountReader, address solana.PublicKey) ([]byte, error) {
	res, err := rpc.GetAccountInfoWithOpts(ctx, address, &solanarpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("failed to get buffer account %s: %w", address, err)
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if !res.Value.Owner.Equals(loader.UpgradeableLoaderProgramID) {
		return nil, fmt.Errorf("%w: %s is owned by %s", loader.ErrInvalidBuffer, address, res.Value.Owner)
	}
	var data []byte
	if res.Value.Data != nil {
		data = res.Value.Data.GetBinary()
	}
	_, elf, err := loader.DecodeBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode buffer %s: %w", address, err)
	}
	if len(elf) == 0 {
		return nil, fmt.Errorf("%w: %s holds no program", loader.ErrInvalidBuffer, address)
	}
	return elf, nil
}
