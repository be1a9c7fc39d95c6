package probe

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

type SuiteOptions struct {
	// Emit adds the return data probe to the write and burn pair.
	Emit bool
}

// RunSuite runs the write and burn probes against programID with fresh keys and payloads,
// stopping at the first failure.
func (p *Prober) RunSuite(ctx context.Context, programID solana.PublicKey, opts SuiteOptions) ([]Result, error) {
	p.log.Info("==> Running probes", "program", programID, "emit", opts.Emit)

	var results []Result
	write, err := p.Write(ctx, programID, payload())
	if err != nil {
		return results, err
	}
	results = append(results, *write)

	burn, err := p.Burn(ctx, programID)
	if err != nil {
		return results, err
	}
	results = append(results, *burn)

	if opts.Emit {
		emit, err := p.Emit(ctx, programID, payload())
		if err != nil {
			return results, err
		}
		results = append(results, *emit)
	}

	p.log.Info(fmt.Sprintf("--> %d probes passed", len(results)), "program", programID)
	return results, nil
}

// payload returns 32 fresh bytes.
func payload() []byte {
	return solana.NewWallet().PublicKey().Bytes()
}
