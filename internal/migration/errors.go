package migration

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrPhaseRegressed is returned when a program is observed in an earlier phase than one
	// already observed.
	ErrPhaseRegressed = errors.New("migration phase regressed")
)

// AssertionError reports a program whose on-chain identity does not match the expected phase.
type AssertionError struct {
	ProgramID solana.PublicKey
	Expected  string
	Owner     *solana.PublicKey
	Reason    string
}

func (e *AssertionError) Error() string {
	owner := "<none>"
	if e.Owner != nil {
		owner = e.Owner.String()
	}
	msg := fmt.Sprintf("program %s is not a %s (owner %s)", e.ProgramID, e.Expected, owner)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
