package approval

import (
	"context"

	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
)

// Static answers every prompt with the same decision. It is meant for local
// development, where no consent UI is attached.
type Static struct {
	Decision Decision
}

// ApproveAll returns a Static that approves every prompt, disclosing accounts
func ApproveAll(accounts ...string) *Static {
	return &Static{Decision: Decision{Approved: true, Accounts: accounts}}
}

// RejectAll returns a Static that declines every prompt
func RejectAll() *Static {
	return &Static{}
}

func (s *Static) ApproveConnection(ctx context.Context, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Decision.Approved {
		return nil, apperrors.UserRejected("")
	}
	return types.CloneAccounts(s.Decision.Accounts), nil
}

func (s *Static) ApproveSignature(ctx context.Context, _ *types.SignRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Decision.Approved {
		return apperrors.UserRejected("")
	}
	return nil
}
