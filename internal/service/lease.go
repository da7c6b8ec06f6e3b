package service

import (
	"context"
	"fmt"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
)

// acquireLease takes the lease of one entity for an operator action. A nil
// locker means there is nobody to race with.
func acquireLease(ctx context.Context, locker repository.Locker, kind string, id int64) (func(), error) {
	if locker == nil {
		return func() {}, nil
	}
	release, ok, err := locker.TryLock(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("lease %s %d: %w", kind, id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %d", ErrEntityBusy, kind, id)
	}
	return release, nil
}
