package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// Migrate copies every live entry from src to dst, preserving creation times.
// This works for:
// - Embedded -> Remote (The "Upgrade")
// - Remote -> Embedded (The "Backup/Offline")
func Migrate(ctx context.Context, src, dst sdk.EnumerableStore) (int, error) {
	keys, err := src.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list keys: %w", err)
	}

	copied := 0
	for _, k := range keys {
		e, err := src.Entry(ctx, k)
		if errors.Is(err, sdk.ErrKeyNotFound) {
			continue // removed since Keys
		}
		if err != nil {
			return copied, fmt.Errorf("failed to read key %s: %w", k, err)
		}
		if err := dst.Put(ctx, e); err != nil {
			return copied, fmt.Errorf("failed to set key %s in destination: %w", k, err)
		}
		copied++
	}
	return copied, nil
}
