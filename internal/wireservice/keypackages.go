package wireservice

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gwillem/wire-go/internal/mls"
)

const defaultKeyPackageBatch = 100

// keyPackageTopUp keeps the backend stocked with this client's key
// packages.
type keyPackageTopUp struct {
	engine   mls.Engine
	gateway  Gateway
	clientID string
	suite    mls.CipherSuite
	batch    int
	logger   zerolog.Logger
}

// run uploads a fresh batch when the engine reports a low supply or the
// backend holds none.
func (k *keyPackageTopUp) run(ctx context.Context) error {
	low, err := k.engine.LowKeyPackageSupply(ctx)
	if err != nil {
		return fmt.Errorf("key packages: supply: %w", err)
	}
	if !low {
		n, err := k.gateway.CountKeyPackages(ctx, k.clientID, k.suite)
		if err != nil {
			return fmt.Errorf("key packages: count: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
	batch := k.batch
	if batch <= 0 {
		batch = defaultKeyPackageBatch
	}
	kps, err := k.engine.GenerateKeyPackages(ctx, batch)
	if err != nil {
		return fmt.Errorf("key packages: generate: %w", err)
	}
	if err := k.gateway.UploadKeyPackages(ctx, k.clientID, kps); err != nil {
		return fmt.Errorf("key packages: upload: %w", err)
	}
	k.logger.Info().Int("count", len(kps)).Msg("uploaded key packages")
	return nil
}
