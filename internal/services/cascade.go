// Package services implements the business operations of the panel:
// the connect gate, the cascading block controller, and the
// administrative operations behind the admin API.
package services

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keypanel/internal/infrastructure"
	"keypanel/internal/store"
)

// CascadeController owns the partition membership of access-key
// records. Blocking a principal relocates every active access key they
// own into the blocked partition in one store operation; unblocking is
// the inverse relocation. A principal's records never straddle both
// partitions.
type CascadeController struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *infrastructure.PanelMetrics
}

// NewCascadeController creates the cascade controller.
func NewCascadeController(st *store.Store, logger *slog.Logger, metrics *infrastructure.PanelMetrics) *CascadeController {
	if logger == nil {
		logger = slog.Default()
	}
	return &CascadeController{
		store:   st,
		logger:  logger.With(slog.String("component", "cascade")),
		metrics: metrics,
	}
}

// BlockPrincipal relocates every active access key owned by p into the
// blocked partition. Zero moved records means there was nothing to
// block; that is a no-op, not an error.
func (c *CascadeController) BlockPrincipal(ctx context.Context, p string) (int, error) {
	moved, err := c.store.RelocateOwner(p, store.PartitionActive, store.PartitionBlocked)
	if err != nil {
		return 0, err
	}
	c.record(ctx, "block")
	c.logger.InfoContext(ctx, "principal blocked",
		slog.String("principal", p),
		slog.Int("moved", moved),
	)
	return moved, nil
}

// UnblockPrincipal is the inverse relocation, restoring the records
// exactly as they were before the block.
func (c *CascadeController) UnblockPrincipal(ctx context.Context, p string) (int, error) {
	moved, err := c.store.RelocateOwner(p, store.PartitionBlocked, store.PartitionActive)
	if err != nil {
		return 0, err
	}
	c.record(ctx, "unblock")
	c.logger.InfoContext(ctx, "principal unblocked",
		slog.String("principal", p),
		slog.Int("moved", moved),
	)
	return moved, nil
}

// DeletePrincipal removes every license key owned by p and every
// access key of theirs in both partitions, then runs the unblock
// cleanup. The cleanup is idempotent; with nothing left to relocate it
// is a no-op.
func (c *CascadeController) DeletePrincipal(ctx context.Context, p string) (int, int, error) {
	nLicense, nAccess, err := c.store.DeleteOwner(p)
	if err != nil {
		return 0, 0, err
	}
	if _, err := c.store.RelocateOwner(p, store.PartitionBlocked, store.PartitionActive); err != nil {
		return 0, 0, err
	}
	c.record(ctx, "delete")
	c.logger.InfoContext(ctx, "principal deleted",
		slog.String("principal", p),
		slog.Int("license_keys", nLicense),
		slog.Int("access_keys", nAccess),
	)
	return nLicense, nAccess, nil
}

func (c *CascadeController) record(ctx context.Context, kind string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CascadeOps.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
