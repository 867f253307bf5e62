// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

const preloadConcurrency = 4

// PreloadReport lists which preload collections were refreshed from the
// remote and which fell back to the cache.
type PreloadReport struct {
	Refreshed []string
	FromCache []string
}

// Preloader warms the cache with reference data at session start.
type Preloader struct {
	gateway     *Gateway
	conn        Connectivity
	collections []string
	logger      *slog.Logger
}

// Preload queries every preload collection for tenantID concurrently. It is
// best effort: one collection failing never affects the others, and nothing
// happens while offline.
func (p *Preloader) Preload(ctx context.Context, tenantID string) PreloadReport {
	var report PreloadReport
	if !p.conn.Online() || len(p.collections) == 0 {
		return report
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for _, name := range p.collections {
		g.Go(func() error {
			res, err := p.gateway.Query(gctx, name, QueryOptions{TenantID: tenantID})
			if err != nil {
				p.logger.Warn("Preload failed", "collection", name, "tenant_id", tenantID, "error", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if res.FromCache {
				report.FromCache = append(report.FromCache, name)
			} else {
				report.Refreshed = append(report.Refreshed, name)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(report.Refreshed)
	slices.Sort(report.FromCache)
	p.logger.Info("Preload finished", "tenant_id", tenantID,
		"refreshed", len(report.Refreshed), "from_cache", len(report.FromCache))
	return report
}
