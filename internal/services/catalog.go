package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/patrickmn/go-cache"
)

// ModelLister is implemented by every transport that can list the models it serves.
type ModelLister interface {
	Models(ctx context.Context) ([]models.ModelOption, error)
}

// Catalog caches the model list of a provider. A failed refresh serves the last list that was fetched
// successfully.
type Catalog struct {
	lister ModelLister
	cache  *cache.Cache

	mu        sync.Mutex
	lastKnown []models.ModelOption

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	modelsCacheKey = "models"
)

// NewCatalog creates a Catalog that keeps the listed models for ttl.
func NewCatalog(lister ModelLister, ttl time.Duration, logger *slog.Logger) *Catalog {
	return &Catalog{
		lister: lister,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger.With(slog.String("module", "catalog")),
	}
}

// Models returns the cached model list, fetching it when the cache is empty or expired.
func (c *Catalog) Models(ctx context.Context) ([]models.ModelOption, error) {
	if v, ok := c.cache.Get(modelsCacheKey); ok {
		opts, _ := v.([]models.ModelOption)
		return opts, nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches the model list regardless of the cache.
func (c *Catalog) Refresh(ctx context.Context) ([]models.ModelOption, error) {
	opts, err := c.lister.Models(ctx)
	if err != nil {
		c.mu.Lock()
		stale := c.lastKnown
		c.mu.Unlock()
		if stale != nil {
			c.logger.Warn("Failed to refresh models, serving stale list", slog.String(errLoggerKey, err.Error()))
			return stale, nil
		}
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	c.cache.Set(modelsCacheKey, opts, cache.DefaultExpiration)
	c.mu.Lock()
	c.lastKnown = opts
	c.mu.Unlock()

	return opts, nil
}
