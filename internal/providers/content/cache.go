package content

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache keeps what another Downloader returns on local disk. Concurrent
// misses for one address share a single upstream download.
type Cache struct {
	upstream Downloader
	blobs    *blobDir
	group    singleflight.Group
	logger   *zap.Logger
}

// NewCache caches upstream in dir
func NewCache(dir string, upstream Downloader, logger *zap.Logger) (*Cache, error) {
	blobs, err := openBlobDir(dir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{upstream: upstream, blobs: blobs, logger: logger.Named("cache")}, nil
}

// Download serves address from disk, falling back to upstream. Only local
// addresses are cached, and only bytes that hash to their address are
// stored or served. Other addresses pass through to upstream.
func (c *Cache) Download(ctx context.Context, address string) ([]byte, error) {
	raw, err := decodeAddress(address)
	if err != nil {
		return nil, err
	}
	if kindOf(raw) != kindLocal {
		return c.upstream.Download(ctx, address)
	}

	if data, err := c.blobs.get(address); err == nil {
		if Verify(address, data) == nil {
			return data, nil
		}
		c.logger.Warn("Cached object is corrupt, fetching again", zap.String("address", address))
	}

	v, err, _ := c.group.Do(address, func() (any, error) {
		data, err := c.upstream.Download(ctx, address)
		if err != nil {
			return nil, err
		}
		if err := Verify(address, data); err != nil {
			c.logger.Warn("Upstream returned the wrong object", zap.String("address", address), zap.Error(err))
			return nil, fmt.Errorf("cache: %w", err)
		}
		if err := c.blobs.put(address, data); err != nil {
			c.logger.Warn("Unable to cache object", zap.String("address", address), zap.Error(err))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Close releases the codec resources
func (c *Cache) Close() error {
	return c.blobs.close()
}
