package content

import (
	"context"
	"errors"
	"fmt"
)

// Chain tries each Downloader in order and returns the first hit. It fails
// with ErrNotFound only when every source reported not found.
type Chain []Downloader

// Download implements Downloader
func (c Chain) Download(ctx context.Context, address string) ([]byte, error) {
	if len(c) == 0 {
		return nil, ErrNotFound
	}

	var errs []error
	for _, d := range c {
		data, err := d.Download(ctx, address)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, ErrAddress) || ctx.Err() != nil {
			return nil, err
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: %w", ErrTransport, errors.Join(errs...))
}
