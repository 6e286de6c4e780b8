package remote

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/object"
)

// FetchIntoStore fetches a pack holding wants and decodes it into store.
// Refs are discovered first if the client has not done so yet. An empty
// wants list fetches nothing and returns an empty result.
//
// Objects are written as they are resolved; a failed fetch may leave some
// of them in the store, but the caller must not point refs at them.
func FetchIntoStore(ctx context.Context, c *Client, store object.PackTarget, wants []object.Hash, opts ...object.DecoderOption) (*object.DecodeResult, error) {
	wants = dedupeHashes(wants)
	if len(wants) == 0 {
		return &object.DecodeResult{}, nil
	}

	adv := c.adv
	if adv == nil {
		var err error
		if adv, err = c.DiscoverRefs(ctx); err != nil {
			return nil, err
		}
	}

	stream, err := c.NegotiateFetch(ctx, adv, wants)
	if err != nil {
		return nil, err
	}

	decodeOpts := append([]object.DecoderOption{
		object.WithDecodeLogger(c.log.Named("decode")),
		object.WithDecodeMetrics(c.metrics),
	}, opts...)
	res, err := object.DecodePack(ctx, stream, store, decodeOpts...)
	if err = multierr.Append(err, stream.Close()); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	for _, w := range wants {
		if _, _, err := store.Read(w); err != nil {
			return nil, fmt.Errorf("fetch: wanted object %s: %w", w, err)
		}
	}
	c.log.Info("fetched pack",
		zap.Int("objects", res.Objects),
		zap.Int("deltas", res.Deltas),
		zap.String("checksum", res.Checksum))
	return res, nil
}
