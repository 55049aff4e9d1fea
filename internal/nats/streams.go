package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupKeyValue creates the KV buckets the stores live in.
func SetupKeyValue(ctx context.Context, js jetstream.JetStream) error {
	for _, name := range []string{BucketStencils, BucketCandidates, BucketResults} {
		cfg := jetstream.KeyValueConfig{
			Bucket:  name,
			Storage: jetstream.FileStorage,
			History: 1,
		}
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("creating KV bucket %s: %w", name, err)
		}
	}
	return nil
}
