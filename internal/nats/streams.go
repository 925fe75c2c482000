package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupJetStream creates the event stream and the object store KV buckets
// for a namespace.
func SetupJetStream(ctx context.Context, js jetstream.JetStream, namespace string) error {
	// The stream keeps a day of tape events for audit; delivery to the
	// maintenance daemons goes through plain subscriptions.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{EventsAllSubject()},
		Storage:  jetstream.FileStorage,
		MaxAge:   24 * time.Hour,
		Discard:  jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}

	buckets := []string{ObjectsBucket(namespace), LocksBucket(namespace)}
	for _, name := range buckets {
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
