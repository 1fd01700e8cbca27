package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
)

// DeviceRegistry stores the push tokens of each user at
// users/{user}/devices/{sha256(token)}. It is the invalidation sink the
// coordinator hands dead tokens to.
type DeviceRegistry struct {
	client   *firestore.Client
	platform string
	logger   *slog.Logger
}

var _ dispatch.DeviceRegistry = (*DeviceRegistry)(nil)

// NewDeviceRegistry creates a registry; platform tags new documents ("fcm", "apns", "web").
func NewDeviceRegistry(client *firestore.Client, platform string, logger *slog.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		client:   client,
		platform: platform,
		logger:   logger.With("component", "FirestoreDeviceRegistry"),
	}
}

// deviceRecord is the internal DB representation.
type deviceRecord struct {
	Platform  string    `firestore:"platform"`
	Token     string    `firestore:"token"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (r *DeviceRegistry) Register(ctx context.Context, user urn.URN, token string) error {
	// Hash of token as Doc ID prevents duplicates and hot-spotting
	_, err := r.deviceRef(user, token).Set(ctx, deviceRecord{
		Platform:  r.platform,
		Token:     token,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

func (r *DeviceRegistry) Unregister(ctx context.Context, user urn.URN, token string) error {
	if _, err := r.deviceRef(user, token).Delete(ctx); err != nil {
		return fmt.Errorf("failed to unregister device: %w", err)
	}
	return nil
}

func (r *DeviceRegistry) Tokens(ctx context.Context, user urn.URN) ([]string, error) {
	iter := r.devicesCollection(user).Documents(ctx)
	defer iter.Stop()

	tokens := make([]string, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			r.logger.Warn("Skipping corrupt device document", "doc", doc.Ref.ID, "err", err)
			continue
		}
		if record.Token != "" {
			tokens = append(tokens, record.Token)
		}
	}
	return tokens, nil
}

// InvalidateTokens deletes every listed token in one batch. Deleting a
// token that is already gone is not an error.
func (r *DeviceRegistry) InvalidateTokens(ctx context.Context, user urn.URN, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(tokens))
	for _, token := range tokens {
		job, err := bw.Delete(r.deviceRef(user, token))
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to enqueue device delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to remove invalid devices: %w", err)
	}
	r.logger.Info("Removed invalid devices", "user", user.String(), "count", len(tokens))
	return nil
}

// deviceRef: users/{userID}/devices/{deviceHash}
func (r *DeviceRegistry) deviceRef(user urn.URN, token string) *firestore.DocumentRef {
	return r.devicesCollection(user).Doc(hashToken(token))
}

func (r *DeviceRegistry) devicesCollection(user urn.URN) *firestore.CollectionRef {
	return r.client.Collection(usersCollection).Doc(user.String()).Collection(devicesCollection)
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
