// Package firestore holds the Cloud Firestore persistence for notification
// records and the device registry. Both live under users/{user}.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

const (
	usersCollection         = "users"
	notificationsCollection = "notifications"
	devicesCollection       = "devices"
)

// RecordStore implements dispatch.RecordStore on Firestore.
// Records live at users/{user}/notifications/{id}.
type RecordStore struct {
	client *firestore.Client
	now    func() time.Time
}

var _ dispatch.RecordStore = (*RecordStore)(nil)

func NewRecordStore(client *firestore.Client) *RecordStore {
	return &RecordStore{client: client, now: time.Now}
}

func (s *RecordStore) Create(ctx context.Context, record notification.Record) (notification.Record, error) {
	ref := s.collection(record.UserID).NewDoc()
	record.ID = ref.ID
	record.Read = false
	record.CreatedAt = s.now().UTC()

	if _, err := ref.Create(ctx, record); err != nil {
		return notification.Record{}, fmt.Errorf("failed to create notification record: %w", err)
	}
	return record, nil
}

func (s *RecordStore) Get(ctx context.Context, user urn.URN, id string) (notification.Record, error) {
	snap, err := s.collection(user).Doc(id).Get(ctx)
	if err != nil {
		return notification.Record{}, notFound(err, id)
	}
	return decode(snap, user)
}

func (s *RecordStore) List(ctx context.Context, user urn.URN, limit int) ([]notification.Record, error) {
	q := s.collection(user).OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	records := make([]notification.Record, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		record, err := decode(snap, user)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RecordStore) MarkRead(ctx context.Context, user urn.URN, id string) error {
	_, err := s.collection(user).Doc(id).Update(ctx, []firestore.Update{{Path: "read", Value: true}})
	if err != nil {
		return notFound(err, id)
	}
	return nil
}

func (s *RecordStore) MarkAllRead(ctx context.Context, user urn.URN) (int, error) {
	iter := s.collection(user).Where("read", "==", false).Documents(ctx)
	return s.bulk(ctx, iter, func(bw *firestore.BulkWriter, ref *firestore.DocumentRef) (*firestore.BulkWriterJob, error) {
		return bw.Update(ref, []firestore.Update{{Path: "read", Value: true}})
	})
}

func (s *RecordStore) Delete(ctx context.Context, user urn.URN, id string) error {
	if _, err := s.collection(user).Doc(id).Delete(ctx, firestore.Exists); err != nil {
		return notFound(err, id)
	}
	return nil
}

func (s *RecordStore) DeleteAll(ctx context.Context, user urn.URN) (int, error) {
	iter := s.collection(user).Documents(ctx)
	return s.bulk(ctx, iter, func(bw *firestore.BulkWriter, ref *firestore.DocumentRef) (*firestore.BulkWriterJob, error) {
		return bw.Delete(ref)
	})
}

func (s *RecordStore) UnreadCount(ctx context.Context, user urn.URN) (int, error) {
	q := s.collection(user).Where("read", "==", false)
	res, err := q.NewAggregationQuery().WithCount("unread").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	v, ok := res["unread"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected aggregation result type %T", res["unread"])
	}
	return int(v.GetIntegerValue()), nil
}

type bulkOp func(bw *firestore.BulkWriter, ref *firestore.DocumentRef) (*firestore.BulkWriterJob, error)

// bulk applies op to every document of iter and waits for all writes.
func (s *RecordStore) bulk(ctx context.Context, iter *firestore.DocumentIterator, op bulkOp) (int, error) {
	defer iter.Stop()
	bw := s.client.BulkWriter(ctx)

	var jobs []*firestore.BulkWriterJob
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("firestore iteration failed: %w", err)
		}
		job, err := op(bw, snap.Ref)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to enqueue bulk write: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	done := 0
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

func (s *RecordStore) collection(user urn.URN) *firestore.CollectionRef {
	return s.client.Collection(usersCollection).Doc(user.String()).Collection(notificationsCollection)
}

func decode(snap *firestore.DocumentSnapshot, user urn.URN) (notification.Record, error) {
	var record notification.Record
	if err := snap.DataTo(&record); err != nil {
		return notification.Record{}, fmt.Errorf("failed to decode record %s: %w", snap.Ref.ID, err)
	}
	record.ID = snap.Ref.ID
	record.UserID = user
	return record, nil
}

func notFound(err error, id string) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", notification.ErrRecordNotFound, id)
	}
	return err
}
