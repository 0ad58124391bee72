// Package archive copies the closing state and verified event log of every
// settled or cancelled auction to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"BidLedger/internal/observability"
	"BidLedger/internal/persistence"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ObjectStore is the write side of a bucket.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Source lists closed auctions awaiting archive.
type Source interface {
	ListUnarchived(ctx context.Context, limit int) ([]*persistence.Snapshot, error)
	LoadEvents(ctx context.Context, auctionID uuid.UUID) ([]persistence.EventRow, error)
	MarkArchived(ctx context.Context, auctionID uuid.UUID, at time.Time) error
}

// MinioStore writes objects to one MinIO/S3 bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(endpoint, accessKey, secretKey, bucket string, secure bool) (*MinioStore, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: mc, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// Bundle is the archived document for one auction.
type Bundle struct {
	Snapshot *persistence.Snapshot  `json:"snapshot"`
	Events   []persistence.EventRow `json:"events"`
	ChainTip []byte                 `json:"chain_tip"`
}

// Key is the object key for an auction closed at t.
func Key(auctionID uuid.UUID, t time.Time) string {
	return fmt.Sprintf("auctions/%04d/%02d/%s.json", t.Year(), int(t.Month()), auctionID)
}

// Archiver polls for closed auctions and uploads them.
type Archiver struct {
	source   Source
	store    ObjectStore
	interval time.Duration
	batch    int
	workers  int
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewArchiver(source Source, store ObjectStore, interval time.Duration, batch, workers int, metrics *observability.Metrics) *Archiver {
	return &Archiver{
		source:   source,
		store:    store,
		interval: interval,
		batch:    batch,
		workers:  max(workers, 1),
		metrics:  metrics,
		logger:   observability.NewLogger("archive"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run archives on every interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("archive pass failed")
			}
		}
	}
}

// RunOnce archives one batch and returns how many auctions were uploaded.
// A failed auction is left for the next pass.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	snaps, err := a.source.ListUnarchived(ctx, a.batch)
	if err != nil {
		return 0, fmt.Errorf("list unarchived: %w", err)
	}

	results := make([]bool, len(snaps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, snap := range snaps {
		g.Go(func() error {
			if err := a.archive(gctx, snap); err != nil {
				a.count("failed")
				a.logger.Warn().Err(err).Str("auction_id", snap.AuctionID.String()).Msg("archive failed")
				return nil
			}
			a.count("ok")
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n, nil
}

func (a *Archiver) archive(ctx context.Context, snap *persistence.Snapshot) error {
	events, err := a.source.LoadEvents(ctx, snap.AuctionID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	tip, err := persistence.VerifyChain(snap.AuctionID, events)
	if err != nil {
		return err
	}
	if !bytes.Equal(tip[:], snap.StateHash) {
		return fmt.Errorf("chain tip does not match snapshot at seq %d", snap.Sequence)
	}

	data, err := json.Marshal(Bundle{Snapshot: snap, Events: events, ChainTip: tip[:]})
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	if err := a.store.Put(ctx, Key(snap.AuctionID, snap.CreatedAt), data); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if err := a.source.MarkArchived(ctx, snap.AuctionID, a.now()); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	a.logger.Debug().Str("auction_id", snap.AuctionID.String()).Int("bytes", len(data)).Msg("auction archived")
	return nil
}

func (a *Archiver) count(result string) {
	if a.metrics != nil {
		a.metrics.ArchiveUploads.WithLabelValues(result).Inc()
	}
}
