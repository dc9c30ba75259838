package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/unihealth/unihealth/internal/config"
	"github.com/unihealth/unihealth/internal/platform/blobstore"
	"github.com/unihealth/unihealth/internal/platform/changefeed"
	"github.com/unihealth/unihealth/internal/platform/db"
	"github.com/unihealth/unihealth/internal/platform/tree"
	"github.com/unihealth/unihealth/migrations"
)

var errPostgresRequired = errors.New("DATABASE_URL is required for this command")

// backend is the tree the server stores into, plus the pool behind it when
// it is Postgres.
type backend struct {
	tree tree.Client
	pool *pgxpool.Pool
	stop func()
}

func (b *backend) Close() {
	if b.stop != nil {
		b.stop()
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if !cfg.UsesPostgres() {
		return nil, errPostgresRequired
	}
	return db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "unihealth",
	})
}

// openBackend opens the Postgres tree, applying pending migrations when
// migrate is set, or an in-memory tree when no database is configured.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) (*backend, error) {
	if !cfg.UsesPostgres() {
		logger.Warn().Msg("DATABASE_URL not set; using in-memory tree, data is lost on exit")
		m := tree.NewMemory()
		return &backend{tree: m, stop: func() { m.Close() }}, nil
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if migrate {
		n, err := db.NewMigrator(pool, migrations.FS, "").Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if n > 0 {
			logger.Info().Int("applied", n).Msg("migrations applied")
		}
	}
	pg := tree.NewPG(pool, logger)
	return &backend{
		tree: pg,
		pool: pool,
		stop: func() {
			pg.Close()
			pool.Close()
		},
	}, nil
}

// newPublisher builds the change feed publishers from configuration. Without
// Kafka or a webhook, changes are logged.
func newPublisher(cfg *config.Config, logger zerolog.Logger) (changefeed.Publisher, error) {
	var pubs changefeed.Multi
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, changefeed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing changes to kafka")
	}
	if cfg.WebhookURL != "" {
		wh, err := changefeed.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, &http.Client{Timeout: 10 * time.Second})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, wh)
	}
	switch len(pubs) {
	case 0:
		return changefeed.NewLogPublisher(logger), nil
	case 1:
		return pubs[0], nil
	default:
		return pubs, nil
	}
}

// newBlobStore opens the S3 snapshot bucket.
func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("S3_BUCKET is required for snapshots")
	}
	return blobstore.NewS3BlobStore(ctx, cfg.S3Bucket, cfg.S3Prefix)
}
