package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"orderflow/pkg/core/config"
	"orderflow/pkg/core/draft"
	"orderflow/pkg/core/export"
	"orderflow/pkg/core/extract"
	"orderflow/pkg/core/feedback"
	"orderflow/pkg/core/llm"
	"orderflow/pkg/core/match"
	"orderflow/pkg/core/pipeline"
	"orderflow/pkg/core/ports"
	"orderflow/pkg/core/retention"
	"orderflow/pkg/core/store"
	"orderflow/pkg/core/worker"
	"orderflow/pkg/models"
)

// The worker process runs the background planes: the extraction pool, the
// ack poller and the retention sweep. Multiple instances may run; the
// periodic tasks elect a leader through Postgres advisory locks.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using process environment")
	}

	var (
		configPath = flag.String("config", "orderflow.yaml", "path to the worker config file")
		workers    = flag.Int("workers", 4, "extraction workers")
		queueSize  = flag.Int("queue", 64, "job queue size")
		sweepEvery = flag.Duration("sweep", 15*time.Second, "stored-document sweep interval")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadApp(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	tunables := config.FromEnv()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	storage, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal("object storage", zap.Error(err))
	}
	dropzone, err := openDropzone(cfg)
	if err != nil {
		logger.Fatal("dropzone", zap.Error(err))
	}

	provider, err := llm.NewProvider(cfg.LLM.Provider, cfg.LLM.Model)
	if err != nil {
		logger.Fatal("llm provider", zap.Error(err))
	}
	recorder := feedback.NewRecorder(st.Feedback, st.Mappings, logger)
	orchestrator := pipeline.NewOrchestrator(
		st.Runs, st.AICalls, st.Documents, storage,
		extract.NewLLMExtractor(provider), recorder, tunables, logger)

	lifecycle := draft.NewLifecycle(st.Drafts, st.Audit, logger)
	embedder := &llm.GeminiEmbedder{ModelName: cfg.EmbeddingModel}
	engine := match.NewEngine(st.Catalog, st.Mappings, embedder, logger)
	builder := pipeline.NewDraftBuilder(st.Drafts, st.Catalog, engine, lifecycle, tunables, logger)
	var cache ports.IdempotencyCache
	if cfg.RedisAddr != "" {
		cache = ports.NewRedisCache(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, "idem")
	}
	pusher := export.NewPusher(st.Exports, lifecycle, storage, dropzone, cache, logger)
	poller := export.NewPoller(st.Exports, lifecycle, st.Audit, dropzone, cfg.Dropzone.AckPath, logger)
	purger := retention.NewPurger(st.Orgs, st.Documents, st.AICalls, storage, st.Audit, tunables, logger)

	pool := worker.NewPool(*workers, *queueSize, logger)
	pool.Start(ctx)

	sweep := &worker.LeaderTicker{
		Name:     "extract-sweep",
		Key:      store.LockExtractSweep,
		Interval: *sweepEvery,
		Locker:   st,
		Fn: func(ctx context.Context) error {
			return sweepStored(ctx, st, orchestrator, builder, pool, logger)
		},
		Log: logger,
	}
	go sweep.Run(ctx)

	exportSweep := &worker.LeaderTicker{
		Name:     "export-sweep",
		Key:      store.LockExportSweep,
		Interval: *sweepEvery,
		Locker:   st,
		Fn: func(ctx context.Context) error {
			return pushPending(ctx, st, pusher, cfg.Dropzone.Path, tunables, logger)
		},
		Log: logger,
	}
	go exportSweep.Run(ctx)

	ackTicker := &worker.LeaderTicker{
		Name:     "ack-poll",
		Key:      store.LockAckPoller,
		Interval: time.Duration(tunables.AckPollIntervalSeconds) * time.Second,
		Locker:   st,
		Fn: func(ctx context.Context) error {
			_, err := poller.PollOnce(ctx)
			return err
		},
		Log: logger,
	}
	go ackTicker.Run(ctx)

	retentionRunner := &worker.DailyRunner{
		Name:    "retention",
		Key:     store.LockRetention,
		HourUTC: tunables.RetentionRunHourUTC,
		Locker:  st,
		Fn: func(ctx context.Context) error {
			summary, err := purger.RunOnce(ctx)
			if err != nil {
				return err
			}
			logger.Info("retention run done",
				zap.Int("orgs", summary.Orgs),
				zap.Int("documents_purged", summary.DocumentsPurged),
				zap.Int64("call_logs_purged", summary.CallLogsPurged))
			return nil
		},
		Log: logger,
	}
	go retentionRunner.Run(ctx)

	logger.Info("worker up",
		zap.Int("workers", *workers),
		zap.Int("ack_poll_seconds", tunables.AckPollIntervalSeconds),
		zap.Int("retention_hour_utc", tunables.RetentionRunHourUTC))

	<-ctx.Done()
	logger.Info("shutting down")
	pool.Wait()
}

// stallThreshold flags documents stuck in STORED without an extraction run.
const stallThreshold = 10 * time.Minute

// sweepStored re-enqueues STORED documents for every org. A full queue stops
// the sweep; the next tick picks the rest up.
func sweepStored(ctx context.Context, st *store.Store, orch *pipeline.Orchestrator, builder *pipeline.DraftBuilder, pool *worker.Pool, logger *zap.Logger) error {
	orgs, err := st.Orgs.List(ctx)
	if err != nil {
		return err
	}
	for _, org := range orgs {
		docs, err := st.Documents.StoredBatch(ctx, org.ID, 100)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if time.Since(doc.CreatedAt) > stallThreshold {
				logger.Warn("document stalled in STORED",
					zap.String("org", org.Slug),
					zap.String("document_id", doc.ID.String()),
					zap.Time("stored_at", doc.CreatedAt))
			}
			org, doc := org, doc
			job := worker.Job{
				Name: "extract " + doc.ID.String(),
				Run: func(ctx context.Context) error {
					outcome, err := orch.Process(ctx, org, &doc)
					if err != nil || outcome.Output == nil {
						return err
					}
					_, err = builder.Build(ctx, org, &doc, outcome.RunID, outcome.Output)
					return err
				},
			}
			if err := pool.Submit(job); err != nil {
				logger.Warn("queue full, deferring sweep", zap.Error(err))
				return nil
			}
		}
	}
	return nil
}

// pushPending exports APPROVED drafts and retries ERROR ones once their
// backoff has elapsed. Push failures are logged per draft so one bad order
// cannot starve the rest of the batch.
func pushPending(ctx context.Context, st *store.Store, pusher *export.Pusher, dropDir string, tunables config.Tunables, logger *zap.Logger) error {
	orgs, err := st.Orgs.List(ctx)
	if err != nil {
		return err
	}
	for _, org := range orgs {
		settings, err := config.DecodeOrgSettings(org.Settings)
		if err != nil {
			logger.Error("bad org settings", zap.String("org", org.Slug), zap.Error(err))
			continue
		}
		var connectionID uuid.UUID
		if settings.ERPConnectionID != "" {
			connectionID, err = uuid.Parse(settings.ERPConnectionID)
			if err != nil {
				logger.Error("bad erp connection id", zap.String("org", org.Slug), zap.Error(err))
				continue
			}
		}
		backoffCap := time.Duration(settings.ExportBackoffCapSeconds) * time.Second

		drafts, err := st.Drafts.PushableBatch(ctx, org.ID, 50)
		if err != nil {
			return err
		}
		for _, d := range drafts {
			attempts, err := st.Exports.CountForDraft(ctx, org.ID, d.ID)
			if err != nil {
				return err
			}
			if d.Status == models.DraftError {
				last, err := st.Exports.LatestForDraft(ctx, org.ID, d.ID)
				if err != nil {
					return err
				}
				if last != nil && time.Since(last.AttemptedAt) < export.NextRetryDelay(attempts, backoffCap) {
					continue
				}
			}

			full, lines, err := st.Drafts.Get(ctx, org.ID, d.ID)
			if err != nil {
				logger.Error("load draft", zap.String("draft_id", d.ID.String()), zap.Error(err))
				continue
			}
			var customer *models.Customer
			if full.CustomerID != nil {
				if customer, err = st.Catalog.Customer(ctx, org.ID, *full.CustomerID); err != nil {
					logger.Error("load customer", zap.String("draft_id", d.ID.String()), zap.Error(err))
					continue
				}
			}
			var source *models.Document
			if full.DocumentID != nil {
				if source, err = st.Documents.Get(ctx, org.ID, *full.DocumentID); err != nil {
					logger.Error("load source document", zap.String("draft_id", d.ID.String()), zap.Error(err))
					continue
				}
			}

			req := export.Request{
				OrgID:          org.ID,
				OrgSlug:        org.Slug,
				Draft:          full,
				Lines:          lines,
				Customer:       customer,
				Source:         source,
				ConnectionID:   connectionID,
				Actor:          "system",
				IdempotencyKey: fmt.Sprintf("auto-%d", attempts),
				IdempotencyTTL: time.Duration(tunables.IdempotencyTTLHours) * time.Hour,
				DropzoneDir:    dropDir,
			}
			if _, err := pusher.Push(ctx, req); err != nil {
				logger.Warn("export push failed",
					zap.String("org", org.Slug),
					zap.String("draft_id", d.ID.String()),
					zap.Error(err))
			}
		}
	}
	return nil
}

func openStorage(ctx context.Context, cfg *config.App) (ports.ObjectStorage, error) {
	if cfg.S3Bucket == "" {
		return ports.NewMemoryStorage(), nil
	}
	return ports.NewS3Storage(ctx, cfg.S3Bucket, cfg.S3Region, os.Getenv("S3_ENDPOINT"))
}

func openDropzone(cfg *config.App) (ports.Dropzone, error) {
	if cfg.Dropzone.Kind == "sftp" {
		var keyPEM []byte
		if cfg.Dropzone.KeyFile != "" {
			pem, err := os.ReadFile(cfg.Dropzone.KeyFile)
			if err != nil {
				return nil, err
			}
			keyPEM = pem
		}
		return ports.DialSFTP(ports.SFTPConfig{
			Addr:          cfg.Dropzone.Host,
			User:          cfg.Dropzone.User,
			Password:      cfg.Dropzone.Password,
			PrivateKeyPEM: keyPEM,
			RootDir:       cfg.Dropzone.Path,
		})
	}
	return ports.NewFSDropzone(cfg.Dropzone.Path), nil
}
