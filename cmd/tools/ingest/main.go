package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"orderflow/pkg/core/canonical"
	"orderflow/pkg/core/config"
	"orderflow/pkg/core/draft"
	"orderflow/pkg/core/extract"
	"orderflow/pkg/core/feedback"
	"orderflow/pkg/core/llm"
	"orderflow/pkg/core/match"
	"orderflow/pkg/core/pipeline"
	"orderflow/pkg/core/ports"
	"orderflow/pkg/core/store"
	"orderflow/pkg/models"
)

// ingest pushes local order files through extraction and prints the canonical
// output. Without -org it runs the rule extractors offline, which is how
// extraction changes get checked against a folder of real customer documents
// with no database or provider key. With -org the files are stored and run
// through the full pipeline (dedup, budget gate, LLM fallback) for that
// tenant.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using process environment")
	}

	var (
		orgID      = flag.String("org", "", "org id; ingest through the full pipeline for this tenant")
		configPath = flag.String("config", "orderflow.yaml", "worker config file (with -org)")
		useLLM     = flag.Bool("llm", false, "fall back to the LLM extractor for unparseable files (offline mode)")
		provider   = flag.String("provider", "", "llm provider override: gemini, deepseek or qwen")
		model      = flag.String("model", "", "model override")
		timeout    = flag.Duration("timeout", 60*time.Second, "per-file deadline")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: ingest [-org <uuid>] file.csv [file.xlsx file.pdf ...]")
		os.Exit(2)
	}

	var run func(path string) error
	if *orgID != "" {
		pipelineRun, cleanup, err := openPipeline(*orgID, *configPath, *provider, *model)
		if err != nil {
			log.Fatalf("pipeline: %v", err)
		}
		defer cleanup()
		run = func(path string) error { return pipelineRun(path, *timeout) }
	} else {
		var llmExtractor *extract.LLMExtractor
		if *useLLM {
			p, err := llm.NewProvider(*provider, *model)
			if err != nil {
				log.Fatalf("llm provider: %v", err)
			}
			llmExtractor = extract.NewLLMExtractor(p)
		}
		registry := extract.DefaultRegistry(llmExtractor)
		run = func(path string) error { return extractOffline(registry, path, *timeout) }
	}

	failed := 0
	for _, path := range flag.Args() {
		if err := run(path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// extractOffline runs the matching rule extractor directly over the file.
func extractOffline(registry *extract.Registry, path string, timeout time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mimeType := mimeForExt(filepath.Ext(path))
	extractor, err := registry.ForMIME(mimeType)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := extractor.Extract(ctx, &extract.Input{
		Filename: filepath.Base(path),
		MIMEType: mimeType,
		Data:     data,
	})
	if err != nil {
		return err
	}
	return printOutput(path, extractor.Name(), out)
}

// openPipeline wires the stores, the orchestrator and the draft builder for
// tenant-scoped ingestion and returns the per-file runner. Provider and model
// flags override the config file when set.
func openPipeline(orgIDStr, configPath, providerName, model string) (func(string, time.Duration) error, func(), error) {
	oid, err := uuid.Parse(orgIDStr)
	if err != nil {
		return nil, nil, fmt.Errorf("org id: %w", err)
	}
	cfg, err := config.LoadApp(configPath)
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	var storage ports.ObjectStorage
	if cfg.S3Bucket != "" {
		storage, err = ports.NewS3Storage(ctx, cfg.S3Bucket, cfg.S3Region, os.Getenv("S3_ENDPOINT"))
		if err != nil {
			st.Close()
			return nil, nil, err
		}
	} else {
		storage = ports.NewMemoryStorage()
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	if providerName == "" {
		providerName = cfg.LLM.Provider
	}
	if model == "" {
		model = cfg.LLM.Model
	}
	provider, err := llm.NewProvider(providerName, model)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	tunables := config.FromEnv()
	recorder := feedback.NewRecorder(st.Feedback, st.Mappings, logger)
	orch := pipeline.NewOrchestrator(
		st.Runs, st.AICalls, st.Documents, storage,
		extract.NewLLMExtractor(provider), recorder, tunables, logger)

	lifecycle := draft.NewLifecycle(st.Drafts, st.Audit, logger)
	embedder := &llm.GeminiEmbedder{ModelName: cfg.EmbeddingModel}
	engine := match.NewEngine(st.Catalog, st.Mappings, embedder, logger)
	builder := pipeline.NewDraftBuilder(st.Drafts, st.Catalog, engine, lifecycle, tunables, logger)

	org, err := st.Orgs.Get(ctx, oid)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	runner := func(path string, timeout time.Duration) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		doc, err := storeFile(ctx, st, storage, org, path)
		if err != nil {
			return err
		}
		outcome, err := orch.Process(ctx, *org, doc)
		if err != nil {
			return err
		}
		if err := printOutput(path, outcome.Extractor, outcome.Output); err != nil {
			return err
		}
		d, err := builder.Build(ctx, *org, doc, outcome.RunID, outcome.Output)
		if err != nil {
			return err
		}
		fmt.Printf("--> draft %s (%s)\n", d.ID, d.Status)
		return nil
	}
	return runner, func() { st.Close(); logger.Sync() }, nil
}

// storeFile records the upload and the document row and moves it to STORED,
// reusing the blob of an identical earlier upload.
func storeFile(ctx context.Context, st *store.Store, storage ports.ObjectStorage, org *models.Org, path string) (*models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])

	msg, err := st.Documents.InsertMessage(ctx, &models.InboundMessage{
		ID:       uuid.New(),
		OrgID:    org.ID,
		Source:   models.SourceUpload,
		DedupKey: "ingest:" + sha,
	})
	if err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:        uuid.New(),
		OrgID:     org.ID,
		MessageID: &msg.ID,
		Filename:  filepath.Base(path),
		MIMEType:  mimeForExt(filepath.Ext(path)),
		SizeBytes: int64(len(data)),
		SHA256:    sha,
		Status:    models.DocUploaded,
	}

	prior, err := st.Documents.FindByHash(ctx, org.ID, sha)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		doc.StorageKey = prior.StorageKey
	} else {
		doc.StorageKey = fmt.Sprintf("documents/%s/%s", org.ID, doc.ID)
		if err := storage.Put(ctx, doc.StorageKey, data, doc.MIMEType); err != nil {
			return nil, err
		}
	}

	if err := st.Documents.Insert(ctx, doc); err != nil {
		return nil, err
	}
	if err := st.Documents.SetStatus(ctx, org.ID, doc.ID, models.DocUploaded, models.DocStored); err != nil {
		return nil, err
	}
	doc.Status = models.DocStored
	return doc, nil
}

func printOutput(path, extractor string, out *canonical.Output) error {
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("=== %s (%s, %d lines, overall %.2f)\n%s\n",
		path, extractor, len(out.Lines), out.Confidence.Overall, encoded)
	return nil
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".csv":
		return extract.MIMECSV
	case ".xlsx":
		return extract.MIMEXLSX
	case ".pdf":
		return extract.MIMEPDF
	case ".html", ".htm":
		return extract.MIMEHTML
	default:
		return "application/octet-stream"
	}
}
