// Command ragcore is the multi-tenant RAG service: workspace-scoped document
// ingestion, hybrid retrieval with optional reranking, and grounded answer
// generation behind an authenticated HTTP surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/SaintWyss/ragcore/api"
	"github.com/SaintWyss/ragcore/ask"
	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/config"
	"github.com/SaintWyss/ragcore/connector"
	"github.com/SaintWyss/ragcore/ingest"
	"github.com/SaintWyss/ragcore/llm"
	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/network"
	"github.com/SaintWyss/ragcore/policy"
	"github.com/SaintWyss/ragcore/queue"
	"github.com/SaintWyss/ragcore/retrieval"
	"github.com/SaintWyss/ragcore/safety"
	"github.com/SaintWyss/ragcore/security"
	"github.com/SaintWyss/ragcore/storage"
	"github.com/SaintWyss/ragcore/store"
	"github.com/SaintWyss/ragcore/version"
	"github.com/SaintWyss/ragcore/worker"
)

// driveBaseURL is the file provider endpoint the sync connector talks to.
const driveBaseURL = "https://www.googleapis.com/drive/v3"

func main() {
	cfg, err := config.Load()
	if err != nil {
		common.Logger.WithError(err).Fatal("configuration rejected")
	}
	common.ConfigureLogger(cfg.LogLevel, cfg.LogFormat)
	common.Logger.WithFields(logrus.Fields{
		"version":     version.String(),
		"go":          version.GoVersion(),
		"environment": cfg.Environment,
	}).Info("starting ragcore")

	db, err := store.Open(cfg)
	if err != nil {
		common.Logger.WithError(err).Fatal("cannot open database")
	}

	docs := store.NewDocumentStore(db)
	workspaces := store.NewWorkspaceStore(db)
	connectors := store.NewConnectorStore(db)
	kernel := policy.NewKernel(workspaces)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	retryPolicy := network.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	var embedder llm.Embedder
	var generator llm.Generator
	gemini := llm.NewGeminiClient(cfg.GoogleAPIKey, cfg.PromptVersion, retryPolicy)
	if cfg.FakeEmbeddings {
		embedder = llm.FakeEmbedder{}
	} else {
		embedder = gemini
	}
	if cfg.FakeLLM {
		generator = llm.FakeGenerator{}
	} else {
		generator = gemini
	}

	var blobs storage.BlobStore
	if cfg.S3Bucket != "" {
		blobs, err = storage.NewS3BlobStore(context.Background(), cfg)
		if err != nil {
			common.Logger.WithError(err).Fatal("cannot reach object storage")
		}
	} else {
		common.Logger.Warn("no S3 bucket configured, storing blobs in memory")
		blobs = storage.NewMemoryBlobStore()
	}

	jobs, err := queue.NewQueue(context.Background(), queue.Config{RedisURL: cfg.RedisURL})
	if err != nil {
		common.Logger.WithError(err).Fatal("cannot connect to the job queue")
	}
	defer jobs.Close()

	filter := safety.NewFilter(cfg.InjectionMode, cfg.InjectionThreshold, m)
	parsers := ingest.NewRegistry()
	chunker := ingest.Chunker{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}
	processor := ingest.NewProcessor(docs, blobs, embedder, parsers, chunker, filter, m)

	pool := worker.NewPool(jobs, processor, worker.Config{
		Workers:    cfg.WorkerCount,
		JobTimeout: cfg.IngestTimeout,
	})
	pool.Start()
	defer pool.Stop()

	engine := retrieval.NewEngine(docs, rerankerFor(cfg, gemini), m, cfg.RerankMultiplier, cfg.RerankMaxCandidates)
	askService := ask.NewService(kernel, embedder, engine, filter, generator, m, ask.Options{
		MaxTopK:         cfg.MaxTopK,
		MaxContextChars: cfg.MaxContextChars,
		HybridEnabled:   cfg.HybridEnabled,
		RerankEnabled:   cfg.RerankEnabled,
		PromptVersion:   cfg.PromptVersion,
	})

	var sealer *security.TokenSealer
	if len(cfg.ConnectorEncKey) > 0 {
		sealer, err = security.NewTokenSealer(cfg.ConnectorEncKey)
		if err != nil {
			common.Logger.WithError(err).Fatal("connector encryption key rejected")
		}
	}
	oauth := connector.NewOAuthExchanger(
		os.Getenv("OAUTH_CLIENT_ID"),
		os.Getenv("OAUTH_CLIENT_SECRET"),
		"https://oauth2.googleapis.com/token",
		[]string{"https://www.googleapis.com/auth/drive.readonly"},
	)
	syncer := connector.NewSyncer(connectors, docs, blobs, jobs, parsers, sealer, oauth,
		func(accessToken string) connector.ProviderClient {
			return connector.NewDriveClient(driveBaseURL, accessToken, retryPolicy)
		},
		m, cfg.MaxFilesPerSync, cfg.MaxFileBytes)

	jwtService := security.NewJWTService(cfg.JWTSecret, cfg.JWTAccessTTL)
	handlers := &api.Handlers{
		Ask:            askService,
		Kernel:         kernel,
		Docs:           docs,
		Blobs:          blobs,
		Queue:          jobs,
		Audit:          workspaces,
		Parsers:        parsers,
		Accounts:       connectors,
		OAuth:          oauth,
		Sealer:         sealer,
		Syncer:         syncer,
		Sources:        connectors,
		MaxUploadBytes: cfg.MaxUploadBytes,
		DBPing:         store.NewPinger(db),
		RedisPing:      jobs,
	}
	server := api.NewServer(cfg, handlers, jwtService, m, registry)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		common.Logger.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		common.Logger.WithError(err).Error("http server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		common.Logger.WithError(err).Warn("shutdown was not clean")
	}
}

// rerankerFor returns the configured reranker, nil when reranking is off.
func rerankerFor(cfg *config.Config, client *llm.GeminiClient) retrieval.Reranker {
	if !cfg.RerankEnabled || cfg.FakeLLM {
		return nil
	}
	return llm.NewGeminiReranker(client)
}
