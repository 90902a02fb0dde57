package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/backend"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/config"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/dispatch"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/drafts"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/fulfillment"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/httpserver"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/httpserver/middleware"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/observability"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/worklist"
)

type refreshable interface {
	SetRefresher(requests.Refresher)
}

func main() {
	rootCtx := context.Background()

	var opts []config.Option
	if secretProject := strings.TrimSpace(os.Getenv("ADMIN_SECRET_PROJECT_ID")); secretProject != "" {
		resolver, err := config.NewSecretManagerResolver(rootCtx, secretProject)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialise secret manager: %v\n", err)
			os.Exit(1)
		}
		defer resolver.Close()
		opts = append(opts, config.WithSecretResolver(resolver))
	}

	cfg, err := config.Load(rootCtx, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("console")

	reqSvc, catSvc := buildServices(cfg, logger)

	durable, closeFirestore := buildDraftStore(rootCtx, cfg, logger)
	defer closeFirestore()
	mirror := drafts.NewMirror(durable,
		drafts.WithLogger(logger.Named("drafts")),
		drafts.WithErrorHook(func(err *drafts.PersistenceError) {
			logger.Debug("draft persistence error", zap.String("op", err.Op), zap.Error(err.Err))
		}),
	)

	publisher, closePubSub := buildPublisher(rootCtx, cfg, logger)
	defer closePubSub()

	lifecycle, err := fulfillment.New(reqSvc, catSvc,
		fulfillment.WithLogger(logger.Named("fulfillment")),
		fulfillment.WithDrafts(mirror),
		fulfillment.WithPublisher(publisher),
	)
	if err != nil {
		logger.Fatal("failed to initialise fulfillment lifecycle", zap.Error(err))
	}

	refresher, err := worklist.New(reqSvc,
		worklist.WithInterval(cfg.Worklist.RefreshInterval),
		worklist.WithDebounce(cfg.Worklist.SearchDebounce),
		worklist.WithLogger(logger.Named("worklist")),
		worklist.WithToken(cfg.Backend.ServiceToken),
		worklist.WithFilters(requests.Filters{Page: 1, Limit: cfg.Worklist.PageSize}),
	)
	if err != nil {
		logger.Fatal("failed to initialise worklist", zap.Error(err))
	}
	if r, ok := reqSvc.(refreshable); ok {
		r.SetRefresher(refresher)
	}

	srv := httpserver.New(httpserver.Config{
		Address:        cfg.Server.Address,
		BasePath:       cfg.Server.BasePath,
		Environment:    cfg.Environment,
		TraceProjectID: cfg.Firebase.ProjectID,
		Authenticator:  buildAuthenticator(rootCtx, cfg, logger),
		Logger:         logger.Named("http"),
		Lifecycle:      lifecycle,
		Requests:       reqSvc,
		Catalog:        catSvc,
		Worklist:       refresher,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
	})

	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	refresher.Start(ctx)
	defer refresher.Stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	logger.Info("console listening",
		zap.String("addr", cfg.Server.Address),
		zap.String("base_path", cfg.Server.BasePath),
		zap.Bool("static_backend", cfg.UsesStaticBackend()),
		zap.Bool("durable_drafts", durable != nil),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildServices(cfg config.Config, logger *zap.Logger) (requests.Service, catalog.Service) {
	if cfg.UsesStaticBackend() {
		logger.Warn("ADMIN_BACKEND_URL not set; serving static sample data")
		return requests.NewStaticService(), catalog.NewStaticService()
	}

	client, err := backend.NewClient(cfg.Backend.BaseURL,
		&http.Client{Timeout: cfg.Backend.Timeout},
		backend.WithServiceToken(cfg.Backend.ServiceToken),
	)
	if err != nil {
		logger.Fatal("failed to initialise backend client", zap.Error(err))
	}

	reqSvc, err := requests.NewHTTPService(client, requests.WithLogger(logger.Named("requests")))
	if err != nil {
		logger.Fatal("failed to initialise request service", zap.Error(err))
	}
	catSvc, err := catalog.NewHTTPService(client,
		catalog.WithLogger(logger.Named("catalog")),
		catalog.WithConcurrency(cfg.Catalog.FetchConcurrency),
	)
	if err != nil {
		logger.Fatal("failed to initialise catalog service", zap.Error(err))
	}
	return reqSvc, catSvc
}

func buildDraftStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (drafts.Store, func()) {
	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	if projectID == "" {
		logger.Info("ADMIN_FIRESTORE_PROJECT_ID not set; drafts are kept in memory")
		return nil, func() {}
	}

	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.Firestore.EmulatorHost); host != "" {
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := firestore.NewClient(dialCtx, projectID, opts...)
	if err != nil {
		logger.Warn("failed to initialise firestore; drafts are kept in memory", zap.Error(err))
		return nil, func() {}
	}

	store := drafts.NewFirestoreStore(client, drafts.FirestoreConfig{Collection: cfg.Firestore.DraftsCollection})
	return store, func() {
		if err := client.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (dispatch.Publisher, func()) {
	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	if projectID == "" {
		logger.Info("ADMIN_PUBSUB_PROJECT_ID not set; fulfillment orders are recorded in memory")
		return dispatch.NewMemoryPublisher(), func() {}
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	topic := client.Topic(cfg.PubSub.FulfillmentTopic)
	publisher, err := dispatch.NewPubSubPublisher(topic)
	if err != nil {
		logger.Fatal("failed to initialise order publisher", zap.Error(err))
	}
	return publisher, func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
}

func buildAuthenticator(ctx context.Context, cfg config.Config, logger *zap.Logger) middleware.Authenticator {
	projectID := strings.TrimSpace(cfg.Firebase.ProjectID)
	if projectID == "" {
		logger.Warn("FIREBASE_PROJECT_ID not set; using passthrough authenticator")
		return nil
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID: projectID,
	})
	if err != nil {
		logger.Error("failed to initialise Firebase app", zap.Error(err))
		return nil
	}

	client, err := app.Auth(ctx)
	if err != nil {
		logger.Error("failed to initialise Firebase auth client", zap.Error(err))
		return nil
	}

	logger.Info("Firebase authenticator enabled", zap.String("project", projectID))
	return middleware.NewFirebaseAuthenticator(client)
}
