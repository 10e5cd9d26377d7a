package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devcollab/internal/config"
	"github.com/devcollab/internal/fileserver"
	"github.com/devcollab/internal/handler"
	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/middleware"
	"github.com/devcollab/internal/push"
	"github.com/devcollab/internal/repository"
	"github.com/devcollab/internal/service"
	"github.com/devcollab/internal/startup"
	"github.com/devcollab/internal/storage"
	memorystorage "github.com/devcollab/internal/storage/memory"
	"github.com/devcollab/internal/ws"
	"github.com/devcollab/migrations"
)

// userStore and projectStore are satisfied by both the Postgres and the
// in-memory repositories.
type userStore interface {
	service.UserDirectory
	handler.DevUsers
}

type projectStore interface {
	service.ProjectStore
	handler.DevProjects
}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "apply migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and enable the dev login")
	inmem := flag.Bool("inmem", false, "keep everything in process memory (no Postgres, Mongo or Redis)")
	flag.Parse()

	logger.Info("starting chat API")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	var (
		users    userStore
		projects projectStore
		chats    repository.ChatStore
		store    storage.Store
	)

	if *inmem {
		logger.Info("in-memory mode: data is lost on exit")
		users = repository.NewMemoryUserRepository()
		projects = repository.NewMemoryProjectRepository()
		chats = repository.NewMemoryChatRepository()
		store = memorystorage.New()
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
		poolCfg.MinConns = 2
		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		if *migrate {
			return
		}

		mongoClient := startup.ConnectMongoWithRetry(cfg.Mongo.URI, cfg.Mongo.PoolSize, 60*time.Second, "")
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(ctx)
		}()
		mongoChats := repository.NewMongoChatRepository(mongoClient.Database(cfg.Mongo.Database))
		idxCtx, idxCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := mongoChats.EnsureIndexes(idxCtx); err != nil {
			idxCancel()
			logger.Errorf("mongo indexes: %v", err)
			os.Exit(1)
		}
		idxCancel()

		users = repository.NewUserRepository(pool)
		projects = repository.NewProjectRepository(pool)
		chats = mongoChats
		store = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	}
	defer store.Close()
	logger.Info("stores ready")

	vapidPub, vapidPriv := cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey
	if vapidPub == "" || vapidPriv == "" {
		keys, err := push.EnsureVAPIDKeys("")
		if err != nil {
			logger.Errorf("vapid keys: %v (push disabled)", err)
		} else {
			vapidPub, vapidPriv = keys.PublicKey, keys.PrivateKey
		}
	}
	notifier := push.NewNotifier(store, vapidPub, vapidPriv, cfg.Push.Subscriber)

	var (
		sink fileserver.Sink
		disk *fileserver.DiskSink
	)
	if cfg.CloudinaryEnabled() {
		cld, err := fileserver.NewCloudinarySink(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
		if err != nil {
			logger.Errorf("cloudinary: %v", err)
			os.Exit(1)
		}
		sink = cld
		logger.Info("attachments: cloudinary")
	} else {
		disk = fileserver.NewDiskSink(cfg.UploadDir)
		sink = disk
		logger.Infof("attachments: disk %s", cfg.UploadDir)
	}

	tokens := service.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, store)
	chatSvc := service.NewChatService(chats, users, projects, notifier, cfg.PublicBaseURL)
	progressSvc := service.NewProgressService(projects, chats, chatSvc)

	hub := ws.NewHub(chatSvc, tokens, cfg.MaxWSConnections, ws.Options{
		WriteWait:      cfg.WSWriteTimeout,
		PongWait:       cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		SendBufferSize: cfg.WSSendBufferSize,
	})
	chatSvc.SetRealtime(hub)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	routes := handler.Router{
		Verifier:           tokens,
		Limiter:            middleware.NewRateLimiter(0, 0),
		Chat:               handler.NewChatHandler(chatSvc),
		Message:            handler.NewMessageHandler(chatSvc, sink, cfg.MaxUploadSize),
		Project:            handler.NewProjectHandler(progressSvc, sink, cfg.MaxUploadSize),
		Push:               handler.NewPushHandler(notifier),
		Auth:               handler.NewAuthHandler(tokens),
		Config:             handler.NewConfigHandler(notifier.PublicKey(), cfg.TypingTimeout),
		WS:                 handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AccessLog:          true,
	}
	if disk != nil {
		routes.File = handler.NewFileHandler(disk)
	}
	if *dev || *inmem {
		routes.Dev = handler.NewDevHandler(tokens, users, projects)
		logger.Info("dev login enabled at POST /api/dev/token")
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler.NewRouter(routes),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}

// runMigrations applies the embedded .sql files in name order. Every file is
// written to be re-runnable.
func runMigrations(pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied (%d files)", len(names))
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "devcollab"
		password = "devcollab_secret"
		database = "devcollab"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
