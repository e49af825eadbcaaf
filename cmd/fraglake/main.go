package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/viper"

	"github.com/fraglake/fraglake/fraglakedb"
	"github.com/fraglake/fraglake/fraglakedb/backend/azure"
	"github.com/fraglake/fraglake/fraglakedb/backend/local"
	"github.com/fraglake/fraglake/fraglakedb/bridge"
	"github.com/fraglake/fraglake/fraglakedb/catalog"
	"github.com/fraglake/fraglake/pkg/api"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := log.With(
		log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout)),
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	cfg, listenAddr := loadConfig()

	engine, err := fraglakedb.New(cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to start engine", "err", err)
		os.Exit(1)
	}
	defer engine.Shutdown()

	level.Info(logger).Log(
		"msg", "engine started",
		"backend", cfg.Backend,
		"flush_threshold", humanize.IBytes(uint64(cfg.BufferSizeMB)*1024*1024),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recover buffers left behind by a previous process before serving.
	if err := engine.CheckStorageIntegrity(ctx); err != nil {
		level.Error(logger).Log("msg", "storage integrity check failed", "err", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    listenAddr,
		Handler: api.New(engine, logger).Handler(),
	}

	go func() {
		level.Info(logger).Log("msg", "http server listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	level.Info(logger).Log("msg", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		level.Warn(logger).Log("msg", "http shutdown incomplete", "err", err)
	}
}

func loadConfig() (*fraglakedb.Config, string) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DB_URL", "fraglake.db")
	v.SetDefault("STORAGE_PATH", "./data")
	v.SetDefault("IO_MANAGER", "file_system")
	v.SetDefault("COMPRESSION", "gzip")
	v.SetDefault("COMPRESSION_LEVEL", 0)
	v.SetDefault("BUFFER_SIZE", fraglakedb.DefaultBufferSizeMB)
	v.SetDefault("HTTP_ADDR", ":8000")

	cfg := &fraglakedb.Config{
		DB: catalog.Config{DatabaseURL: v.GetString("DB_URL")},
		Bridge: bridge.Config{
			Compression:      v.GetString("COMPRESSION"),
			CompressionLevel: v.GetInt("COMPRESSION_LEVEL"),
		},
		BufferSizeMB: v.GetInt("BUFFER_SIZE"),
	}

	switch v.GetString("IO_MANAGER") {
	case "azure_blob":
		cfg.Backend = fraglakedb.BackendAzure
		cfg.Azure = &azure.Config{
			ConnectionString: v.GetString("AZURE_STORAGE_CONNECTION_STRING"),
			ContainerName:    v.GetString("AZURE_STORAGE_CONTAINER_NAME"),
		}
	default:
		cfg.Backend = fraglakedb.BackendLocal
		cfg.Local = &local.Config{Path: v.GetString("STORAGE_PATH")}
	}

	return cfg, v.GetString("HTTP_ADDR")
}
