package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itiky/deltasync/service/server"
	"github.com/itiky/deltasync/storage"
)

const (
	FlagListen          = "listen"
	FlagRevisions       = "revisions"
	FlagQueueSize       = "queue-size"
	FlagMaxBodyBytes    = "max-body-bytes"
	FlagSnapshot        = "snapshot"
	FlagSnapshotBackend = "snapshot-backend"
	FlagLoad            = "load"

	backendFile = "file"
	backendBolt = "bolt"

	shutdownTimeout = 5 * time.Second
)

// GetServerCmd returns sync server start command.
func GetServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Parse inputs
			var cfg server.Config
			if err := vip.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("parsing server config: %w", err)
			}

			// Init store
			store, err := storage.NewStore(
				storage.WithRevisions(vip.GetInt(FlagRevisions)),
				storage.WithLogger(logger),
			)
			if err != nil {
				return fmt.Errorf("store init: %w", err)
			}

			if snapshotPath := vip.GetString(FlagSnapshot); snapshotPath != "" {
				fileLock := flock.New(snapshotPath + ".lock")
				locked, err := fileLock.TryLock()
				if err != nil {
					return fmt.Errorf("flock %s: %w", fileLock.Path(), err)
				}
				if !locked {
					return fmt.Errorf("snapshot %s is used by another server (locking file %s)", snapshotPath, fileLock.Path())
				}
				defer fileLock.Unlock()

				persister, closeFn, err := openPersister(vip.GetString(FlagSnapshotBackend), snapshotPath)
				if err != nil {
					return err
				}
				defer closeFn()

				if err := storage.LoadStore(store, persister, logger); err != nil {
					return fmt.Errorf("loading snapshot: %w", err)
				}
			}

			// Seed document replaces the snapshot one
			if loadPath := vip.GetString(FlagLoad); loadPath != "" {
				if err := storage.SeedStore(store, afero.NewOsFs(), loadPath); err != nil {
					return fmt.Errorf("%s: %w", FlagLoad, err)
				}
			}

			// Init service
			svc, err := server.NewSyncService(store, server.WithLogger(logger), server.WithConfig(cfg))
			if err != nil {
				return fmt.Errorf("service init: %w", err)
			}
			handler, err := server.NewHandler(svc, logger)
			if err != nil {
				return fmt.Errorf("handler init: %w", err)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/", handler)

			// No write timeout: long-poll replies wait for commits
			httpSrv := &http.Server{
				Addr:              vip.GetString(FlagListen),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			svc.Start()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				logger.Info("sync server started", zap.String("listen", httpSrv.Addr))
				if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()

				// Parked exchanges are released with 503, so Shutdown does not wait for them
				svc.Stop()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				return httpSrv.Shutdown(shutdownCtx)
			})

			return eg.Wait()
		},
	}
	cmd.Flags().String(FlagListen, ":2222", "(optional) listen address")
	cmd.Flags().Int(FlagRevisions, storage.DefaultRevisions, "(optional) number of old revisions diffs are served against")
	cmd.Flags().Int(FlagQueueSize, server.DefaultConfig().QueueSize, "(optional) exchange queue size")
	cmd.Flags().Int64(FlagMaxBodyBytes, server.DefaultConfig().MaxBodyBytes, "(optional) max request body size")
	cmd.Flags().String(FlagSnapshot, "", "(optional) snapshot path, the document is kept in memory only if empty")
	cmd.Flags().String(FlagSnapshotBackend, backendFile, "(optional) snapshot backend [file, bolt]")
	cmd.Flags().String(FlagLoad, "", "(optional) JSON document the store is reset with on start")

	return cmd
}

// openPersister opens the snapshot storage.
func openPersister(backend, path string) (storage.Persister, func() error, error) {
	switch backend {
	case backendFile:
		p, err := storage.NewFilePersister(afero.NewOsFs(), path)
		if err != nil {
			return nil, nil, fmt.Errorf("file snapshot: %w", err)
		}
		return p, func() error { return nil }, nil
	case backendBolt:
		p, err := storage.NewBoltPersister(path)
		if err != nil {
			return nil, nil, fmt.Errorf("bolt snapshot: %w", err)
		}
		return p, p.Close, nil
	}

	return nil, nil, fmt.Errorf("%s: unknown backend %q", FlagSnapshotBackend, backend)
}

func init() {
	rootCmd.AddCommand(GetServerCmd())
}
