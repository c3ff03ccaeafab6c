package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itiky/deltasync/model"
	"github.com/itiky/deltasync/service/client"
	"github.com/itiky/deltasync/service/server"
)

const (
	FlagURL            = "url"
	FlagMaxDelay       = "max-delay"
	FlagRequestTimeout = "request-timeout"
	FlagClientID       = "client-id"
	FlagPatchPeriod    = "patch-period"
	FlagPatchMax       = "patch-max"
	FlagFollow         = "follow"
)

// GetClientCmd returns sync client start command.
func GetClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start sync client sending random patches",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Parse inputs
			var cfg client.Config
			if err := vip.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("parsing client config: %w", err)
			}
			clientID := vip.GetString(FlagClientID)
			if clientID == "" {
				clientID = "c" + strconv.Itoa(rand.Intn(1000))
			}
			patchPeriod := vip.GetDuration(FlagPatchPeriod)
			if patchPeriod <= 0 {
				return fmt.Errorf("%s: must be GT 0", FlagPatchPeriod)
			}
			patchMax := vip.GetInt(FlagPatchMax)
			if patchMax < 1 {
				return fmt.Errorf("%s: must be GTE 1", FlagPatchMax)
			}
			follow := vip.GetBool(FlagFollow)

			logger = logger.With(zap.String("client", clientID))

			// Init client
			c, err := client.NewHTTPClient(cfg, logger, client.WithEvents(client.Events{
				OnRequestError: func(err error) {
					logger.Warn("sync request failed", zap.Error(err))
				},
				OnRetry: func(delay time.Duration) {
					logger.Info("sync retry scheduled", zap.Duration("delay", delay))
				},
			}))
			if err != nil {
				return fmt.Errorf("client init: %w", err)
			}

			c.Subscribe(model.Path{}, func(_ any, _ model.Path, doc, diff model.Map) {
				logger.Info("document changed", zap.Int("keys", len(doc)), zap.Stringer("diff", diff))
			}, nil)

			c.Start()
			defer c.Stop()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if follow {
				<-ctx.Done()
				return nil
			}

			ticker := time.NewTicker(patchPeriod)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					sendRandomChanges(c, clientID, patchMax, logger)
				}
			}
		},
	}
	cmd.Flags().String(FlagURL, client.DefaultConfig().URL, "(optional) sync endpoint URL")
	cmd.Flags().Duration(FlagMaxDelay, client.DefaultConfig().MaxDelay, "(optional) retry backoff limit")
	cmd.Flags().Duration(FlagRequestTimeout, client.DefaultConfig().RequestTimeout, "(optional) non long-poll request timeout")
	cmd.Flags().String(FlagClientID, "", "(optional) client ID used as the root key of own changes (random if empty)")
	cmd.Flags().Duration(FlagPatchPeriod, time.Second, "(optional) random changes period")
	cmd.Flags().Int(FlagPatchMax, 5, "(optional) max number of changes per period")
	cmd.Flags().Bool(FlagFollow, false, "(optional) only follow document changes")

	return cmd
}

// sendRandomChanges sets, deletes and RPC-patches random keys under the client root key.
func sendRandomChanges(c *client.Client, clientID string, patchMax int, logger *zap.Logger) {
	n := rand.Intn(patchMax) + 1
	for i := 0; i < n; i++ {
		path := model.Path{clientID, "k" + strconv.Itoa(rand.Intn(10))}
		value := model.Number(rand.Int31())

		switch rand.Intn(3) {
		case 0:
			c.Patch(path, value)
		case 1:
			c.Patch(path, model.Null{})
		case 2:
			patch := model.PathSet(path, value)
			c.RPC(server.MethodPatch, patch, func(_ model.Value, err *model.RPCError) {
				if err != nil {
					logger.Warn("patch call failed", zap.Int("code", err.Code), zap.String("message", err.Message))
				}
			}, patch)
		}
	}
}

func init() {
	rootCmd.AddCommand(GetClientCmd())
}
