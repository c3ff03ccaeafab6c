package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/itiky/deltasync/model"
	"github.com/itiky/deltasync/service/client"
)

const (
	FlagPath    = "path"
	FlagCall    = "call"
	FlagParams  = "params"
	FlagRetries = "retries"
	FlagSet     = "set"
	FlagBase    = "base"
	FlagStore   = "store"
	FlagWait    = "wait"
)

// GetFetchCmd returns one-shot document fetch / patch / RPC call command.
func GetFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the document (or a node), send a patch or run a single RPC call",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Parse inputs
			path := model.ParsePath(vip.GetString(FlagPath))
			req := &model.Request{
				Store: vip.GetString(FlagStore),
				Base:  model.Revision(vip.GetString(FlagBase)),
				Wait:  vip.GetBool(FlagWait),
			}
			if rawValue := vip.GetString(FlagSet); rawValue != "" {
				value, err := model.ParseValue([]byte(rawValue))
				if err != nil {
					return fmt.Errorf("%s flag: %w", FlagSet, err)
				}
				if _, isMap := value.(model.Map); len(path) == 0 && !isMap {
					return fmt.Errorf("%s flag: map expected for the root path, got %s", FlagSet, model.KindOf(value))
				}
				req.Patch = model.PathSet(path, value)
			}
			if method := vip.GetString(FlagCall); method != "" {
				call := model.Call{
					JSONRPC: model.JSONRPCVersion,
					ID:      1,
					Method:  method,
				}
				if rawParams := vip.GetString(FlagParams); rawParams != "" {
					params, err := model.ParseValue([]byte(rawParams))
					if err != nil {
						return fmt.Errorf("%s flag: %w", FlagParams, err)
					}
					call.Params = params
				}
				req.RPC = []model.Call{call}
			}

			requestTimeout := vip.GetDuration(FlagRequestTimeout)
			transport, err := client.NewHTTPTransport(vip.GetString(FlagURL),
				client.WithTransportLogger(logger),
				client.WithRequestTimeout(requestTimeout),
				client.WithRetries(vip.GetInt(FlagRetries), 500*time.Millisecond, 5*time.Second),
			)
			if err != nil {
				return fmt.Errorf("transport init: %w", err)
			}

			// Work
			res, err := transport.Exchange(context.Background(), req)
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}

			var out interface{}
			switch {
			case len(req.RPC) > 0:
				out = res.Ans
			case req.Patch != nil || !req.Base.IsZero():
				out = res
			default:
				out = model.PathGet(res.Data, path, model.Null{})
			}

			raw, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("output marshal: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))

			return nil
		},
	}
	cmd.Flags().String(FlagURL, client.DefaultConfig().URL, "(optional) sync endpoint URL")
	cmd.Flags().Duration(FlagRequestTimeout, client.DefaultConfig().RequestTimeout, "(optional) request timeout")
	cmd.Flags().Int(FlagRetries, 5, "(optional) max number of request retries")
	cmd.Flags().String(FlagPath, "", "(optional) dot-separated path of the node to print")
	cmd.Flags().String(FlagCall, "", "(optional) RPC method to call instead of fetching the document")
	cmd.Flags().String(FlagParams, "", "(optional) RPC call params (JSON)")
	cmd.Flags().String(FlagSet, "", "(optional) JSON value to set at the path")
	cmd.Flags().String(FlagBase, "", "(optional) base revision, the reply carries a diff against it")
	cmd.Flags().String(FlagStore, "", "(optional) store uid the base revision belongs to")
	cmd.Flags().Bool(FlagWait, false, "(optional) wait for a change of the base revision")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetFetchCmd())
}
