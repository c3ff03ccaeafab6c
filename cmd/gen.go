package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/itiky/deltasync/storage"
)

const (
	FlagFilePath = "file-path"
	FlagWidth    = "width"
	FlagDepth    = "depth"
)

// GetGenerateCmd returns generate mock document command.
func GetGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate mock document",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Work
			if err := storage.GenAndSaveDocument(
				afero.NewOsFs(),
				vip.GetString(FlagFilePath),
				vip.GetInt(FlagWidth),
				vip.GetInt(FlagDepth),
				logger,
			); err != nil {
				return fmt.Errorf("gen failed: %w", err)
			}

			return nil
		},
	}
	cmd.Flags().String(FlagFilePath, "./doc.json", "(optional) output file path")
	cmd.Flags().Int(FlagWidth, 10, "(optional) keys per map")
	cmd.Flags().Int(FlagDepth, 3, "(optional) map nesting depth")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetGenerateCmd())
}
