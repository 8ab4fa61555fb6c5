package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/download"
	"github.com/fmueller/voxd/internal/whisper"
)

func newSetupCmd(app *appState) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			if list {
				return listModels(cmd.OutOrStdout(), cfg.ModelDir)
			}

			resolved, err := whisper.ResolveModel(cfg.Model, cfg.ModelDir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}

			app.log().Info("checking model",
				zap.String("model", resolved.Name),
				zap.String("path", resolved.Path),
				zap.String("size", humanBytes(resolved.Size)))
			fetched, err := download.Ensure(cmd.Context(), app.downloadOptions(resolved))
			if err != nil {
				return fmt.Errorf("download model %s: %w", resolved.Name, err)
			}

			if !fetched {
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", resolved.Name, resolved.Path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s (%s)\n", resolved.Name, resolved.Path, humanBytes(resolved.Size))
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List known models and whether they are installed")

	return cmd
}

func listModels(w io.Writer, modelDir string) error {
	models, err := whisper.Inventory(modelDir)
	if err != nil {
		return err
	}
	for _, m := range models {
		status := "-"
		if m.Installed {
			status = "installed"
		}
		fmt.Fprintf(w, "%-10s %10s  %s\n", m.Name, humanBytes(m.Size), status)
	}
	return nil
}
