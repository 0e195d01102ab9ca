package main

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"offline-gateway/internal/config"
)

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "Inspect and delete cache generations",
}

var generationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache generations in the configured store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, cfg config.Config, s storeOps) error {
			names, err := s.List(ctx)
			if err != nil {
				return err
			}
			printGenerations(cmd.OutOrStdout(), names, cfg.CachePrefix+"-"+cfg.Version)
			return nil
		})
	},
}

var generationsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a cache generation and all its entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, _ config.Config, s storeOps) error {
			if err := s.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	generationsCmd.AddCommand(generationsListCmd)
	generationsCmd.AddCommand(generationsDeleteCmd)
}

func printGenerations(w io.Writer, names []string, current string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Generation", "Current"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, name := range names {
		mark := ""
		if name == current {
			mark = "*"
		}
		table.Append([]string{name, mark})
	}
	table.Render()
}

type storeOps interface {
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// withStore opens the configured store for one administrative operation.
func withStore(ctx context.Context, fn func(context.Context, config.Config, storeOps) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	rc, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	s, closeStore, err := openStore(cfg, rc)
	if err != nil {
		return err
	}
	defer closeStore()

	return fn(ctx, cfg, s)
}
