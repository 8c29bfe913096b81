package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"smartdip/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), root.cfg)
			}
			root.configShow(cmd.OutOrStdout())
			return nil
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate the active configuration or a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if len(args) == 1 {
				loaded, err := config.LoadFile(args[0])
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow(w io.Writer) {
	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		cfgPath = "(defaults)"
	}
	c := r.cfg
	fmt.Fprintf(w, "Current configuration:\n")
	fmt.Fprintf(w, "Config file: %s\n", cfgPath)
	fmt.Fprintf(w, "\nServer:\n")
	fmt.Fprintf(w, "  HTTP address: %s\n", c.Server.Addr)
	grpcAddr := c.Server.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = "(disabled)"
	}
	fmt.Fprintf(w, "  gRPC address: %s\n", grpcAddr)
	fmt.Fprintf(w, "  Shutdown timeout: %s\n", c.Server.ShutdownTimeout.Duration)
	fmt.Fprintf(w, "\nUploads:\n")
	fmt.Fprintf(w, "  Directory: %s\n", c.Uploads.Dir)
	fmt.Fprintf(w, "  Size limit: %s\n", humanize.Bytes(uint64(c.Uploads.MaxBytes)))
	fmt.Fprintf(w, "  Extensions: %s\n", strings.Join(c.Uploads.Extensions, ", "))
	fmt.Fprintf(w, "  Watch: %t\n", c.Uploads.Watch)
	fmt.Fprintf(w, "\nTransfer:\n")
	fmt.Fprintf(w, "  Output format: %s\n", c.Transfer.OutputFormat)
	fmt.Fprintf(w, "  JPEG quality: %d\n", c.Transfer.JPEGQuality)
	fmt.Fprintf(w, "  Preview max dimension: %d\n", c.Transfer.PreviewMaxDim)
	fmt.Fprintf(w, "  ImageMagick fallback: %t\n", c.Transfer.MagickFallback)
	fmt.Fprintf(w, "\nProcessing:\n")
	fmt.Fprintf(w, "  Workers: %d\n", c.Processing.Workers)
	fmt.Fprintf(w, "  Queue size: %d\n", c.Processing.QueueSize)
	fmt.Fprintf(w, "  Output directory: %s\n", c.Processing.OutputDir)
	fmt.Fprintf(w, "\nStorage: %s (%s)\n", c.Storage.Path, c.Storage.Driver)
	fmt.Fprintf(w, "Logging: %s, %s\n", c.Logging.Level, c.Logging.Format)
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "smartdip %s (OpenCV %s, %s, %d operations)\n",
				Version, gocv.OpenCVVersion(), runtime.Version(), root.registry.Len())
		},
	}
}
