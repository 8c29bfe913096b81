package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"smartdip/internal/fsutil"
	"smartdip/internal/ops"
	"smartdip/internal/pipeline"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "smartdip",
		Short: "smartdip is an image-processing pipeline workbench",
		Long: `smartdip applies ordered pipelines of image operations (filters, edge
detectors, morphology, segmentation, frequency-domain and restoration
transforms) to uploaded images, over HTTP, gRPC or from the command line.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newProcessCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newOpsCmd(root))
	rootCmd.AddCommand(newPlanCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newUploadsCmd(root))
	rootCmd.AddCommand(newClearUploadsCmd(root))
	rootCmd.AddCommand(newRemoteCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// Run executes the command tree with args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func addStageFlags(cmd *cobra.Command, specs *[]string, file *string) {
	cmd.Flags().StringArrayVar(specs, "op", nil, "operation as name, name:key=value,... or name:{json} (repeatable, in order)")
	cmd.Flags().StringVar(file, "ops-file", "", "JSON file with an array of {\"type\", \"params\"} stages, appended after --op")
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, job queue and optional gRPC service",
		Long: `Start the HTTP API used by the web client, the background job queue and,
when an address is configured, the smartdip.v1.Processor gRPC service.

Examples:
  smartdip serve --addr :5000
  smartdip serve --addr :5000 --grpc-addr :50051 --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				Addr:     root.cfg.Server.Addr,
				GRPCAddr: root.cfg.Server.GRPCAddr,
				Watch:    root.cfg.Uploads.Watch,
			}
			if cmd.Flags().Changed("addr") {
				opts.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				opts.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("watch") {
				opts.Watch = watch
			}
			root.log.Info("starting server", "addr", opts.Addr, "grpc_addr", opts.GRPCAddr, "uploads", root.cfg.Uploads.Dir)
			return root.serveFn(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address, empty disables it")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep the upload catalogue in sync with the upload directory")
	return cmd
}

func newProcessCmd(root *Root) *cobra.Command {
	var (
		specs     []string
		opsFile   string
		output    string
		allStages bool
		format    string
	)

	cmd := &cobra.Command{
		Use:   "process <image>",
		Short: "Run a pipeline over one image",
		Long: `Run operations in order over an image and write the result.

Examples:
  smartdip process photo.png --op grayscale --op threshold:threshold_value=100
  smartdip process photo.png --op 'gaussian_blur:{"kernel_size":7}' --all -o out/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := stagesFromFlags(specs, opsFile)
			if err != nil {
				return err
			}
			if output == "" {
				output = root.cfg.Processing.OutputDir
			}
			return root.processFile(cmd.Context(), cmd.OutOrStdout(), processOptions{
				Input:     args[0],
				Stages:    stages,
				OutputDir: output,
				AllStages: allStages,
				Format:    format,
			})
		},
	}

	addStageFlags(cmd, &specs, &opsFile)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default from config)")
	cmd.Flags().BoolVar(&allStages, "all", false, "write every stage image, not only the final one")
	cmd.Flags().StringVar(&format, "format", "", "output format: png, jpeg or webp (default from config)")
	return cmd
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		specs   []string
		opsFile string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "batch <directory>",
		Short: "Queue the same pipeline for every image in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := stagesFromFlags(specs, opsFile)
			if err != nil {
				return err
			}
			if err := pipeline.Validate(root.registry, stages); err != nil {
				return err
			}
			files, err := fsutil.ListImages(args[0], root.cfg.Uploads.AllowedExtension)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no images in %s", args[0])
			}
			if output == "" {
				output = root.cfg.Processing.OutputDir
			}

			jobs := make([]pipeline.Job, len(files))
			for i, path := range files {
				jobs[i] = pipeline.Job{ID: newID("batch"), Source: path, Stages: stages}
			}

			queue := root.queueFn(cmd.Context(), output)
			defer queue.Stop()

			start := time.Now()
			events, err := enqueueAndWait(cmd.Context(), queue, jobs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for i, ev := range events {
				if ev.Kind == pipeline.EventFailed {
					failed++
					fmt.Fprintf(out, "FAIL %s: %s\n", filepath.Base(files[i]), ev.Error)
					continue
				}
				fmt.Fprintf(out, "ok   %s -> %s (%s)\n", filepath.Base(files[i]), ev.Output, ev.Duration.Round(time.Millisecond))
			}
			fmt.Fprintf(out, "%d images, %d failed, %s\n", len(files), failed, time.Since(start).Round(time.Millisecond))
			if failed > 0 {
				return fmt.Errorf("%d of %d images failed", failed, len(files))
			}
			return nil
		},
	}

	addStageFlags(cmd, &specs, &opsFile)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default from config)")
	return cmd
}

func newOpsCmd(root *Root) *cobra.Command {
	var (
		category string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "ops [operation]",
		Short: "List available operations and their parameters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				op, err := root.registry.Lookup(args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, ops.Describe(root.registry).Details[op.Name])
				}
				printOperation(out, op)
				return nil
			}
			if asJSON {
				return writeJSON(out, ops.Describe(root.registry))
			}
			for _, op := range root.registry.Operations() {
				if category != "" && string(op.Category) != category {
					continue
				}
				printOperation(out, op)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "only list this category")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the discovery listing as JSON")
	return cmd
}

func printOperation(w io.Writer, op *ops.Operation) {
	fmt.Fprintf(w, "%-24s %-14s %s\n", op.Name, op.Category, op.Summary)
	for _, p := range op.Parameters() {
		line := fmt.Sprintf("    %-22s %-8s default=%v", p.Name, p.Type, p.Default)
		if len(p.Options) > 0 {
			line += " options=" + strings.Join(p.Options, "|")
		}
		fmt.Fprintln(w, line)
	}
}

func newPlanCmd(root *Root) *cobra.Command {
	var (
		specs   []string
		opsFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print a pipeline as a Graphviz DOT graph",
		Long: `Validate a pipeline without running it and print it as a DOT graph.

Example:
  smartdip plan --op grayscale --op canny_edge | dot -Tsvg > plan.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := stagesFromFlags(specs, opsFile)
			if err != nil {
				return err
			}
			return pipeline.WriteDOT(cmd.OutOrStdout(), root.registry, stages)
		},
	}

	addStageFlags(cmd, &specs, &opsFile)
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errNoStore
			}
			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSOURCE\tSTATUS\tSTAGES\tDURATION\tCREATED")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					run.ID, run.Source, run.Status, run.StageCount, len(run.Operations),
					run.Duration.Round(time.Millisecond), humanize.Time(run.CreatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errNoStore
			}
			run, stages, err := root.store.Run(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:        %s\n", run.ID)
			fmt.Fprintf(out, "Source:     %s\n", run.Source)
			fmt.Fprintf(out, "Status:     %s\n", run.Status)
			fmt.Fprintf(out, "Operations: %s\n", strings.Join(run.Operations, " -> "))
			fmt.Fprintf(out, "Created:    %s\n", humanize.Time(run.CreatedAt))
			if run.Error != "" {
				fmt.Fprintf(out, "Error:      %s\n", run.Error)
			}
			if run.OutputPath != "" {
				fmt.Fprintf(out, "Output:     %s\n", run.OutputPath)
			}
			for _, st := range stages {
				fmt.Fprintf(out, "  [%d] %-22s %dx%dx%d %s\n", st.Index, st.Operation, st.Width, st.Height, st.Channels, st.Duration.Round(time.Microsecond))
			}
			return nil
		},
	}
	cmd.AddCommand(showCmd)
	return cmd
}

func newUploadsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "List catalogued uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errNoStore
			}
			uploads, err := root.store.Uploads(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tSIZE\tDIMENSIONS\tFORMAT\tSOURCE\tADDED")
			for _, u := range uploads {
				fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%s\t%s\t%s\n",
					u.Filename, humanize.Bytes(uint64(u.SizeBytes)), u.Width, u.Height,
					u.Format, u.Source, humanize.Time(u.CreatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of uploads")
	return cmd
}

func newClearUploadsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-uploads",
		Short: "Delete every file in the upload directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := fsutil.Clear(root.cfg.Uploads.Dir)
			if err != nil {
				return err
			}
			if _, err := root.store.ClearUploads(); err != nil {
				root.log.Warn("clear upload catalogue", "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d files from %s\n", n, root.cfg.Uploads.Dir)
			return nil
		},
	}
}

func newRemoteCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Call a smartdip gRPC service",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost:50051", "gRPC server address")

	opsCmd := &cobra.Command{
		Use:   "ops",
		Short: "List the operations of a remote service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.dialFn(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			cat, err := client.ListOperations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			categories := make([]string, 0, len(cat.Operations))
			for c := range cat.Operations {
				categories = append(categories, string(c))
			}
			sort.Strings(categories)
			for _, c := range categories {
				fmt.Fprintf(out, "%s: %s\n", c, strings.Join(cat.Operations[ops.Category(c)], ", "))
			}
			return nil
		},
	}

	var (
		specs   []string
		opsFile string
		output  string
	)
	processCmd := &cobra.Command{
		Use:   "process <image>",
		Short: "Process an image on a remote service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := stagesFromFlags(specs, opsFile)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			client, err := root.dialFn(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			start := time.Now()
			reply, err := client.Process(cmd.Context(), data, stages)
			if err != nil {
				return err
			}
			return root.writeRemote(cmd.OutOrStdout(), args[0], output, reply, time.Since(start))
		},
	}
	addStageFlags(processCmd, &specs, &opsFile)
	processCmd.Flags().StringVarP(&output, "output", "o", "", "directory for stage images (default from config)")

	cmd.AddCommand(opsCmd, processCmd)
	return cmd
}
