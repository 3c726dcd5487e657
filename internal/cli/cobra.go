package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sectionreg/internal/config"
	"sectionreg/internal/pipeline"
	"sectionreg/internal/registration"
	"sectionreg/internal/storage"
)

// Version is stamped at build time with -ldflags "-X sectionreg/internal/cli.Version=...".
var Version = "dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sectionreg",
		Short: "sectionreg manages serial-section registration runs",
		Long: `sectionreg names slice images in a serial-section stack, plans the
fixed/moving pairs for registration, and reads, indexes and exports the
binary results files the registration queue produces.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newNameCmd(root))
	rootCmd.AddCommand(newPlanCmd(root))
	rootCmd.AddCommand(newImportCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newAccumulateCmd(root))
	rootCmd.AddCommand(newStatsCmd(root))
	rootCmd.AddCommand(newInfoCmd(root))
	rootCmd.AddCommand(newVerifyCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newNameCmd(root *Root) *cobra.Command {
	var (
		dir     string
		pattern bool
		bare    bool
	)

	cmd := &cobra.Command{
		Use:   "name <slice>...",
		Short: "Print the image path for slice numbers",
		Long: `Resolve slice numbers to image paths using the configured stack naming
(prefix, zero-padded width, suffix, extension under the parent directory).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack := root.cfg.Stack.Config
			if dir != "" {
				stack.ParentDirectory = dir
			}
			cfg := *root.cfg
			cfg.Stack.Config = stack
			n, err := cfg.Namer()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if pattern {
				fmt.Fprintln(out, n.String())
			}
			if len(args) == 0 && !pattern {
				return fmt.Errorf("at least one slice number is required")
			}
			for _, arg := range args {
				slice, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("slice %q is not a number", arg)
				}
				var name string
				if bare {
					name, err = n.FileName(slice)
				} else {
					name, err = n.FullPath(slice)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "stack directory (overrides stack.parent_directory)")
	cmd.Flags().BoolVar(&pattern, "pattern", false, "print the naming pattern")
	cmd.Flags().BoolVar(&bare, "bare", false, "print file names without the directory")
	return cmd
}

func newPlanCmd(root *Root) *cobra.Command {
	var (
		first    int
		last     int
		output   string
		stackDir string
		scaling  float64
		probe    bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Write pending registration records for consecutive slice pairs",
		Long: `Create a results file with one pending record per consecutive pair
(first,first+1) .. (last-1,last). The registration queue fills in each record
and marks it complete.

Examples:
  sectionreg plan --first 0 --last 199 -o run.reg
  sectionreg plan --last 50 --probe --stack-dir /data/stack`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{
				"first":  first,
				"probe":  probe,
				"source": "cli",
			}
			if cmd.Flags().Changed("last") {
				opts["last"] = last
			}
			if stackDir != "" {
				opts["stackDir"] = stackDir
			}
			if scaling != 0 {
				opts["scaling"] = scaling
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:      newID("plan"),
				Type:    pipeline.JobPlan,
				Output:  output,
				Options: opts,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "planned %v pairs (slices %v-%v) -> %v\n",
				res.Meta["pairs"], res.Meta["first"], res.Meta["last"], res.Meta["output"])
			return nil
		},
	}

	cmd.Flags().IntVar(&first, "first", 0, "first slice")
	cmd.Flags().IntVar(&last, "last", 0, "last slice (default: stack max slice)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "results file to write (default: <results_dir>/plan-<id>.reg)")
	cmd.Flags().StringVar(&stackDir, "stack-dir", "", "stack directory (overrides stack.parent_directory)")
	cmd.Flags().Float64Var(&scaling, "scaling", 0, "microns per pixel (default: stack.scaling)")
	cmd.Flags().BoolVar(&probe, "probe", false, "read image dimensions with ImageMagick")
	return cmd
}

func newImportCmd(root *Root) *cobra.Command {
	var swap bool

	cmd := &cobra.Command{
		Use:   "import <results.reg>...",
		Short: "Index results files in the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				opts := map[string]any{"source": "cli"}
				if cmd.Flags().Changed("swap") {
					opts["swap"] = swap
				}
				res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
					ID:        newID("import"),
					Type:      pipeline.JobImport,
					InputPath: path,
					Options:   opts,
				})
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: run %v, %v records (%v complete)\n",
					path, res.Meta["run"], res.Meta["records"], res.Meta["complete"])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&swap, "swap", false, "results were written on a machine of the opposite byte order")
	return cmd
}

func exportFlags(cmd *cobra.Command, output, delimiter *string, swap *bool) {
	cmd.Flags().StringVarP(output, "output", "o", "", "output file (default: next to the input; '-' for stdout)")
	cmd.Flags().StringVarP(delimiter, "delimiter", "d", "", "column delimiter: tab, comma, space or a literal (default: export.delimiter)")
	cmd.Flags().BoolVar(swap, "swap", false, "results were written on a machine of the opposite byte order")
}

func (r *Root) exportOptions(cmd *cobra.Command, delimiter string, swap bool) map[string]any {
	opts := map[string]any{"source": "cli"}
	if delimiter != "" {
		opts["delimiter"] = delimiter
	}
	if cmd.Flags().Changed("swap") {
		opts["swap"] = swap
	}
	return opts
}

func (r *Root) swapFlag(cmd *cobra.Command, swap bool) bool {
	if cmd.Flags().Changed("swap") {
		return swap
	}
	return r.cfg.Stack.SwapBytes
}

func (r *Root) delimiterFlag(delimiter string) string {
	if delimiter == "" {
		delimiter = r.cfg.Export.Delimiter
	}
	return registration.Delimiter(delimiter)
}

func newExportCmd(root *Root) *cobra.Command {
	var (
		output    string
		delimiter string
		swap      bool
	)

	cmd := &cobra.Command{
		Use:   "export <results.reg>",
		Short: "Write a results file as a delimited text table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "-" {
				recs, err := registration.ReadFile(args[0], root.swapFlag(cmd, swap))
				if err != nil {
					return err
				}
				return registration.WriteTable(cmd.OutOrStdout(), recs, root.delimiterFlag(delimiter))
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("export"),
				Type:      pipeline.JobExport,
				InputPath: args[0],
				Output:    output,
				Options:   root.exportOptions(cmd, delimiter, swap),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %v rows to %v\n", res.Meta["rows"], res.Meta["output"])
			return nil
		},
	}

	exportFlags(cmd, &output, &delimiter, &swap)
	return cmd
}

func newAccumulateCmd(root *Root) *cobra.Command {
	var (
		output    string
		delimiter string
		swap      bool
	)

	cmd := &cobra.Command{
		Use:   "accumulate <results.reg>",
		Short: "Chain pair translations into per-slice offsets",
		Long: `Accumulate the translations of consecutive pairs so every slice gets its
offset relative to the first slice. Incomplete pairs contribute no translation
and are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "-" {
				recs, err := registration.ReadFile(args[0], root.swapFlag(cmd, swap))
				if err != nil {
					return err
				}
				acc, err := registration.Accumulate(recs)
				if err != nil {
					return err
				}
				for _, p := range acc.Incomplete {
					root.log.Warn("incomplete pair contributed zero translation", "fixed", p[0], "moving", p[1])
				}
				return registration.WriteOffsets(cmd.OutOrStdout(), acc.Offsets, root.delimiterFlag(delimiter))
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("accumulate"),
				Type:      pipeline.JobAccumulate,
				InputPath: args[0],
				Output:    output,
				Options:   root.exportOptions(cmd, delimiter, swap),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote offsets for %v slices to %v\n", res.Meta["slices"], res.Meta["output"])
			if inc, _ := res.Meta["incomplete"].([]string); len(inc) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "incomplete pairs: %v\n", inc)
			}
			return nil
		},
	}

	exportFlags(cmd, &output, &delimiter, &swap)
	return cmd
}

func newStatsCmd(root *Root) *cobra.Command {
	var swap bool

	cmd := &cobra.Command{
		Use:   "stats <results.reg>",
		Short: "Summarize translations and costs of a results file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := registration.ReadFile(args[0], root.swapFlag(cmd, swap))
			if err != nil {
				return err
			}
			return registration.Summarize(recs).Print(cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&swap, "swap", false, "results were written on a machine of the opposite byte order")
	return cmd
}

func newInfoCmd(root *Root) *cobra.Command {
	var swap bool

	cmd := &cobra.Command{
		Use:   "info <results.reg>",
		Short: "Describe a results file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			st, err := os.Stat(path)
			if err != nil {
				return err
			}
			recs, readErr := registration.ReadFile(path, root.swapFlag(cmd, swap))
			if readErr != nil && !errors.Is(readErr, registration.ErrTruncated) {
				return readErr
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "File:      %s\n", path)
			fmt.Fprintf(out, "Size:      %s (%d bytes)\n", humanize.Bytes(uint64(st.Size())), st.Size())
			fmt.Fprintf(out, "Modified:  %s\n", humanize.Time(st.ModTime()))
			fmt.Fprintf(out, "Records:   %d\n", len(recs))
			if len(recs) > 0 {
				slices := make([]int, 0, 2*len(recs))
				complete := 0
				for i := range recs {
					slices = append(slices, int(recs[i].FixedSlice), int(recs[i].MovingSlice))
					if recs[i].IsComplete() {
						complete++
					}
				}
				sort.Ints(slices)
				fmt.Fprintf(out, "Slices:    %d-%d\n", slices[0], slices[len(slices)-1])
				fmt.Fprintf(out, "Complete:  %d of %d\n", complete, len(recs))
				fmt.Fprintf(out, "Images:    %s\n", filepath.Dir(recs[0].FixedImagePath))
			}
			if readErr != nil {
				fmt.Fprintf(out, "Warning:   %v\n", readErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&swap, "swap", false, "results were written on a machine of the opposite byte order")
	return cmd
}

func newVerifyCmd(root *Root) *cobra.Command {
	var (
		first    int
		last     int
		stackDir string
		probe    bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that every slice image of the stack exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"first": first, "probe": probe, "source": "cli"}
			if cmd.Flags().Changed("last") {
				opts["last"] = last
			}
			if stackDir != "" {
				opts["stackDir"] = stackDir
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:      newID("verify"),
				Type:    pipeline.JobVerify,
				Options: opts,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "present: %v\n", res.Meta["present"])
			if missing, _ := res.Meta["missing"].([]int); len(missing) > 0 {
				fmt.Fprintf(out, "missing: %v\n", missing)
			}
			if mismatched, _ := res.Meta["mismatched"].([]int); len(mismatched) > 0 {
				fmt.Fprintf(out, "size mismatch: %v\n", mismatched)
			}
			if b, ok := res.Meta["bytes"].(int64); ok {
				fmt.Fprintf(out, "total size: %s\n", humanize.Bytes(uint64(b)))
			}
			if ok, _ := res.Meta["ok"].(bool); !ok {
				return fmt.Errorf("stack is incomplete")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&first, "first", 0, "first slice")
	cmd.Flags().IntVar(&last, "last", 0, "last slice (default: stack max slice)")
	cmd.Flags().StringVar(&stackDir, "stack-dir", "", "stack directory (overrides stack.parent_directory)")
	cmd.Flags().BoolVar(&probe, "probe", false, "check that all slices share one image size")
	return cmd
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir]...",
		Short: "Import results files as they are written",
		Long: `Watch directories (default: paths.results_dir) and import every results
file once it has stopped changing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{root.cfg.Paths.ResultsDir}
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			root.log.Info("watching for results files", "dirs", dirs)
			return root.watchFn(ctx, root, dirs)
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC APIs",
		Long: `Serve job monitoring, the results index and slice naming over HTTP and gRPC.
Optionally watch results directories and import new files automatically.

Examples:
  sectionreg serve --addr 127.0.0.1:8080 --grpc-addr 127.0.0.1:9090
  sectionreg serve --watch /data/results`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			root.log.Info("starting server",
				"addr", opts.HTTPAddr,
				"grpc_addr", opts.GRPCAddr,
				"watch_paths", opts.WatchPaths,
			)
			return root.serveFn(ctx, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port, empty to disable)")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address (host:port, empty to disable)")
	cmd.Flags().StringSliceVar(&opts.WatchPaths, "watch", nil, "results directories to import from automatically")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("sectionreg %s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
