package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmetric/segmetric/internal/config"
	"github.com/segmetric/segmetric/internal/metrics"
	"github.com/segmetric/segmetric/internal/preview"
	"github.com/segmetric/segmetric/internal/sink"
	"github.com/segmetric/segmetric/internal/store"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the pipeline commands
type Options struct {
	InputPath     string
	OutputDir     string
	ModelPath     string
	Confidence    float64
	ResizeFactor  int
	WorkerTimeout string
	PythonBin     string
	WorkerScript  string
}

// logCapacity is the number of lines kept for --log-export.
const logCapacity = 10000

var (
	// DB is the optional run archive shared by subcommands
	DB store.Archive
	// dbURL is the connection string
	dbURL string

	logExport   string
	previewAddr string
	quiet       bool

	// Log receives every message of the command; memLog keeps them for export.
	Log    sink.Log = sink.Discard{}
	memLog *sink.Memory

	runMetrics = metrics.New()
	hub        *preview.Hub
	server     *preview.Server
	stopHub    context.CancelFunc
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "segmetric",
	Short:   "Batch instance segmentation and measurement for images and video",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}

		memLog = sink.NewMemory(logCapacity)
		Log = memLog
		if !quiet {
			console, err := sink.NewConsole()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			Log = sink.Tee{memLog, console}
		}

		// If no flag was provided, try to build the connection string from the environment
		if dbURL == "" {
			dbURL = config.DatabaseURL()
		}
		if dbURL != "" {
			var err error
			// Use the command's context (which will be cancellable) for the connection
			DB, err = store.Open(cmd.Context(), dbURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
		}

		if previewAddr != "" {
			var ctx context.Context
			ctx, stopHub = context.WithCancel(context.Background())
			hub = preview.NewHub(Log)
			go hub.Run(ctx)
			server = preview.NewServer(hub, runMetrics, Log)
			if err := server.Start(previewAddr); err != nil {
				return fmt.Errorf("failed to start preview server: %w", err)
			}
			fmt.Fprintf(os.Stderr, "📺 Live preview at http://%s/frame.jpg\n", server.Addr())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// shutdown runs whether or not the command failed.
func shutdown() {
	if DB != nil {
		DB.Close(context.Background())
		DB = nil
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		server.Shutdown(ctx)
		cancel()
	}
	if stopHub != nil {
		stopHub()
	}
	if logExport != "" && memLog != nil {
		if err := memLog.Export(logExport); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to export log to %s: %v\n", logExport, err)
		} else {
			fmt.Fprintf(os.Stderr, "📝 Log written to %s\n", logExport)
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Run archive: PostgreSQL URL, sqlite://path or path.db (default: $SEGMETRIC_DB or POSTGRES_* variables)")
	rootCmd.PersistentFlags().StringVar(&logExport, "log-export", "", "Write the session log to this file when the command ends")
	rootCmd.PersistentFlags().StringVar(&previewAddr, "preview-addr", "", "Serve a live preview and metrics on this address (e.g. :8090)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only print errors and the final summary")
}

// addModelFlags registers the flags every inference command shares.
func addModelFlags(cmd *cobra.Command, opts *Options) {
	env := config.FromEnv()
	cmd.Flags().StringVarP(&opts.ModelPath, "model", "m", env.ModelPath, "Path to the segmentation model weights ($SEGMETRIC_MODEL)")
	cmd.Flags().Float64VarP(&opts.Confidence, "confidence", "c", env.Confidence, "Detection confidence threshold (0.0-1.0)")
	cmd.Flags().StringVar(&opts.WorkerTimeout, "worker-timeout", env.WorkerTimeout, "Timeout for the model worker to process a single frame")
	cmd.Flags().StringVar(&opts.PythonBin, "python", env.PythonBin, "Python interpreter used for the model worker")
	cmd.Flags().StringVar(&opts.WorkerScript, "worker", env.WorkerScript, "Model worker script")
}

// toConfig merges flags over environment defaults. .env is loaded after flags are
// registered, so unchanged flags take the environment's value.
func toConfig(cmd *cobra.Command, opts Options) config.Config {
	cfg := config.FromEnv()
	cfg.InputPath = opts.InputPath
	cfg.DBURL = dbURL
	set := func(name string, apply func()) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			apply()
		}
	}
	set("output", func() { cfg.OutputDir = opts.OutputDir })
	set("model", func() { cfg.ModelPath = opts.ModelPath })
	set("confidence", func() { cfg.Confidence = opts.Confidence })
	set("resize", func() { cfg.ResizeFactor = opts.ResizeFactor })
	set("worker-timeout", func() { cfg.WorkerTimeout = opts.WorkerTimeout })
	set("python", func() { cfg.PythonBin = opts.PythonBin })
	set("worker", func() { cfg.WorkerScript = opts.WorkerScript })
	return cfg
}
