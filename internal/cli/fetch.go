package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/threatintel/internal/metrics"
	"github.com/ppiankov/threatintel/internal/model"
	"github.com/ppiankov/threatintel/internal/pipeline"
	"github.com/ppiankov/threatintel/internal/scheduler"
	"github.com/ppiankov/threatintel/internal/store"
)

var (
	fetchNow    bool
	loopDelay   int
	enableVT    bool
	dryRun      bool
	metricsAddr string
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch indicators from OTX and store new ones",
	Long: `Fetch pulls AlienVault OTX subscribed pulses, optionally enriches IPv4
indicators through VirusTotal, and inserts every indicator that is not already
stored. Documents are keyed by (indicator, type, timestamp).

By default it runs forever, one cycle per --loop-delay seconds. A failed cycle
is logged and the next one runs on schedule. With --fetch-now it runs a single
cycle and exits non-zero if that cycle fails.

Example:
  threatintel fetch --fetch-now
  threatintel fetch --loop-delay 300 --vt
  MONGODB_URI=mongodb://db:27017 OTX_API_KEY=... threatintel fetch`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().BoolVar(&fetchNow, "fetch-now", false, "run one cycle and exit")
	fetchCmd.Flags().IntVar(&loopDelay, "loop-delay", 60, "seconds between cycles in forever mode")
	fetchCmd.Flags().BoolVar(&enableVT, "vt", false, "enrich IPv4 indicators through VirusTotal")
	fetchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "use an in-memory store (nothing is persisted)")
	fetchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9102)")
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg := *appConfig
	applyFetchFlags(cmd, &cfg)

	if err := cfg.ValidateFetcher(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	recorder := metrics.NewRecorder()
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: recorder.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited with error", "error", err)
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	orch, err := pipeline.New(&cfg, st, logger, recorder)
	if err != nil {
		return err
	}
	sched := scheduler.New(orch, logger)

	if fetchNow {
		// A started cycle is never cancelled mid-way
		if err := sched.RunOnce(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("fetch cycle failed: %w", err)
		}
		return nil
	}

	err = sched.RunForever(ctx, cfg.Fetch.LoopDelay)
	if errors.Is(err, context.Canceled) {
		logger.Info("received signal, shutting down")
		return nil
	}
	return err
}

func applyFetchFlags(cmd *cobra.Command, cfg *model.Config) {
	if cmd.Flags().Changed("loop-delay") {
		cfg.Fetch.LoopDelay = time.Duration(loopDelay) * time.Second
	}
	if enableVT {
		cfg.VT.Enabled = true
	}
	if dryRun {
		cfg.Store.Driver = "memory"
	}
}

// openStore opens the configured store; callers exit on error
func openStore(ctx context.Context, cfg model.StoreConfig) (store.Store, error) {
	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	st, err := store.Open(openCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	logger.Info("connected to store", "driver", cfg.Driver, "collection", cfg.Collection)
	return st, nil
}
