// Package cli implements the command-line interface for maude-sync.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eunmann/maude-sync/internal/config"
	"github.com/eunmann/maude-sync/internal/logctx"
	"github.com/eunmann/maude-sync/pkg/cache"
	"github.com/eunmann/maude-sync/pkg/catalog"
	"github.com/eunmann/maude-sync/pkg/fetch"
	"github.com/eunmann/maude-sync/pkg/ingest"
	"github.com/eunmann/maude-sync/pkg/ledger"
	"github.com/eunmann/maude-sync/pkg/logging"
	"github.com/eunmann/maude-sync/pkg/membudget"
	"github.com/eunmann/maude-sync/pkg/memdiag"
	"github.com/eunmann/maude-sync/pkg/store"
)

const usage = `usage: maude-sync <command> [options]
commands:
  sync     import (table, year) archives that changed
  update   re-sync every year already in the database
  status   show the ledger and stored row counts
  latest   show the newest published year per table`

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "sync":
		return runSync(ctx, args[1:])
	case "update":
		return runUpdate(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "latest":
		return runLatest(ctx, args[1:])
	case "-h", "--help", "help":
		fmt.Fprintln(os.Stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// commonFlags are accepted by every subcommand. Flags override the config
// file and the environment.
type commonFlags struct {
	configPath  *string
	envFile     *string
	dbPath      *string
	cacheDir    *string
	memBudget   *string
	concurrency *int
	debug       *bool
	logHuman    *bool
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath:  fs.String("config", "", "path to a YAML config file"),
		envFile:     fs.String("env-file", "", "path to a .env file (default ./.env when present)"),
		dbPath:      fs.String("db", "", "SQLite database path"),
		cacheDir:    fs.String("cache-dir", "", "directory for downloaded archives"),
		memBudget:   fs.String("mem-budget", "", "memory budget for import buffers (e.g. 2GiB; default 50% of RAM)"),
		concurrency: fs.Int("concurrency", 0, "archives processed at once"),
		debug:       fs.Bool("debug", false, "enable debug logging"),
		logHuman:    fs.Bool("log-human", false, "human-readable log output"),
	}
}

func (f *commonFlags) load() (config.Config, error) {
	if err := config.LoadEnvFile(*f.envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if *f.dbPath != "" {
		cfg.DBPath = *f.dbPath
	}
	if *f.cacheDir != "" {
		cfg.CacheDir = *f.cacheDir
	}
	if *f.concurrency != 0 {
		cfg.Concurrency = *f.concurrency
	}
	if *f.memBudget != "" {
		cfg.MemBudget = *f.memBudget
	}
	cfg.Log.Debug = cfg.Log.Debug || *f.debug
	cfg.Log.Human = cfg.Log.Human || *f.logHuman
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	logging.Init(cfg.Log.Debug, cfg.Log.Human)
	return cfg, nil
}

// memBudgetEnv overrides the config file budget; --mem-budget overrides both.
const memBudgetEnv = "MAUDE_MEM_BUDGET"

// determineMemoryBudget resolves the budget from the CLI flag, then the
// environment, then the config file, then 50% of system RAM.
func determineMemoryBudget(cliValue, configValue string) (*membudget.Budget, error) {
	if cliValue != "" {
		bytes, err := membudget.ParseHumanSize(cliValue)
		if err != nil {
			return nil, fmt.Errorf("invalid --mem-budget: %w", err)
		}
		return membudget.New(membudget.Config{TotalBytes: bytes, Source: membudget.BudgetSourceCLI}), nil
	}

	if envValue := os.Getenv(memBudgetEnv); envValue != "" {
		bytes, err := membudget.ParseHumanSize(envValue)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", memBudgetEnv, err)
		}
		return membudget.New(membudget.Config{TotalBytes: bytes, Source: membudget.BudgetSourceEnv}), nil
	}

	if configValue != "" {
		bytes, err := membudget.ParseHumanSize(configValue)
		if err != nil {
			return nil, fmt.Errorf("invalid mem_budget: %w", err)
		}
		return membudget.New(membudget.Config{TotalBytes: bytes, Source: membudget.BudgetSourceConfig}), nil
	}

	return membudget.NewFromSystemRAM(), nil
}

// app wires the collaborators of one CLI invocation.
type app struct {
	cfg    config.Config
	store  *store.Store
	ledger *ledger.Ledger
	orch   *ingest.Orchestrator
	mem    *memdiag.Tracker
}

func newApp(ctx context.Context, cfg config.Config, memFlag string) (*app, error) {
	log := logctx.FromContext(ctx)

	budget, err := determineMemoryBudget(memFlag, cfg.MemBudget)
	if err != nil {
		return nil, err
	}
	log.Info().
		Uint64("mem_budget_bytes", budget.Total()).
		Str("mem_budget_source", string(budget.Source())).
		Msg("memory budget")

	remote, err := buildRemote(ctx, cfg)
	if err != nil {
		return nil, err
	}
	archives, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.NewFetcher(remote, archives, cfg.FetchConfig())

	st, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	st.SetBudget(budget)
	led, err := ledger.New(ctx, st.DB())
	if err != nil {
		st.Close()
		return nil, err
	}
	orch, err := ingest.New(fetcher, led, st, ingest.Config{Concurrency: cfg.Concurrency})
	if err != nil {
		st.Close()
		return nil, err
	}
	mem := memdiag.NewTracker(memdiag.ConfigFromEnv(), budget)
	mem.Start()
	return &app{cfg: cfg, store: st, ledger: led, orch: orch, mem: mem}, nil
}

func (a *app) Close() error {
	a.mem.Stop()
	return a.store.Close()
}

func buildRemote(ctx context.Context, cfg config.Config) (fetch.Remote, error) {
	switch cfg.Remote.Kind {
	case config.RemoteS3:
		return fetch.NewS3Remote(ctx, cfg.Remote.S3URI, fetch.DefaultDownloaderConfig())
	default:
		// Transfers are bounded per attempt by the fetcher's context.
		client := &http.Client{}
		var remote fetch.Remote = fetch.NewHTTPRemote(cfg.Remote.BaseURL, client, cfg.Remote.UserAgent)
		if cfg.Remote.ListingURL != "" {
			listingClient := &http.Client{Timeout: time.Minute}
			remote = fetch.NewListingRemote(remote, cfg.Remote.ListingURL, listingClient, cfg.ListingTTL())
		}
		return remote, nil
	}
}

func runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	common := registerCommon(fs)
	tables := fs.String("tables", "", "comma-separated tables (device,text,patient,master,problems or all)")
	years := fs.String("years", "", "years: 2019, 2015-2020, 2019,2021, all, latest or current")
	planPath := fs.String("plan", "", "CSV file with table,year columns")
	forceFetch := fs.Bool("force-fetch", false, "download archives even when cached")
	forceReprocess := fs.Bool("force-reprocess", false, "import even when the fingerprint is unchanged")
	strict := fs.Bool("strict", false, "verify every archive exists before downloading")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planPath == "" && (*tables == "" || *years == "") {
		return errors.New("--tables and --years are required (or --plan)")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}

	var reqs []catalog.Request
	if *planPath != "" {
		reqs, err = readPlanFile(*planPath)
	} else {
		reqs, err = buildRequests(*tables, *years, time.Now().Year())
	}
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, *common.memBudget)
	if err != nil {
		return err
	}
	defer a.Close()

	outcomes := a.orch.Sync(ctx, reqs, ingest.Options{
		ForceFetch:     *forceFetch,
		ForceReprocess: *forceReprocess,
		Strict:         *strict,
	})
	return reportOutcomes(os.Stdout, outcomes)
}

func runUpdate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	common := registerCommon(fs)
	addNew := fs.Bool("add-new-years", false, "also add years newer than the newest synced year")
	tables := fs.String("tables", "", "restrict to these tables")

	if err := fs.Parse(args); err != nil {
		return err
	}
	only, err := parseTables(*tables, true)
	if err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, *common.memBudget)
	if err != nil {
		return err
	}
	defer a.Close()

	outcomes, err := a.orch.Update(ctx, ingest.UpdateOptions{AddNewYears: *addNew, Tables: only})
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		fmt.Fprintln(os.Stdout, "nothing to update: the database is empty")
		return nil
	}
	return reportOutcomes(os.Stdout, outcomes)
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer st.Close()
	led, err := ledger.New(ctx, st.DB())
	if err != nil {
		return err
	}

	entries, err := led.List(ctx)
	if err != nil {
		return err
	}
	counts, err := st.Summary(ctx)
	if err != nil {
		return err
	}
	return writeStatus(os.Stdout, entries, counts)
}

func runLatest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("latest", flag.ContinueOnError)
	common := registerCommon(fs)
	tables := fs.String("tables", "all", "tables to probe")
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := parseTables(*tables, false)
	if err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, *common.memBudget)
	if err != nil {
		return err
	}
	defer a.Close()

	results := make([]latestResult, 0, len(list))
	for _, t := range list {
		year, err := a.orch.LatestAvailableYear(ctx, t)
		results = append(results, latestResult{Table: t, Year: year, Err: err})
	}
	return writeLatest(os.Stdout, results)
}
