package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fraudshield/internal/alerting"
	"fraudshield/internal/artifact"
	"fraudshield/internal/config"
	"fraudshield/internal/ensemble"
	"fraudshield/internal/featurestore"
	"fraudshield/internal/feedback"
	"fraudshield/internal/graph"
	"fraudshield/internal/lifecycle"
	"fraudshield/internal/metrics"
	"fraudshield/internal/scheduler"
	"fraudshield/internal/service"
	"fraudshield/internal/storage"
	"fraudshield/internal/version"
)

const pruneInterval = time.Hour

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command results. Logs never go here.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// runtime is the set of collaborators one command works with. close releases
// everything that was opened.
type runtime struct {
	store    *storage.Store
	features featurestore.Store
	repo     *artifact.Repository
	scorer   *ensemble.Scorer
	manager  *lifecycle.Manager
	pipeline *service.Pipeline
	queue    *alerting.Queue
	metrics  *metrics.Metrics
	closers  []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) newArtifacts() *artifact.Repository {
	return artifact.NewRepository(a.Config.Models.ArtifactDir, a.Logger)
}

func (a *App) newScorer(repo *artifact.Repository) *ensemble.Scorer {
	return ensemble.New(repo, ensemble.Options{
		Classifier: a.Config.Models.Classifier,
		Detector:   a.Config.Models.Detector,
		Seed:       a.Config.Models.Seed,
		Recheck:    a.Config.Scoring.ChampionRecheck,
	}, a.Logger)
}

func (a *App) newManager(repo *artifact.Repository, scorer *ensemble.Scorer) *lifecycle.Manager {
	return lifecycle.New(repo, scorer, lifecycle.Options{
		Classifier: a.Config.Models.Classifier,
		Detector:   a.Config.Models.Detector,
		Seed:       a.Config.Models.Seed,
		EvalRows:   a.Config.Models.EvalRows,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openRuntime wires the scoring pipeline with whatever backends are
// configured. Postgres and Redis are optional; the pipeline degrades
// without them.
func (a *App) openRuntime(ctx context.Context, m *metrics.Metrics) (*runtime, error) {
	rt := &runtime{metrics: m}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence and feedback disabled")
	} else {
		rt.store = store
		rt.closers = append(rt.closers, closeStore)
	}

	rt.features = featurestore.Open(ctx, a.Config.Redis, a.Logger, func(from, to featurestore.BreakerState) {
		m.ObserveBreaker(from.String(), to.String())
	})
	rt.closers = append(rt.closers, func() { _ = rt.features.Close() })

	rt.repo = a.newArtifacts()
	rt.scorer = a.newScorer(rt.repo)
	rt.manager = a.newManager(rt.repo, rt.scorer)

	mules := graph.New(a.Config.Scoring.MuleAccounts...)
	deps := service.Deps{
		Store:   rt.features,
		Scorer:  rt.scorer,
		Graph:   mules,
		Metrics: m,
	}
	if rt.store != nil {
		a.seedMules(ctx, rt.store, mules)
		deps.Reputations = rt.store
		deps.Transactions = rt.store
		deps.Feedback = rt.store
	}
	if next := a.newNotifier(); next != nil {
		rt.queue = alerting.NewQueue(next, a.Config.Alerting.QueueSize, a.Config.Alerting.Cooldown, a.Logger)
		deps.Notifier = rt.queue
	}

	rt.pipeline = service.NewPipeline(deps, service.Options{
		TopReasons: a.Config.Scoring.TopReasons,
		MaxHops:    a.Config.Scoring.MaxHops,
	}, a.Logger)
	return rt, nil
}

// muleSource lists entities confirmed as fraudulent by analyst feedback.
type muleSource interface {
	ConfirmedFraudEntities(ctx context.Context) ([]string, error)
}

// seedMules marks every confirmed-fraud entity in g so that labels recorded
// by other processes reach this one. A failed lookup leaves g as configured.
func (a *App) seedMules(ctx context.Context, src muleSource, g *graph.Graph) int {
	ids, err := src.ConfirmedFraudEntities(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("confirmed fraud entities unavailable; mule set from config only")
		return 0
	}
	for _, id := range ids {
		g.MarkMule(id)
	}
	if len(ids) > 0 {
		a.Logger.Info().Int("mules", len(ids)).Msg("mule set seeded from feedback")
	}
	return len(ids)
}

// drainAlerts runs the alert queue until ctx ends. Short-lived commands use
// it so that alerts raised while scoring are still delivered.
func (rt *runtime) drainAlerts(ctx context.Context) func() {
	if rt.queue == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.queue.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Run executes the long-running daemon: retraining, feedback ingestion,
// alert delivery, artifact pruning, and the metrics endpoint.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	rt, err := a.openRuntime(ctx, m)
	if err != nil {
		return err
	}
	defer rt.close()

	g, gctx := errgroup.WithContext(ctx)

	if a.Config.Retrain.Enabled {
		retrainer := a.newRetrainer(rt)
		g.Go(func() error { return retrainer.Run(gctx) })
	}

	if a.Config.Kafka.Enabled {
		if rt.store == nil {
			a.Logger.Warn().Msg("kafka enabled without database; feedback labels will be rejected")
		}
		consumer := feedback.NewConsumer(a.Config.Kafka, rt.pipeline, a.Logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	if rt.queue != nil {
		g.Go(func() error { return rt.queue.Run(gctx) })
	}

	g.Go(func() error { return a.pruneLoop(gctx, rt.repo) })

	if a.Config.Metrics.Enabled {
		srv := &http.Server{Addr: a.Config.Metrics.Listen, Handler: metricsMux(a.Config.Metrics.Path, m), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.Logger.Info().Str("listen", srv.Addr).Str("path", a.Config.Metrics.Path).Msg("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.Logger.Info().
		Bool("retrain", a.Config.Retrain.Enabled).
		Bool("kafka", a.Config.Kafka.Enabled).
		Bool("alerts", rt.queue != nil).
		Str("build", version.String()).
		Msg("starting fraudshield daemon")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("daemon terminated with error")
		return err
	}

	a.Logger.Info().Msg("fraudshield daemon stopped")
	return nil
}

func (a *App) newRetrainer(rt *runtime) *service.Retrainer {
	var sched *scheduler.Scheduler
	if a.Config.Retrain.Interval > 0 {
		sched = scheduler.New(scheduler.Options{
			Interval:     a.Config.Retrain.Interval,
			AlignToStart: a.Config.Retrain.AlignToStart,
			StartupDelay: a.Config.Retrain.StartupDelay,
			RunAtStart:   a.Config.Retrain.RunAtStart,
		}, a.Logger)
	}

	var labels service.LabelSource
	var locker storage.AdvisoryLocker
	if rt.store != nil {
		labels = rt.store
		locker = rt.store
	}
	return service.NewRetrainer(sched, labels, rt.manager, locker, rt.metrics, service.RetrainOptions{
		LockKey:       a.Config.Retrain.AdvisoryLockKey,
		MinLabels:     a.Config.Retrain.MinLabels,
		Lookback:      a.Config.Retrain.Lookback,
		SyntheticRows: a.Config.Models.TrainingSamples,
		Seed:          a.Config.Models.Seed,
	}, a.Logger)
}

func (a *App) pruneLoop(ctx context.Context, repo *artifact.Repository) error {
	keep := a.Config.Models.KeepGenerations
	if keep <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := repo.Prune(keep); n > 0 {
				a.Logger.Info().Int("removed", n).Msg("pruned stale model generations")
			}
		}
	}
}

func metricsMux(path string, m *metrics.Metrics) http.Handler {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return mux
}

// ExportOptions hold parameters for exporting scored transactions.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// RescoreOptions configure a replay of stored decisions against the
// current champion.
type RescoreOptions struct {
	From time.Time
	To   time.Time
}

// SimulateOptions configure a synthetic traffic run.
type SimulateOptions struct {
	Count     int
	Entities  int
	FraudRate float64
	Workers   int
	Seed      uint64
}
