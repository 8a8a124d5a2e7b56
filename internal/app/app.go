// Package app wires the autopilot components from a configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-autopilot/internal/approval"
	"github.com/ksred/klear-autopilot/internal/autonomy"
	"github.com/ksred/klear-autopilot/internal/config"
	"github.com/ksred/klear-autopilot/internal/control"
	"github.com/ksred/klear-autopilot/internal/database"
	"github.com/ksred/klear-autopilot/internal/exchange"
	"github.com/ksred/klear-autopilot/internal/features"
	"github.com/ksred/klear-autopilot/internal/ideas"
	"github.com/ksred/klear-autopilot/internal/risk"
	"github.com/ksred/klear-autopilot/internal/signal"
	"github.com/ksred/klear-autopilot/pkg/middleware"
)

// DefaultBasePrices anchor the synthetic feature source.
var DefaultBasePrices = map[string]float64{
	"EUR_USD": 1.085,
	"GBP_USD": 1.27,
	"USD_JPY": 150.2,
	"XAU_USD": 2330,
}

type options struct {
	source  features.Source
	gateway exchange.Gateway
	seed    int64
	clock   func() time.Time
}

type Option func(*options)

// WithSource replaces the synthetic feature source.
func WithSource(s features.Source) Option {
	return func(o *options) { o.source = s }
}

// WithGateway replaces the simulated venue router.
func WithGateway(g exchange.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

// WithSeed fixes the simulated venues' randomness.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithClock drives every component's notion of now from clock: session
// windows and rollover, idea TTL, claim staleness and audit stamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// App holds the wired components of one account's autopilot.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Ideas     *ideas.Database
	Risk      *risk.Manager
	Queue     *approval.Queue
	Scheduler *autonomy.Scheduler
	Service   *control.Service
}

// New opens the database, restores the risk budget and reservations, and
// builds the pipeline.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{seed: time.Now().UnixNano()}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	store := ideas.NewDatabase(db)
	index := cfg.InstrumentIndex()

	rm := risk.NewManager(risk.NewDatabase(db), cfg.Budget(), index)
	if o.clock != nil {
		store.SetClock(o.clock)
		rm.SetClock(o.clock)
	}
	if err := rm.Load(ctx); err != nil {
		return nil, fmt.Errorf("load risk budget: %w", err)
	}
	active, err := store.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active ideas: %w", err)
	}
	rm.Recover(active)

	queue := approval.NewQueue(store, approval.ConfidencePolicy{
		Enabled:              cfg.Approval.AutoApprove,
		MinConfidence:        cfg.Approval.MinConfidence,
		LeavePendingForAudit: cfg.Approval.LeavePendingForAudit,
	}, rm)
	if o.clock != nil {
		queue.SetClock(o.clock)
	}

	if o.source == nil {
		o.source = features.NewSynthetic(BasePrices(cfg), o.clock)
	}
	if o.gateway == nil {
		o.gateway = exchange.NewAdapter(exchange.NewRouter(o.seed, exchange.DefaultVenues(o.seed)...), adapterConfig(cfg))
	}

	sched := autonomy.NewScheduler(schedulerConfig(cfg), autonomy.Deps{
		Store:     store,
		Queue:     queue,
		Risk:      rm,
		Source:    o.source,
		Generator: signal.NewGenerator(signalConfig(cfg.Signal)),
		Gateway:   o.gateway,
	})
	if o.clock != nil {
		sched.SetClock(o.clock)
	}

	return &App{
		Config:    cfg,
		DB:        db,
		Ideas:     store,
		Risk:      rm,
		Queue:     queue,
		Scheduler: sched,
		Service:   control.NewService(store, queue, rm, sched),
	}, nil
}

// Router returns the HTTP API.
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.RequestLogger(), middleware.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	control.NewGinHandlers(a.Service).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func schedulerConfig(cfg *config.Config) autonomy.Config {
	index := cfg.InstrumentIndex()
	out := autonomy.Config{
		Interval:         config.Duration(cfg.Scheduler.ScanInterval, 15*time.Minute),
		MaxParallelScans: cfg.Scheduler.MaxParallelScans,
		IdeaTTL:          config.Duration(cfg.Scheduler.IdeaTTL, 30*time.Minute),
		ExecutionTimeout: config.Duration(cfg.Scheduler.ExecutionTimeout, 10*time.Second),
		ClaimGrace:       config.Duration(cfg.Scheduler.ClaimGrace, 30*time.Second),
	}
	for _, sym := range cfg.Scheduler.Instruments {
		out.Instruments = append(out.Instruments, index[sym])
	}
	return out
}

func signalConfig(sc config.SignalConfig) signal.Config {
	out := signal.Config{
		MinConfidence:         sc.MinConfidence,
		DisagreementTolerance: sc.DisagreementTolerance,
		StopATRMultiple:       sc.StopATRMultiple,
		TakeProfitATRMultiple: sc.TakeProfitATRMultiple,
		MinRiskReward:         sc.MinRiskReward,
		RSIOverbought:         sc.RSIOverbought,
		RSIOversold:           sc.RSIOversold,
	}
	for _, tw := range sc.Timeframes {
		out.Tiers = append(out.Tiers, signal.Tier{Timeframe: tw.Timeframe, Weight: tw.Weight})
	}
	return out
}

func adapterConfig(cfg *config.Config) exchange.AdapterConfig {
	ac := exchange.DefaultAdapterConfig()
	ac.Timeout = config.Duration(cfg.Scheduler.ExecutionTimeout, ac.Timeout)
	ac.MaxRetryElapsed = config.Duration(cfg.Gateway.MaxRetryElapsed, ac.MaxRetryElapsed)
	ac.RequestsPerSecond = cfg.Gateway.RequestsPerSecond
	ac.Burst = cfg.Gateway.Burst
	return ac
}

// BasePrices maps each configured instrument to its synthetic anchor price.
func BasePrices(cfg *config.Config) map[string]float64 {
	out := make(map[string]float64, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		p, ok := DefaultBasePrices[inst.Symbol]
		if !ok {
			log.Warn().Str("instrument", inst.Symbol).Msg("no synthetic base price, using 1.0")
			p = 1
		}
		out[inst.Symbol] = p
	}
	return out
}
