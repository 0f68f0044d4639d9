package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/l1jgo/netplay/internal/api"
	"github.com/l1jgo/netplay/internal/arena"
	"github.com/l1jgo/netplay/internal/config"
	"github.com/l1jgo/netplay/internal/lobby"
	gonet "github.com/l1jgo/netplay/internal/net"
	"github.com/l1jgo/netplay/internal/persist"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/l1jgo/netplay/internal/services"
	"github.com/l1jgo/netplay/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	analyticsFlushInterval = 5 * time.Second
	sessionPurgeInterval   = time.Hour
	hitsBoard              = "hits"
)

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authoritative arena server",
		Long: `Run the arena server: the packet transport on the bind address,
plus the HTTP surface (WebSocket endpoint, JSON API, /metrics,
/healthz) on the HTTP address.

Examples:
  netplay serve
  netplay serve --config config/server.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			return runServe(cmd.Context(), cfg, log)
		},
	}
}

// stores are the persistence backends, Postgres when enabled and
// in-memory otherwise.
type stores struct {
	sessions session.Store
	sink     services.Sink
	board    services.Leaderboard
	profiles services.Profiles
	purge    func(ctx context.Context) (int64, error)
	close    func()
}

func openStores(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*stores, error) {
	if !cfg.Enabled {
		printOK("In-memory stores (database disabled)")
		return &stores{
			sessions: session.NewMemoryStore(),
			sink:     services.NewLogSink(log),
			board:    services.NewMemoryLeaderboard(),
			profiles: services.NewMemoryProfiles(),
			close:    func() {},
		}, nil
	}

	dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := persist.NewDB(dbCtx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	printOK("PostgreSQL connected")
	if err := persist.RunMigrations(dbCtx, db.Pool); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	printOK("Migrations applied")

	sessions := persist.NewSessionRepo(db)
	return &stores{
		sessions: sessions,
		sink:     persist.NewAnalyticsRepo(db),
		board:    persist.NewLeaderboardRepo(db),
		profiles: persist.NewProfileRepo(db),
		purge: func(ctx context.Context) (int64, error) {
			db.LogStats()
			return sessions.PurgeExpired(ctx)
		},
		close: db.Close,
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner(cfg.Server.Name)

	printSection("Storage")
	st, err := openStores(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer st.close()
	fmt.Println()

	printSection("Services")
	hitRadius := cfg.LagCompensation.HitRadius
	if cfg.RemoteConfig.Path != "" {
		rc := services.NewFileRemoteConfig(cfg.RemoteConfig.Path, map[string]any{"arena.hit_radius": hitRadius})
		if err := rc.Fetch(ctx); err != nil {
			log.Warn("remote config unavailable, using local values", zap.Error(err))
			printWarn("Remote config unavailable")
		} else {
			rc.Activate()
			hitRadius = rc.Float("arena.hit_radius", hitRadius)
			printOK("Remote config activated")
		}
	}

	move, closeMove, err := movement(cfg.Prediction, log)
	if err != nil {
		return err
	}
	defer closeMove()
	if cfg.Prediction.Script != "" {
		printOK("Movement script " + cfg.Prediction.Script)
	}

	tracker := services.NewTracker(st.sink, nil, log)
	trackerCtx, stopTracker := context.WithCancel(context.Background())
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(trackerCtx, analyticsFlushInterval)
	}()

	issuer := session.NewIssuer(st.sessions, session.IssuerConfig{TTL: cfg.Session.TTL}, nil, log)

	loop := sched.NewLoop(log)
	defer loop.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hitsTotal := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Telemetry.Namespace,
		Subsystem: "arena",
		Name:      "hits_total",
		Help:      "Confirmed lag-compensated hits.",
	})

	ar := arena.New(loop, move, arena.Config{
		TickRate:        cfg.Network.TickRate,
		HistoryCapacity: cfg.LagCompensation.Capacity,
		HitRadius:       hitRadius,
		MaxQueued:       cfg.Prediction.MaxPendingInputs,
	}, tracker, log)

	hitCounts := make(map[string]int64)
	ar.OnHit(func(shooter, _ string, _ time.Time) {
		hitsTotal.Inc()
		hitCounts[shooter]++
		score := services.Score{Board: hitsBoard, PlayerID: shooter, DisplayName: shooter, Value: hitCounts[shooter], SubmittedAt: loop.Now()}
		go func() {
			if err := st.board.Submit(ctx, score); err != nil {
				log.Warn("leaderboard submit failed", zap.String("player", shooter), zap.Error(err))
			}
		}()
	})

	lobbies := lobby.NewService(loop, lobby.Config{
		MinPlayers:       cfg.Lobby.MinPlayers,
		MaxPlayers:       cfg.Lobby.MaxPlayers,
		CountdownSeconds: cfg.Lobby.CountdownSeconds,
	}, tracker, log)

	srv, err := gonet.NewServer(cfg.Network.BindAddress, loop, ar, gonet.ServerConfig{
		OutQueueSize:     cfg.Network.OutQueueSize,
		PacketsPerSecond: cfg.Network.PacketsPerSecond,
		WriteTimeout:     cfg.Network.WriteTimeout,
		ReadTimeout:      cfg.Network.ReadTimeout,
		WSPath:           cfg.Network.WSPath,
	}, log)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Network.BindAddress, err)
	}
	go srv.AcceptLoop()

	router := chi.NewRouter()
	router.Mount("/api", api.New(api.Deps{
		Sched:       loop,
		Issuer:      issuer,
		Lobbies:     lobbies,
		Leaderboard: st.board,
		Profiles:    st.profiles,
	}, log).Handler())
	router.Mount("/", srv.Routes(reg))

	httpSrv := &http.Server{Addr: cfg.Network.HTTPAddress, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	if st.purge != nil {
		loop.Every(sessionPurgeInterval, func() {
			go func() {
				n, err := st.purge(ctx)
				if err != nil {
					log.Warn("session purge failed", zap.Error(err))
					return
				}
				log.Debug("expired sessions purged", zap.Int64("count", n))
			}()
		})
	}
	loop.Post(ar.Start)

	printStat("Tick rate", cfg.Network.TickRate)
	printStat("Lobby size", fmt.Sprintf("%d-%d", cfg.Lobby.MinPlayers, cfg.Lobby.MaxPlayers))
	printStat("Hit radius", hitRadius)
	fmt.Println()
	printSection("Ready")
	printReady("Packet transport on " + srv.Addr().String())
	printReady("HTTP on " + cfg.Network.HTTPAddress + " (ws " + cfg.Network.WSPath + ")")
	fmt.Println()

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// The loop has exited, so component state is safe to touch from here.
	log.Info("shutting down")
	ar.Stop()
	lobbies.Close()
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	stopTracker()
	<-trackerDone
	log.Info("server stopped",
		zap.Uint64("ticks", ar.Tick()),
		zap.Duration("uptime", time.Since(time.Unix(cfg.Server.StartTime, 0)).Round(time.Second)))
	return nil
}
