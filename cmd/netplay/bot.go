package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/l1jgo/netplay/internal/api"
	"github.com/l1jgo/netplay/internal/config"
	"github.com/l1jgo/netplay/internal/geom"
	gonet "github.com/l1jgo/netplay/internal/net"
	"github.com/l1jgo/netplay/internal/net/debugger"
	"github.com/l1jgo/netplay/internal/net/netsim"
	"github.com/l1jgo/netplay/internal/netclient"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/l1jgo/netplay/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	botFireInterval = 500 * time.Millisecond
	botAuthTimeout  = 10 * time.Second
)

type botOptions struct {
	host      string
	port      int
	apiURL    string
	transport string
	profile   string
	name      string
	duration  time.Duration
}

func botCmd(cfgPath *string) *cobra.Command {
	var opts botOptions
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run a headless client against a server",
		Long: `Run a headless client: sign in over the JSON API, quick-match into a
lobby, connect to the arena and wander around firing at the nearest
remote player. Network conditions can be degraded with a simulator
profile.

Examples:
  netplay bot --name alice
  netplay bot --profile mobile --duration 30s
  netplay bot --transport websocket --port 7080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := opts.fill(cfg); err != nil {
				return err
			}
			return runBot(cmd.Context(), cfg, opts, log)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.host, "host", "", "server host (default from network.bind_address)")
	f.IntVar(&opts.port, "port", 0, "server port (default from the transport's address)")
	f.StringVar(&opts.apiURL, "api", "", "JSON API base URL (default from network.http_address)")
	f.StringVar(&opts.transport, "transport", "", "tcp or websocket (default network.transport)")
	f.StringVar(&opts.profile, "profile", "", "network simulator profile (lan, broadband, mobile, terrible or from simulator.profiles_file)")
	f.StringVar(&opts.name, "name", "", "player id and display name (default random)")
	f.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// fill derives unset options from the config.
func (o *botOptions) fill(cfg *config.Config) error {
	if o.transport == "" {
		o.transport = cfg.Network.Transport
	}
	addr := cfg.Network.BindAddress
	switch o.transport {
	case "tcp":
	case "websocket":
		addr = cfg.Network.HTTPAddress
	default:
		return fmt.Errorf("transport %q: want tcp or websocket", o.transport)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("address %q: %w", addr, err)
	}
	if o.host == "" {
		o.host = dialable(host)
	}
	if o.port == 0 {
		if o.port, err = strconv.Atoi(portStr); err != nil {
			return fmt.Errorf("address %q: %w", addr, err)
		}
	}
	if o.apiURL == "" {
		h, p, err := net.SplitHostPort(cfg.Network.HTTPAddress)
		if err != nil {
			return fmt.Errorf("http address %q: %w", cfg.Network.HTTPAddress, err)
		}
		o.apiURL = "http://" + net.JoinHostPort(dialable(h), p) + "/api"
	}
	if o.name == "" {
		o.name = fmt.Sprintf("bot-%04d", rand.Intn(10000))
	}
	return nil
}

// dialable maps wildcard listen hosts to loopback.
func dialable(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return host
}

// simulatorConfig picks the named profile, or the [simulator] section when
// no profile is named.
func simulatorConfig(cfg config.SimulatorConfig, profile string) (netsim.Config, bool, error) {
	if profile == "" {
		profile = cfg.Profile
	}
	if profile == "" {
		if !cfg.Enabled {
			return netsim.Config{}, false, nil
		}
		return netsim.Config{Enabled: true, Latency: cfg.Latency, Jitter: cfg.Jitter, PacketLoss: cfg.PacketLoss}, true, nil
	}
	profiles := netsim.DefaultProfiles()
	if cfg.ProfilesFile != "" {
		loaded, err := netsim.LoadProfiles(cfg.ProfilesFile)
		if err != nil {
			return netsim.Config{}, false, err
		}
		profiles = loaded
	}
	p, ok := profiles.Get(profile)
	if !ok {
		return netsim.Config{}, false, fmt.Errorf("unknown simulator profile %q (have %s)", profile, strings.Join(profiles.Names(), ", "))
	}
	return p, true, nil
}

// botRun holds the client-side components. Everything except the HTTP
// calls runs on the loop.
type botRun struct {
	loop     *sched.Loop
	auth     *api.Client
	sessions *session.Manager
	renewer  *session.Renewer
	mgr      *gonet.Manager
	client   *netclient.Client
	dbg      *debugger.Debugger
	tasks    []sched.Task
	log      *zap.Logger

	heading float64
	shots   int
	hits    int
}

// onLoop runs fn on the loop and waits for it to return.
func (b *botRun) onLoop(fn func()) {
	done := make(chan struct{})
	b.loop.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

func runBot(ctx context.Context, cfg *config.Config, opts botOptions, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	log = log.With(zap.String("bot", opts.name))

	move, closeMove, err := movement(cfg.Prediction, log)
	if err != nil {
		return err
	}
	defer closeMove()

	simCfg, simulate, err := simulatorConfig(cfg.Simulator, opts.profile)
	if err != nil {
		return err
	}

	b := &botRun{
		loop: sched.NewLoop(log),
		auth: api.NewClient(opts.apiURL, nil),
		log:  log,
	}
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		b.loop.Run(context.Background())
	}()
	defer func() {
		b.loop.Close()
		<-loopDone
	}()

	// Session
	b.sessions = session.NewManager(b.loop, cfg.Session.RenewLead, log)
	b.renewer = session.NewRenewer(b.sessions, b.auth, b.loop, botAuthTimeout, log)
	b.onLoop(func() {
		b.sessions.OnChange(func(st session.State, _ *session.PlayerSession) {
			log.Debug("session state", zap.Stringer("state", st))
			if st == session.StateError || st == session.StateExpired {
				log.Warn("session lost, stopping", zap.Error(b.sessions.Err()))
				stop()
			}
		})
		b.renewer.Start()
		b.sessions.BeginAuth()
	})
	authCtx, cancelAuth := context.WithTimeout(ctx, botAuthTimeout)
	ps, err := b.auth.SignIn(authCtx, opts.name, opts.name)
	cancelAuth()
	if err != nil {
		b.onLoop(func() { b.sessions.Fail(err) })
		return fmt.Errorf("sign in: %w", err)
	}
	b.onLoop(func() { b.sessions.Create(ps) })
	defer b.revoke(ps.ID)

	// Lobby
	info, err := b.auth.QuickMatch(ctx, ps)
	if err != nil {
		return fmt.Errorf("quick match: %w", err)
	}
	if info, err = b.auth.SetReady(ctx, ps, info.ID, true); err != nil {
		return fmt.Errorf("ready: %w", err)
	}
	log.Info("joined lobby", zap.String("lobby", info.ID), zap.String("state", info.State), zap.Strings("players", info.Players))

	// Transport
	var dialer gonet.Dialer = gonet.TCPDialer{Timeout: 5 * time.Second, WriteTimeout: cfg.Network.WriteTimeout}
	if opts.transport == "websocket" {
		dialer = gonet.WebSocketDialer{Path: cfg.Network.WSPath, WriteTimeout: cfg.Network.WriteTimeout}
	}
	var transport gonet.Transport = gonet.NewReliable(dialer, b.loop, gonet.ReliableConfig{
		KeepAlive:         cfg.Network.KeepAlive,
		OutQueueSize:      cfg.Network.OutQueueSize,
		ReconnectAttempts: cfg.Network.ReconnectAttempts,
		ReconnectDelay:    cfg.Network.ReconnectDelay,
	}, log)
	if simulate {
		transport = netsim.New(transport, b.loop, simCfg, log)
		log.Info("network simulator on",
			zap.Duration("latency", simCfg.Latency),
			zap.Duration("jitter", simCfg.Jitter),
			zap.Float64("loss", simCfg.PacketLoss))
	}

	b.onLoop(func() {
		b.mgr = gonet.NewManager(transport, log)
		b.client = netclient.New(b.mgr, b.loop, move, netclient.Config{
			MaxPending:         cfg.Prediction.MaxPendingInputs,
			HistoryCapacity:    cfg.LagCompensation.Capacity,
			InterpolationDelay: cfg.LagCompensation.InterpolationDelay,
		}, log)
		b.client.OnHitResult(func(r netclient.HitResult) {
			if r.Hit {
				b.hits++
				log.Info("hit", zap.String("target", r.Target), zap.Uint64("tick", r.Tick))
			}
		})
		b.client.OnCorrection(func(dist float64) {
			log.Debug("prediction corrected", zap.Float64("distance", dist))
		})
		b.dbg = debugger.New(b.mgr, b.loop, debugger.Config{Interval: cfg.Telemetry.Interval, Namespace: cfg.Telemetry.Namespace}, log)
		b.dbg.OnStats(func(s debugger.Stats) {
			log.Info("net stats",
				zap.Uint64("sent", s.PacketsSent),
				zap.Uint64("received", s.PacketsReceived),
				zap.Uint64("dropped", s.PacketsDropped),
				zap.Duration("latency", s.Latency),
				zap.Float64("loss", s.PacketLoss))
		})
		b.mgr.Connection().OnStateChange(func(_, next gonet.State) {
			if next == gonet.StateFailed {
				log.Warn("connection failed, stopping")
				stop()
			}
		})
	})
	defer b.onLoop(b.shutdown)

	var connErr error
	b.onLoop(func() {
		connErr = b.mgr.Connect(ctx, opts.host, opts.port)
		if connErr != nil {
			return
		}
		b.dbg.Start()
		dt := cfg.Network.TickRate.Seconds()
		b.tasks = append(b.tasks,
			b.loop.Every(cfg.Network.TickRate, func() { b.wander(dt) }),
			b.loop.Every(botFireInterval, b.fire),
		)
	})
	if connErr != nil {
		return connErr
	}
	log.Info("bot running", zap.String("addr", net.JoinHostPort(opts.host, strconv.Itoa(opts.port))), zap.String("transport", opts.transport))

	<-ctx.Done()
	return nil
}

// wander drifts the heading a little each tick.
func (b *botRun) wander(dt float64) {
	if b.client.PlayerID() == "" {
		return
	}
	b.heading += (rand.Float64() - 0.5) * 0.6
	b.client.Step(geom.Vec2{X: math.Cos(b.heading), Y: math.Sin(b.heading)}, dt)
}

// fire shoots at the nearest interpolated remote player.
func (b *botRun) fire() {
	states, ok := b.client.RemoteStates(b.loop.Now())
	if !ok || len(states) == 0 {
		return
	}
	self := b.client.Prediction().State().Position
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	target, best := "", math.Inf(1)
	for _, id := range ids {
		if d := states[id].Position.Dist(self); d < best {
			target, best = id, d
		}
	}
	b.shots++
	b.client.Fire(target, states[target].Position)
}

func (b *botRun) shutdown() {
	for _, t := range b.tasks {
		sched.Stop(t)
	}
	b.tasks = nil
	if b.dbg != nil {
		b.dbg.Stop()
	}
	if b.client != nil {
		b.client.Close()
	}
	if b.mgr != nil {
		if err := b.mgr.Dispose(); err != nil {
			b.log.Warn("dispose transport", zap.Error(err))
		}
	}
	b.renewer.Stop()
	b.sessions.End()
	b.sessions.Close()
}

func (b *botRun) revoke(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), botAuthTimeout)
	defer cancel()
	if err := b.auth.Revoke(ctx, sessionID); err != nil {
		b.log.Warn("revoke failed", zap.Error(err))
	}
	b.log.Info("bot stopped", zap.Int("shots", b.shots), zap.Int("hits", b.hits))
}
