package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/ticketmarket/internal/cfg"
	"github.com/keithlinneman/ticketmarket/internal/health"
	"github.com/keithlinneman/ticketmarket/internal/httpserver"
	"github.com/keithlinneman/ticketmarket/internal/log"
	"github.com/keithlinneman/ticketmarket/internal/market"
	"github.com/keithlinneman/ticketmarket/internal/metrics"
	"github.com/keithlinneman/ticketmarket/internal/opshttp"
	"github.com/keithlinneman/ticketmarket/internal/otelx"
	"github.com/keithlinneman/ticketmarket/internal/policy"
	"github.com/keithlinneman/ticketmarket/internal/prof"
	"github.com/keithlinneman/ticketmarket/internal/ratelimit"
	"github.com/keithlinneman/ticketmarket/internal/store"
	v "github.com/keithlinneman/ticketmarket/internal/version"
)

const appName = v.App

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix TICKETMARKET_ and validate
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Environment:       conf.Environment,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)
	// background goroutines started without a request context log here
	log.SetDefault(L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"module", vi.Module,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"environment", conf.Environment,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_policy_updates", conf.EnablePolicyUpdates,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"identity_header", conf.IdentityHeader,
		"verified_header", conf.VerifiedHeader,
		"policy_file", conf.PolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_s3_bucket", conf.PolicyS3Bucket,
		"policy_s3_prefix", conf.PolicyS3Prefix,
		"policy_signing_key_arn", conf.PolicySigningKeyARN,
		"ratelimit_sweep_threshold", conf.SweepThreshold,
		"ratelimit_sweep_every", conf.SweepEvery,
		"ratelimit_janitor_interval", conf.JanitorInterval,
	)

	// Setup metrics / admin listener
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"env":       conf.Environment,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Service:     appName,
		Component:   "server",
		Version:     vi.Version,
		Environment: conf.Environment,
		Logger:      L,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// open the marketplace database, schema is migrated on open
	db, err := store.Open(ctx, store.Options{
		DSN:       conf.DatabaseDSN,
		Logger:    L,
		SlowQuery: 200 * time.Millisecond,
	})
	if err != nil {
		L.Error(ctx, err, "failed to open database")
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	m.SetDatabaseUp(true)
	L.Info(ctx, "database ready", "dialect", db.Dialect())

	// initial policies: built-in defaults, optionally overridden by a local file
	initial, err := policy.DefaultsSnapshot()
	if err != nil {
		L.Error(ctx, err, "failed to build default rate limit policies")
		os.Exit(1)
	}
	if conf.PolicyFile != "" {
		initial, err = policy.FileSnapshot(conf.PolicyFile)
		if err != nil {
			L.Error(ctx, err, "failed to load rate limit policy file", "path", conf.PolicyFile)
			os.Exit(1)
		}
	}

	// denial logs are throttled so an abusive client cannot flood them
	denyLog := log.Throttled(L.With("component", "ratelimit"), conf.DenyLogInterval)

	sweepThreshold, sweepEvery := conf.RegistrySweep()

	registry, err := ratelimit.NewRegistry(initial.Set.Policies, ratelimit.RegistryOptions{
		SweepThreshold: sweepThreshold,
		SweepEvery:     sweepEvery,
		// increment prometheus counter on each denied request
		OnDenied: func(name, key string) {
			m.IncRateLimitDenied(name)
		},
		// only log the first denial of each client window
		OnFirstDenied: func(name, key string) {
			m.IncRateLimitedClient(name)
			denyLog.Warn(ctx, "rate limit triggered", "policy", name, "client.address", key)
		},
		OnSweep: m.AddRateLimitEvicted,
	})
	if err != nil {
		L.Error(ctx, err, "failed to build rate limit registry")
		os.Exit(1)
	}
	m.TrackRateLimitKeys(registry.Store().Len)

	policyMgr := policy.NewManager(registry)
	if err := policyMgr.Apply(initial); err != nil {
		L.Error(ctx, err, "failed to apply initial rate limit policies")
		os.Exit(1)
	}
	L.Info(ctx, "rate limit policies loaded",
		"source", initial.Meta.Source,
		"policy_version", initial.Meta.Version,
		"policy_hash", initial.Meta.SHA256,
	)

	if conf.EnablePolicyUpdates {
		// remote documents are merged over whatever we started with
		policyLoader, err := policy.NewLoader(ctx, policy.LoaderOptions{
			Logger:        L,
			SSMParam:      conf.PolicySSMParam,
			S3Bucket:      conf.PolicyS3Bucket,
			S3Prefix:      conf.PolicyS3Prefix,
			SigningKeyARN: conf.PolicySigningKeyARN,
			Base:          initial.Set,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create policy loader, policy updates will be disabled")
		} else {
			if snap, err := policyLoader.Load(ctx); err != nil {
				L.Error(ctx, err, "failed to load remote rate limit policies, keeping local policies")
			} else if err := policyMgr.Apply(*snap); err != nil {
				L.Error(ctx, err, "remote rate limit policies rejected, keeping local policies")
			} else {
				L.Info(ctx, "loaded rate limit policies from S3",
					"policy_version", snap.Meta.Version,
					"policy_hash", snap.Meta.SHA256,
				)
			}

			// poll for new documents, validate and swap into the registry
			watcher := policy.NewWatcher(policy.WatcherOptions{
				Logger:       L,
				Loader:       policyLoader,
				Manager:      policyMgr,
				PollInterval: conf.PolicyPollInterval,
				Metrics:      m,
				OnSwap: func(snap policy.Snapshot) {
					m.SetPolicy(string(snap.Meta.Source), snap.Meta.Version, snap.Meta.SHA256)
					m.SetPolicyLoadedTimestamp(snap.LoadedAt)
				},
			})
			go func() { _ = watcher.Run(ctx) }()
		}
	}
	if snap, ok := policyMgr.Get(); ok {
		m.SetPolicy(string(snap.Meta.Source), snap.Meta.Version, snap.Meta.SHA256)
		m.SetPolicyLoadedTimestamp(snap.LoadedAt)
	}

	// background eviction for idle clients that never trigger the in-line sweep
	go registry.Store().RunJanitor(ctx, conf.JanitorInterval, m.AddRateLimitEvicted)

	api := market.NewAPI(market.Options{
		Store:       db,
		Guards:      registry,
		Identity:    market.HeaderIdentity{Header: conf.IdentityHeader, VerifiedHeader: conf.VerifiedHeader},
		Metrics:     m,
		Logger:      L,
		PolicyInfo:  policyMgr,
		TrackedKeys: registry.Store().Len,
		Environment: conf.Environment,
		Version:     vi.Version,
	})
	// every route policy must exist before we take traffic
	if err := registry.Require(api.Policies()...); err != nil {
		L.Error(ctx, err, "rate limit policies missing for routes")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness needs the shutdown gate open and a reachable database
	readiness := health.All(
		gate.Checker(),
		health.Named("database", health.Timeout(2*time.Second, health.CheckFunc(db.Ping))),
	)

	// start public http server
	appHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    api.RegisterRoutes,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			Logger:       L,
			PolicyInfo:   policyMgr,
			MaxBodyBytes: conf.MaxBodyBytes,
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener port")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and the active policies
	// we reject connections from public ips and requests with x-forwarded set in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Policies:     policyMgr.Handler(),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "sleeping 60s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	// counters are process local, drop them with the listeners
	registry.Reset()

	if err := db.Close(); err != nil {
		L.Error(context.Background(), err, "database close")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
