package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/jesus-bazan-entel/apolobilling/internal/authz"
    "github.com/jesus-bazan-entel/apolobilling/internal/callhandler"
    "github.com/jesus-bazan-entel/apolobilling/internal/cdr"
    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/internal/eventsocket"
    "github.com/jesus-bazan-entel/apolobilling/internal/health"
    "github.com/jesus-bazan-entel/apolobilling/internal/metrics"
    "github.com/jesus-bazan-entel/apolobilling/internal/monitor"
    "github.com/jesus-bazan-entel/apolobilling/internal/reservation"
    "github.com/jesus-bazan-entel/apolobilling/internal/store/mysql"
    storeredis "github.com/jesus-bazan-entel/apolobilling/internal/store/redis"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

var (
    configFile string
    serve      bool
    initSchema bool
    verbose    bool
)

func main() {
    flag.StringVar(&configFile, "config", "", "Configuration file path")
    flag.BoolVar(&serve, "serve", false, "Run the billing core server")
    flag.BoolVar(&initSchema, "init-db", false, "Run pending schema migrations and exit")
    flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
    flag.Parse()

    if flag.NFlag() > 0 {
        runServerMode()
        return
    }
    runCLI()
}

func runServerMode() {
    ctx := context.Background()

    cfg, err := config.Load(configFile)
    if err != nil {
        fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
        os.Exit(1)
    }

    logLevel := cfg.Monitoring.Logging.Level
    if verbose {
        logLevel = "debug"
    }
    if err := logger.Init(logger.Config{
        Level:  logLevel,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }); err != nil {
        fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
        os.Exit(1)
    }

    db, err := mysql.Open(cfg.Database)
    if err != nil {
        logger.Fatal("failed to connect to database: " + err.Error())
    }
    defer db.Close()

    if initSchema {
        if err := mysql.RunMigrations(db.Conn()); err != nil {
            logger.Fatal("migrations failed: " + err.Error())
        }
        logger.Info("migrations applied")
        return
    }

    redisClient, err := storeredis.Connect(cfg.Redis, cfg.App.Name)
    if err != nil {
        logger.Fatal("failed to connect to redis: " + err.Error())
    }
    defer redisClient.Close()

    accounts := mysql.NewAccountStore(db)
    rates := mysql.NewRateStore(db)
    reservationsStore := mysql.NewReservationStore(db)
    cdrStore := mysql.NewCDRStore(db)
    sessions := storeredis.NewSessionStore(redisClient)

    pm := metrics.NewPrometheusMetrics()

    reservationMgr := reservation.NewManager(accounts, cfg.Billing)
    reservationMgr.SetMetrics(pm)
    authorizer := authz.NewAuthorizer(accounts, rates, reservationMgr, cfg.Billing)
    generator := cdr.NewGenerator(sessions, rates, cdrStore, reservationMgr)
    generator.SetMetrics(pm)

    conns := callhandler.NewConnRegistry()
    sup := monitor.NewSupervisor(sessions, reservationMgr, conns, cfg.Billing)
    sup.SetMetrics(pm)
    dispatcher := callhandler.NewDispatcher(authorizer, sup, generator, sessions, pm, conns)

    sweeper := reservation.NewSweeper(reservationsStore, cfg.Billing.ExpirySweepInterval)

    serverCtx, cancel := context.WithCancel(ctx)
    defer cancel()

    go sweeper.Run(serverCtx)

    if cfg.Monitoring.Health.Enabled {
        healthSvc := health.NewHealthService(cfg.Monitoring.Health.Port)
        healthSvc.RegisterLivenessCheck("self", health.CheckFunc(func(ctx context.Context) error { return nil }))
        healthSvc.RegisterReadinessCheck("mysql", health.CheckFunc(func(ctx context.Context) error {
            return db.Conn().PingContext(ctx)
        }))
        healthSvc.RegisterReadinessCheck("redis", health.CheckFunc(func(ctx context.Context) error {
            return redisClient.Ping(ctx)
        }))
        go func() {
            if err := healthSvc.Start(); err != nil {
                logger.WithError(err).Error("health service stopped")
            }
        }()
        defer healthSvc.Stop()
    }

    if cfg.Monitoring.Metrics.Enabled {
        go func() {
            if err := pm.ServeHTTP(cfg.Monitoring.Metrics.Port); err != nil {
                logger.WithError(err).Error("metrics server stopped")
            }
        }()
    }

    eventServer := eventsocket.NewServer(cfg.Switch, cfg.Performance, dispatcher, pm)

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    go func() {
        if err := eventServer.ListenAndServe(serverCtx); err != nil {
            logger.Fatal("event socket server failed: " + err.Error())
        }
    }()

    logger.Info("billing core started")
    <-sigChan
    logger.Info("shutting down")
    cancel()

    shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Switch.ShutdownTimeout)
    defer shutdownCancel()
    if err := eventServer.Shutdown(shutdownCtx); err != nil {
        logger.WithError(err).Error("error during event socket shutdown")
    }
    sweeper.Stop()
    logger.Info("shutdown complete")
}

func runCLI() {
    rootCmd := &cobra.Command{
        Use:   "billingcore",
        Short: "Realtime telecom billing core",
        Long:  "Call admission, balance reservation, and CDR generation for a soft-switch billing core",
    }

    rootCmd.AddCommand(
        newAccountCommand(),
        newRateCommand(),
        newCDRCommand(),
        newStatsCommand(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "error: %v\n", err)
        os.Exit(1)
    }
}

func openStoreForCLI() (*mysql.DB, error) {
    cfg, err := config.Load(configFile)
    if err != nil {
        return nil, err
    }
    return mysql.Open(cfg.Database)
}

func cliContext() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), 10*time.Second)
}
