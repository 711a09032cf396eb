package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/logging"
	"github.com/dasiyes/ivmgate/configs/config"
	"github.com/dasiyes/ivmgate/internal/data/firestoredb"
	"github.com/dasiyes/ivmgate/internal/data/memdb"
	"github.com/dasiyes/ivmgate/internal/data/sqlitedb"
	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/server"
	"github.com/dasiyes/ivmgate/internal/server/router"
	"github.com/dasiyes/ivmgate/internal/services"
	"github.com/dasiyes/ivmgate/pkg/fspool"
	"github.com/dasiyes/ivmgate/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "debug mode")
		vers  = flag.Bool("version", false, "prints version")
		cfgfn = flag.String("config", "configs/config.yaml", "--config=<file_name> configuration file name. Default is configs/config.yaml")
	)

	flag.Parse()

	// Request to print out the build version
	if *vers {
		tools.PrintVersion()
		os.Exit(0)
	}

	var (
		ml   *log.Logger    = log.New(os.Stderr, "[main] ", log.LstdFlags)
		slgr *logrus.Logger = logrus.New()
	)
	slgr.SetFormatter(&logrus.JSONFormatter{})
	slgr.SetOutput(os.Stdout)

	// Check debug mode request
	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		slgr.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(slgr.Formatter)
	logrus.SetLevel(slgr.GetLevel())

	// Load the configuration file
	cfg, err := config.LoadConfig(*cfgfn)
	if err != nil {
		ml.Fatalf("Error loading configuration file %s: %v\nExit, unable to proceed", *cfgfn, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepo(ctx, cfg, ml)
	if err != nil {
		ml.Fatalf("storage init error %v.\n Exit: unable to proceed.", err)
	}
	defer closeRepo()

	// Initialize the cloud Logging client for the ban audit trail
	var clgr *logging.Logger
	if cfg.CloudLoggingEnabled {
		client, lgr, err := services.NewCloudLogger(ctx, cfg.GetProjectID(), "ivmgate-audit")
		if err != nil {
			ml.Printf("Error while initializing cloud logging: %v. The service will be now disabled!", err)
			cfg.CloudLoggingEnabled = false
		} else {
			clgr = lgr
			defer client.Close()
		}
	}

	session, err := services.NewSession(repo, cfg, gate.SystemClock{}, slgr, clgr)
	if err != nil {
		ml.Fatalf("gateway init error %v.\n Exit: unable to proceed.", err)
	}

	hdlr, err := router.NewHandler(ctx, session, cfg)
	if err != nil {
		ml.Fatalf("router init error %v.\n Exit: unable to proceed.", err)
	}

	httpServer := server.NewInstance()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		ml.Printf("...starting %s instance at %s...", cfg.Name, addr)
		return httpServer.Start(addr, hdlr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		ml.Printf("%s terminated with error: %v", cfg.Name, err)
		return
	}
	ml.Printf("%s terminated", cfg.Name)
}

// openRepo builds the IP repository the storage driver asks for. The
// returned func releases it.
func openRepo(ctx context.Context, cfg *config.ServiceConfig, ml *log.Logger) (gate.IPRepo, func(), error) {
	switch cfg.GetStorageDriver() {
	case "firestore":
		client, err := fspool.NewClient(ctx, cfg.GetProjectID(), cfg.GetCredentialsFile(), ml)
		if err != nil {
			return nil, nil, err
		}
		repo, err := firestoredb.NewIPRepository(client, cfg.GetIPCollectionName(), cfg.GetPathCollectionName())
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return repo, func() { client.Close() }, nil

	case "sqlite":
		repo, err := sqlitedb.NewIPRepository(cfg.GetSqlitePath())
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				ml.Printf("closing the sqlite database: %v", err)
			}
		}, nil

	default:
		ml.Printf("storage driver %q keeps the records in memory only", cfg.GetStorageDriver())
		return memdb.NewIPRepository(), func() {}, nil
	}
}
