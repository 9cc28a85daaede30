package main

import (
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ekb-transit/tramtrack/app/tram-monitor/broadcast"
	"github.com/ekb-transit/tramtrack/app/tram-monitor/tracker"
	"github.com/ekb-transit/tramtrack/app/tram-monitor/webservice"
	"github.com/ekb-transit/tramtrack/business/data/ettu"
	"github.com/ekb-transit/tramtrack/business/data/osmgeo"
	"github.com/ekb-transit/tramtrack/business/data/tramdb"
	"github.com/ekb-transit/tramtrack/foundation/database"
	"github.com/ardanlabs/conf"
	"github.com/nats-io/nats.go"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "TRAM_MONITOR : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		DB   struct {
			User       string `conf:"default:postgres"`
			Password   string `conf:"default:postgres,noprint"`
			Host       string `conf:"default:0.0.0.0"`
			Name       string `conf:"default:postgres"`
			DisableTLS bool   `conf:"default:true"`
		}
		NATS struct {
			Url      string `conf:"default:nats://0.0.0.0:4222"`
			Subject  string `conf:"default:tram-state-updates"`
			KVBucket string `conf:"default:tram-state"`
			Disable  bool   `conf:"default:false"`
		}
		Tracker struct {
			EttuUrl            string  `conf:"default:http://map.ettu.ru"`
			PollEverySeconds   int     `conf:"default:10"`
			RefreshEveryHours  int     `conf:"default:1"`
			RetentionDays      int     `conf:"default:90"`
			SnapDistanceM      float64 `conf:"default:300"`
			ApplySnapDistanceM float64 `conf:"default:60"`
			FinalSnapErrorM    float64 `conf:"default:80"`
			MinSpeedKmh        float64 `conf:"default:5"`
			MaxEtaSeconds      int     `conf:"default:3600"`
			GhostTTLSeconds    int     `conf:"default:120"`
		}
		Web struct {
			HttpPort int `conf:"default:8080"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Track trams on the Ekaterinburg network in real time"
	const prefix = "MONITOR"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Start Database

	log.Println("main: Initializing database support")

	db, err := database.Open(database.Config{
		User:       cfg.DB.User,
		Password:   cfg.DB.Password,
		Host:       cfg.DB.Host,
		Name:       cfg.DB.Name,
		DisableTLS: cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		err = db.Close()
		if err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	// =========================================================================
	// Start NATS

	var natsConn *nats.Conn
	if !cfg.NATS.Disable {
		log.Printf("main: Connecting to NATS at %s", cfg.NATS.Url)
		natsConn, err = nats.Connect(cfg.NATS.Url)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer natsConn.Close()
	} else {
		log.Println("main: NATS disabled, broadcasting in process only")
	}

	// =========================================================================
	// Wire the tracking pipeline

	params := tracker.DefaultParams()
	params.MaxSnapDistanceM = cfg.Tracker.SnapDistanceM
	params.MaxApplySnapDistanceM = cfg.Tracker.ApplySnapDistanceM
	params.MaxFinalSnapErrorM = cfg.Tracker.FinalSnapErrorM
	params.MinSpeedKmh = cfg.Tracker.MinSpeedKmh
	params.MaxEtaSeconds = cfg.Tracker.MaxEtaSeconds
	params.GhostTTL = time.Duration(cfg.Tracker.GhostTTLSeconds) * time.Second
	diag := tracker.NewDiagnostics()
	matcher := tracker.NewRouteMatcher(params.MaxSnapDistanceM)
	detector := tracker.NewStopDetector(params)

	ettuClient := ettu.NewClient(log, cfg.Tracker.EttuUrl)
	geoProvider := osmgeo.NewProvider(log)
	catalog := tracker.NewCatalogLoader(log, ettuClient, geoProvider, db,
		matcher, detector, diag, params)

	wg := sync.WaitGroup{}
	broadcasterShutdown := make(chan bool, 1)
	webServiceShutdown := make(chan bool, 1)

	broadcaster, err := broadcast.NewBroadcaster(log, natsConn, cfg.NATS.Subject,
		cfg.NATS.KVBucket, &wg, broadcasterShutdown)
	if err != nil {
		return fmt.Errorf("starting broadcaster: %w", err)
	}

	trk := tracker.NewTracker(log, ettuClient, catalog, matcher, detector, diag,
		broadcaster, db, params)

	// an empty catalog just means no vehicles resolve until the first
	// successful refresh inside the loop
	if err := catalog.Refresh(); err != nil {
		log.Printf("main: initial catalog refresh failed, continuing: %v", err)
	}

	if cfg.Tracker.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Tracker.RetentionDays)
		if removed, err := tramdb.PurgeOldVehiclePositions(db, cutoff); err != nil {
			log.Printf("main: purging old positions: %v", err)
		} else if removed > 0 {
			log.Printf("main: purged %d positions older than %d days", removed, cfg.Tracker.RetentionDays)
		}
	}

	go webservice.RunWebService(log, &wg, trk, catalog, detector, diag,
		broadcaster, cfg.Web.HttpPort, webServiceShutdown)

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	err = tracker.RunTrackerLoop(log, trk, catalog, cfg.Tracker.PollEverySeconds,
		cfg.Tracker.RefreshEveryHours, shutdown)

	log.Printf("main: shutting down subroutines")
	broadcasterShutdown <- true
	webServiceShutdown <- true
	wg.Wait()
	return err
}
