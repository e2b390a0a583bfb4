// MenuVault HTTP server
// Menu version lifecycle engine: audit ledger, auto-versioning, rollback
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AuraTechWave/menuvault/internal/logger"
	"github.com/AuraTechWave/menuvault/internal/metrics"
	"github.com/AuraTechWave/menuvault/internal/server"
	"github.com/AuraTechWave/menuvault/pkg/audit"
	"github.com/AuraTechWave/menuvault/pkg/schedule"
	"github.com/AuraTechWave/menuvault/pkg/snapshot"
	"github.com/AuraTechWave/menuvault/pkg/storage"
	"github.com/AuraTechWave/menuvault/pkg/trigger"
	"github.com/AuraTechWave/menuvault/pkg/version"
)

var (
	port          = flag.Int("port", 8080, "API server port")
	obsPort       = flag.Int("obs-port", 9090, "Observability server port (metrics, health, pprof)")
	dbPath        = flag.String("db", "menuvault.db", "Database file path")
	policyPath    = flag.String("policy", "", "Auto-versioning policy YAML file (empty: version every change)")
	sweepInterval = flag.Duration("sweep-interval", 30*time.Second, "Scheduled-publish sweep interval")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pretty        = flag.Bool("pretty", false, "Pretty-print logs for development")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: *logLevel, Pretty: *pretty})
	log := logger.GetGlobalLogger()
	log.LogServerStart(*port, *dbPath)

	db, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatal("Failed to open database").Err(err).Send()
	}
	defer db.Close()

	snaps, err := snapshot.NewStore(db)
	if err != nil {
		log.Fatal("Failed to initialize snapshot store").Err(err).Send()
	}
	ledger, err := audit.NewLedger(db)
	if err != nil {
		log.Fatal("Failed to initialize audit ledger").Err(err).Send()
	}

	var policies *trigger.PolicySet
	if *policyPath != "" {
		policies, err = trigger.LoadPolicyFile(*policyPath)
		if err != nil {
			log.Fatal("Failed to load policy file").Err(err).Str("path", *policyPath).Send()
		}
	}
	ev := trigger.NewEvaluator(policies, log.ComponentLogger("trigger"))

	vm, err := version.NewManager(db, snaps, ledger, ev, log.ComponentLogger("version"))
	if err != nil {
		log.Fatal("Failed to initialize version manager").Err(err).Send()
	}
	sched := schedule.NewManager(vm, log.ComponentLogger("schedule"))

	m := metrics.NewMetrics()

	apiServer := server.NewServer(vm, ledger, sched, m, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	obs := server.NewObservabilityServer(*obsPort, log)
	go func() {
		if err := obs.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("Observability server failed").Err(err).Send()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx, *sweepInterval)

	// SIGHUP reloads the policy file without a restart.
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			if *policyPath == "" {
				continue
			}
			ps, err := trigger.LoadPolicyFile(*policyPath)
			if err != nil {
				log.Error("Policy reload failed, keeping current set").
					Err(err).Str("path", *policyPath).Send()
				continue
			}
			ev.SetPolicies(ps)
			log.Info("Policy set reloaded").Str("path", *policyPath).Send()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.LogServerShutdown()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown error").Err(err).Send()
		}
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Error("Observability server shutdown error").Err(err).Send()
		}
	}()

	log.LogServerReady(*port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("Server failed").Err(err).Send()
	}
}
