package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audit-core/internal/api"
	"audit-core/internal/engine"
	"audit-core/internal/events"
	"audit-core/internal/explain"
	"audit-core/internal/monitor"
	"audit-core/internal/persistence"
	"audit-core/internal/reconciliation"
	"audit-core/internal/risk"
	"audit-core/pkg/config"
	"audit-core/pkg/i18n"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port)
	if cfg.PolicyFile != "" {
		log.Printf(i18n.Get("PolicyFileLoaded"), cfg.PolicyFile)
	}
	log.Printf(i18n.Get("UsingAuditDir"), cfg.Store.Dir)
	log.Printf(i18n.Get("UsingDBPath"), cfg.Store.DBPath)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	health := monitor.NewHealth(bus)
	sysMetrics := monitor.NewSystemMetrics()
	log.Println(i18n.Get("SystemMetricsInit"))

	// Audit log: journal is the source of truth, the index answers queries.
	journal, err := persistence.OpenJournal(cfg.Store.Dir)
	if err != nil {
		log.Fatalf(i18n.Get("StoreOpenFailed"), err)
	}
	index, err := persistence.OpenIndex(cfg.Store.DBPath)
	if err != nil {
		journal.Close()
		log.Fatalf(i18n.Get("StoreOpenFailed"), err)
	}
	store := persistence.NewStore(cfg.Store, index, []persistence.Sink{journal, index},
		persistence.WithFaultReporter(health),
		persistence.WithBatchObserver(func(_ int, took time.Duration) {
			sysMetrics.FlushLatency.RecordDuration(took)
		}),
	)
	log.Printf(i18n.Get("StoreOpened"), cfg.Store.BatchSize, cfg.Store.BatchInterval, cfg.Store.QueueSize)

	// Decision policy
	riskEngine, err := risk.NewEngine(cfg.Risk)
	if err != nil {
		log.Fatalf(i18n.Get("RiskEngineInitFailed"), err)
	}
	log.Printf(i18n.Get("RiskEngineInit"), len(riskEngine.Rules()), cfg.Risk.TieBreak)

	generator, err := explain.NewGenerator(cfg.Explain)
	if err != nil {
		log.Fatalf(i18n.Get("ExplainInitFailed"), err)
	}
	log.Printf(i18n.Get("ExplainInit"), len(generator.Templates()))

	if cfg.AuditFailClosed {
		log.Println(i18n.Get("AuditFailClosedOn"))
	}
	orchestrator, err := engine.NewOrchestrator(engine.Config{
		Risk:       riskEngine,
		Explain:    generator,
		Store:      store,
		Health:     health,
		Metrics:    sysMetrics,
		Bus:        bus,
		FailClosed: cfg.AuditFailClosed,
	})
	if err != nil {
		log.Fatalf(i18n.Get("EngineServiceFailed"), err)
	}
	orchestrator.Start(ctx)
	log.Println(i18n.Get("EngineServiceInit"))

	// Reconciliation
	recon := reconciliation.NewService(journal, index, health, cfg.ReconcileCron)
	if err := recon.Start(ctx); err != nil {
		log.Fatalf(i18n.Get("ReconStartFailed"), err)
	}
	log.Println(i18n.Get("ReconStarted"))

	// Alerts
	alerts := &monitor.Monitor{Bus: bus, Sinks: []monitor.AlertSink{monitor.LogSink{}}}
	alerts.Start(ctx)
	log.Printf(i18n.Get("AlertMonitorActive"), len(alerts.Sinks))

	// gRPC health
	grpcHealth := monitor.NewGRPCHealth(health)
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			log.Fatalf(i18n.Get("GRPCHealthFailed"), err)
		}
		go func() {
			if err := grpcHealth.Serve(lis); err != nil {
				log.Printf(i18n.Get("GRPCHealthFailed"), err)
			}
		}()
		log.Printf(i18n.Get("GRPCHealthStarted"), cfg.GRPCHealthAddr)
	}

	// API
	server := api.NewServer(bus, orchestrator, sysMetrics, api.SystemMeta{
		Version:         buildVersion,
		AuditFailClosed: cfg.AuditFailClosed,
		TieBreak:        cfg.Risk.TieBreak,
	}, api.Options{})
	apiDone := make(chan struct{})
	go func() {
		defer close(apiDone)
		log.Printf(i18n.Get("ServerListening"), cfg.Port)
		if err := server.Run(ctx, ":"+cfg.Port); err != nil {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))

	// Stop taking requests first, then drain the audit queue.
	cancel()
	<-apiDone
	recon.Stop()
	grpcHealth.Stop()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer closeCancel()
	if err := store.Close(closeCtx); err != nil {
		log.Printf(i18n.Get("StoreFlushFailed"), err)
		return
	}
	log.Println(i18n.Get("StoreClosed"))
	log.Println(i18n.Get("ShutdownComplete"))
}
