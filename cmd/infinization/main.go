package main

import (
	"context"
	"log"
	"os"

	"github.com/google/nftables"

	"github.com/infinibay/infinization/internal/api"
	"github.com/infinibay/infinization/internal/config"
	"github.com/infinibay/infinization/internal/events"
	"github.com/infinibay/infinization/internal/firewall"
	"github.com/infinibay/infinization/internal/health"
	"github.com/infinibay/infinization/internal/orchestrator"
	"github.com/infinibay/infinization/internal/store"
	"github.com/infinibay/infinization/internal/tap"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("infinization: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	conn, err := nftables.New()
	if err != nil {
		log.Fatalf("failed to open nftables connection: %v", err)
	}
	persist := firewall.NewPersister(cfg.NftRulesPath)
	fw := firewall.NewService(conn, persist, logger)
	if err := fw.Initialize(); err != nil {
		log.Fatalf("failed to initialize packet filter: %v", err)
	}

	broker := events.NewBroker()
	tapMgr := tap.NewManager()
	rules := orchestrator.StoreRuleProvider{Store: db}
	proc := orchestrator.DefaultProcessLauncher{}
	dialer := orchestrator.DefaultControlDialer{DialTimeout: cfg.QMPDialTimeout}

	orch := orchestrator.New(db, tapMgr, fw, rules, dialer, proc, broker, cfg, logger)

	monitor := health.New(db, proc, tapMgr, fw, broker, cfg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	srv := api.NewServer(cfg.ListenAddr, orch, db, broker, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
