package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/connmgr"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/handlers"
	"github.com/gluk-w/sshdeck/internal/inventory"
	"github.com/gluk-w/sshdeck/internal/jobs"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/monitor"
	"github.com/gluk-w/sshdeck/internal/sessionaudit"
	"github.com/gluk-w/sshdeck/internal/sessions"
	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"github.com/gluk-w/sshdeck/internal/tabstate"
	"github.com/gluk-w/sshdeck/internal/termregistry"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--add-target":
			runCLICommand("add-target")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: MaxSessions=%d, InactiveThreshold=%s, ScanInterval=%s, ReconnectCooldown=%s",
		config.Cfg.MaxSessions, config.Cfg.InactiveThreshold(), config.Cfg.ScanInterval(), config.Cfg.ReconnectCooldownDuration())

	// Console SSH identity
	signer, publicKey, err := sshkeys.EnsureKeyPair(filepath.Join(config.Cfg.DataPath, "ssh"))
	if err != nil {
		log.Fatalf("SSH key init: %v", err)
	}
	log.Printf("SSH key pair ready (public key: %d bytes)", len(publicKey))

	targets := inventory.NewStore()
	sshDialer := &connmgr.SSHDialer{
		Signer:      signer,
		Credentials: targets,
	}

	reg := termregistry.New(termregistry.Options{
		Cols:           config.Cfg.TerminalCols,
		Rows:           config.Cfg.TerminalRows,
		ScrollbackSize: config.Cfg.TerminalScrollbackBytes,
	})
	conns := connmgr.New(reg, sshDialer, connmgr.Options{
		ReconnectCooldown: config.Cfg.ReconnectCooldownDuration(),
	})

	pool := monitor.NewPool(targets, &monitor.RoutingCollector{
		Local:  &monitor.LocalCollector{Interval: config.Cfg.ProbeInterval(), DiskPath: config.Cfg.DataPath},
		Remote: &monitor.SSHCollector{Dialer: sshDialer, Interval: config.Cfg.ProbeInterval()},
	}, config.Cfg.TeardownDelay())

	uiState := tabstate.NewStore(database.DB)
	if err := uiState.Load(); err != nil {
		log.Printf("WARNING: tab ui state load failed: %v", err)
	}

	orch := sessions.New(sessions.Config{
		MaxSessions:       config.Cfg.MaxSessions,
		InactiveThreshold: config.Cfg.InactiveThreshold(),
	}, reg, conns, targets, uiState)

	// Sessions do not survive a restart, so every stored entry is an orphan.
	if n, err := uiState.Prune(orch.Live); err != nil {
		log.Printf("WARNING: tab ui state prune failed: %v", err)
	} else if n > 0 {
		log.Printf("Pruned %d orphaned tab ui state entries", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditor := sessionaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	auditor.Start(ctx)
	orch.Subscribe(auditor.Handle)

	scheduler := jobs.New()
	mustSchedule(scheduler.Every("inactivity-scan", config.Cfg.ScanInterval(), func() {
		orch.ScanIdleNow()
	}))
	mustSchedule(scheduler.Every("ui-state-prune", config.Cfg.PruneInterval(), func() {
		if _, err := uiState.Prune(orch.Live); err != nil {
			log.Printf("[jobs] ui state prune: %v", err)
		}
	}))
	mustSchedule(scheduler.Every("audit-purge", 24*time.Hour, func() {
		auditor.PurgeOlderThan(0)
	}))
	scheduler.Start()

	server := &handlers.Server{
		Sessions:    orch,
		Transitions: conns,
		Metrics:     pool,
		UIState:     uiState,
		Auditor:     auditor,
		Targets:     targets,
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: server.Routes(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	scheduler.Stop(shutdownCtx)
	orch.Shutdown()
	conns.CloseAll()
	pool.Close()

	cancel()
	auditor.Wait()
	log.Println("Server stopped")
}

func mustSchedule(err error) {
	if err != nil {
		log.Fatalf("Schedule job: %v", err)
	}
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	id := fs.String("id", "", "Target ID")
	name := fs.String("name", "", "Display name")
	host := fs.String("host", "", "Host name or IP address")
	port := fs.Int("port", 22, "SSH port")
	username := fs.String("username", "", "SSH username")
	password := fs.String("password", "", "SSH password (optional; the console key is always offered)")
	offline := fs.Bool("offline", false, "Mark the target offline")
	fs.Parse(os.Args[2:])

	if *id == "" || *host == "" || *username == "" {
		fmt.Fprintf(os.Stderr, "Usage: sshdeck --%s --id <id> --host <host> --username <user> [--port 22] [--name <name>] [--password <pass>] [--offline]\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "add-target":
		t := inventory.Target{
			ID:       *id,
			Name:     *name,
			Host:     *host,
			Port:     *port,
			Username: *username,
			Online:   !*offline,
		}
		if err := inventory.NewStore().Add(t, *password); err != nil {
			log.Fatalf("Failed to add target: %v", err)
		}
		fmt.Printf("Target '%s' (%s) saved.\n", t.ID, t.Addr())
	}
}
