package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rvelazquez/sectorwars-go/internal/adapters/metrics"
	"github.com/rvelazquez/sectorwars-go/internal/adapters/persistence"
	"github.com/rvelazquez/sectorwars-go/internal/adapters/ws"
	"github.com/rvelazquez/sectorwars-go/internal/application/combat"
	"github.com/rvelazquez/sectorwars-go/internal/application/common"
	"github.com/rvelazquez/sectorwars-go/internal/application/salvage"
	"github.com/rvelazquez/sectorwars-go/internal/infrastructure/config"
	"github.com/rvelazquez/sectorwars-go/internal/infrastructure/database"
	"github.com/rvelazquez/sectorwars-go/internal/infrastructure/pidfile"
)

// salvagePruneInterval is how often expired salvage containers are swept.
const salvagePruneInterval = time.Minute

// NewServerCommand creates the game server command
func NewServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the sector combat game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.MustLoadConfig(configPath)

			pf := pidfile.New(cfg.Server.PIDFile)
			if err := pf.Acquire(); err != nil {
				return fmt.Errorf("failed to acquire PID file lock: %w", err)
			}
			defer func() {
				if err := pf.Release(); err != nil {
					log.Printf("warning: failed to release PID file: %v", err)
				}
			}()

			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	// 1. Database
	fmt.Printf("Connecting to %s database...\n", cfg.Database.Type)
	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(db)
	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	fmt.Println("Database connected")

	// 2. Repositories and stores
	characterRepo := persistence.NewGormCharacterRepository(db)
	garrisonStore, err := persistence.NewFileGarrisonStore(cfg.Garrison.FilePath, nil)
	if err != nil {
		return fmt.Errorf("failed to open garrison store: %w", err)
	}
	fmt.Println("Stores initialized")

	// 3. Metrics (optional)
	var recorder combat.MetricsRecorder
	var salvageRecorder salvage.MetricsRecorder
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		collector := metrics.NewCombatMetricsCollector()
		if err := collector.Register(registry); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		recorder = collector
		salvageRecorder = collector

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			fmt.Printf("Metrics listening on %s%s\n", cfg.Metrics.Address, cfg.Metrics.Path)
			if err := http.ListenAndServe(cfg.Metrics.Address, metricsMux); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	salvageManager := salvage.NewManager(
		salvage.ManagerConfig{DefaultTTL: cfg.Salvage.DefaultTTL, Metrics: salvageRecorder}, nil)

	// 4. Combat core. The service installs itself as the manager's callback
	// set, so the manager starts with an empty one.
	combatManager := combat.NewManager(
		combat.ManagerConfig{RoundTimeout: cfg.Combat.RoundTimeout},
		combat.Callbacks{}, recorder, nil)

	wsServer := ws.NewServer()
	combatService := combat.NewService(combatManager, characterRepo, garrisonStore, salvageManager, wsServer, nil,
		combat.ServiceConfig{SalvageTTL: cfg.Salvage.DefaultTTL})
	fmt.Println("Combat service initialized")

	// 5. Mediator and transport endpoints
	med := common.NewMediator()
	if err := combat.NewHandler(combatService).Register(med); err != nil {
		return fmt.Errorf("failed to register combat handlers: %w", err)
	}
	ws.RegisterGameEndpoints(wsServer, med, common.NewStdOperationLogger())
	fmt.Println("Endpoints registered")

	// 6. Background salvage sweep
	stopPrune := make(chan struct{})
	defer close(stopPrune)
	go func() {
		ticker := time.NewTicker(salvagePruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if pruned := salvageManager.PruneExpired(); pruned > 0 {
					log.Printf("pruned %d expired salvage containers", pruned)
				}
			case <-stopPrune:
				return
			}
		}
	}()

	// 7. HTTP server
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.WSPath, wsServer)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Game server listening on ws://%s%s\n", addr, cfg.Server.WSPath)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("Received %s, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
