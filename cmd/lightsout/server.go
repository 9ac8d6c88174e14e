package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lightsout/internal/app"
	"lightsout/internal/domain"
	"lightsout/internal/pkg/catalog"
	"lightsout/internal/pkg/config"
	"lightsout/internal/pkg/mqtt"
	"lightsout/internal/pkg/radio"
	"lightsout/internal/pkg/sqlite"
	"lightsout/internal/pkg/tls"
	"lightsout/internal/pkg/toolchain"
)

// buildShutdownTimeout bounds how long shutdown waits for a running build
const buildShutdownTimeout = 30 * time.Second

const journalRetention = 90 * 24 * time.Hour

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the aggregation server",
		Long:  `Ingests telemetry from the radio, HTTP and MQTT, serves the dashboard API and builds firmware on demand.`,
		RunE:  runServer,
	}
}

// firmwareStack opens the catalog, the journal and the build orchestrator
func firmwareStack(ctx context.Context, cfg *config.Config) (*app.FirmwareCatalog, *app.BuildService, *sqlite.Repository, error) {
	journal, err := sqlite.NewRepository(cfg.Firmware.JournalPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open build journal: %w", err)
	}

	if n, err := journal.CleanupOldAttempts(ctx, journalRetention); err != nil {
		log.Printf("Warning: failed to prune build journal: %v", err)
	} else if n > 0 {
		log.Printf("Pruned %d old build attempts", n)
	}

	fwCatalog, err := app.NewFirmwareCatalog(
		catalog.NewFileStore(cfg.Firmware.CatalogPath),
		cfg.Firmware.OutputDir,
		cfg.Firmware.InitialVersion,
	)
	if err != nil {
		journal.Close()
		return nil, nil, nil, fmt.Errorf("failed to open firmware catalog: %w", err)
	}

	builds := app.NewBuildService(fwCatalog, toolchain.NewPlatformIO(cfg.Firmware), journal, cfg.Firmware.Timeout())
	return fwCatalog, builds, journal, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fwCatalog, builds, journal, err := firmwareStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer journal.Close()

	nodes := app.NewNodeService()
	broadcaster := app.NewBroadcaster(nodes)
	nodes.SetNotifier(broadcaster)
	telemetry := app.NewTelemetryService(nodes)

	// Interfaces stay nil when a transport is disabled
	var radioLink domain.Radio
	if cfg.Radio.Port != "" {
		link, err := radio.Open(cfg.Radio.Port, cfg.Radio.Baud)
		if err != nil {
			log.Printf("Warning: continuing without radio: %v", err)
		} else {
			defer link.Close()
			radioLink = link
		}
	}

	var publisher domain.MessagePublisher
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqtt.NewBridge(cfg.MQTT, telemetry)
		defer bridge.Disconnect()
		publisher = bridge
	}

	commands := app.NewCommandService(radioLink, publisher, cfg.MQTT.CommandTopic)

	var tlsService domain.TLSService
	if cfg.Server.TLS {
		tlsService = tls.NewService(cfg.Server.CertDir, cfg.Server.Host)
	}

	server := app.NewWebServer(app.WebServerConfig{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}, nodes, telemetry, broadcaster, fwCatalog, builds, commands, tlsService)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return broadcaster.Run(gctx)
	})

	if radioLink != nil {
		g.Go(func() error {
			return telemetry.RunRadioIngest(gctx, radioLink, cfg.Radio.PollInterval())
		})
	}

	if bridge != nil {
		g.Go(func() error {
			err := bridge.Connect(gctx, time.Second, 30*time.Second)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := server.Start(gctx); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	log.Printf("Lights Out server running (firmware %s, %d builds)", fwCatalog.CurrentVersion(), len(fwCatalog.Builds()))

	<-gctx.Done()
	log.Println("Shutting down...")

	if err := server.Stop(context.Background()); err != nil {
		log.Printf("Error stopping web server: %v", err)
	}

	buildCtx, cancel := context.WithTimeout(context.Background(), buildShutdownTimeout)
	defer cancel()
	if err := builds.Shutdown(buildCtx); err != nil {
		log.Printf("Firmware build did not finish before shutdown: %v", err)
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.Println("Server stopped")
	return nil
}
