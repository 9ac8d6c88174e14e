package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lightsout/internal/app"
	"lightsout/internal/pkg/config"
	"lightsout/internal/pkg/http"
	"lightsout/internal/pkg/radio"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the edge agent next to a gateway node",
		Long: `Relays packets heard on the local radio to the server and tells the
gateway node when newer firmware is available.`,
		RunE: runAgent,
	}

	cmd.Flags().String("server-url", "", "Aggregation server URL (overrides config)")
	cmd.Flags().String("port", "", "Serial port of the gateway node (overrides config)")

	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("server-url"); v != "" {
		cfg.Agent.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("port"); v != "" {
		cfg.Radio.Port = v
	}
	if cfg.Radio.Port == "" {
		return fmt.Errorf("agent requires a serial port (radio.port or --port)")
	}

	agentID, err := config.LoadOrGenerateAgentID(cfg.Agent.DataDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link, err := radio.Open(cfg.Radio.Port, cfg.Radio.Baud)
	if err != nil {
		return err
	}
	defer link.Close()

	client := http.NewClient(cfg.Agent.InsecureSkipVerify)
	defer client.Close()

	poller := app.NewUpdatePoller(client, link, cfg.Agent.ServerURL,
		cfg.Agent.InstalledVersion, cfg.Agent.UpdatePollInterval())
	relay := app.NewRelayService(client, link, cfg.Agent.ServerURL, agentID, cfg.Agent.RelayInterval())

	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start update poller: %w", err)
	}
	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	log.Printf("Agent %s running against %s", agentID, cfg.Agent.ServerURL)

	<-ctx.Done()
	log.Println("Shutting down agent...")

	if err := poller.Stop(); err != nil {
		log.Printf("Error stopping update poller: %v", err)
	}
	if err := relay.Stop(); err != nil {
		log.Printf("Error stopping relay: %v", err)
	}

	log.Println("Agent stopped")
	return nil
}
