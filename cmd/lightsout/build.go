package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lightsout/internal/domain"
	"lightsout/internal/pkg/http"
)

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build and commit a firmware version locally",
		Long:  `Runs the firmware toolchain once, verifies the artifact and commits it to the catalog.`,
		RunE:  runBuild,
	}

	cmd.Flags().String("version", "", "Version to build (default: next patch version)")
	cmd.Flags().Bool("skip-unchanged", false, "Fail instead of committing an artifact identical to the latest build")
	cmd.Flags().Bool("force", false, "Commit even when --skip-unchanged would reject the artifact")

	return cmd
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	version, _ := cmd.Flags().GetString("version")
	force, _ := cmd.Flags().GetBool("force")
	skipUnchanged, _ := cmd.Flags().GetBool("skip-unchanged")

	_, builds, journal, err := firmwareStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer journal.Close()

	build, err := builds.Build(cmd.Context(), domain.BuildRequest{Version: version, Force: force, SkipUnchanged: skipUnchanged})
	if err != nil {
		return err
	}

	fmt.Printf("Committed firmware %s (%s, %d bytes, sha256 %s)\n",
		build.Version, build.Filename, build.SizeBytes, build.SHA256)
	return nil
}

func nodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List nodes known to a running server",
		RunE:  runNodes,
	}

	cmd.Flags().String("server-url", "", "Aggregation server URL (overrides config)")

	return cmd
}

func runNodes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("server-url"); v != "" {
		cfg.Agent.ServerURL = v
	}

	client := http.NewClient(cfg.Agent.InsecureSkipVerify)
	defer client.Close()

	snapshot, err := client.GetSnapshot(cmd.Context(), cfg.Agent.ServerURL)
	if err != nil {
		return err
	}

	sort.Slice(snapshot.Nodes, func(i, j int) bool {
		return snapshot.Nodes[i].ID < snapshot.Nodes[j].ID
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tRSSI\tLAT\tLNG\tLAST SEEN")
	for _, n := range snapshot.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%.5f\t%.5f\t%s\n",
			n.ID, n.Status, n.RSSI, n.Lat, n.Lng, n.LastSeen.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "\n%d active, %d messages, avg rssi %.2f\n",
		snapshot.Stats.ActiveNodes, snapshot.Stats.TotalMessages, snapshot.Stats.AvgRSSI)

	return w.Flush()
}
