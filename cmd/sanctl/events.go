package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sanctl/sanctl/internal/config"
	"github.com/sanctl/sanctl/internal/journal"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the provisioning/teardown/monitor event journal",
	Run:   runEvents,
}

func init() {
	eventsCmd.Flags().IntP("limit", "n", 50, "maximum number of events to show")
	eventsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runEvents(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOut, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fail("loading config: %v", err)
	}

	jnl, err := journal.Open(cfg.Paths.JournalDB)
	if err != nil {
		fail("opening journal: %v", err)
	}
	defer jnl.Close()

	events, err := jnl.Recent(limit)
	if err != nil {
		fail("%v", err)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(events)
		return
	}

	if len(events) == 0 {
		fmt.Println("no events recorded")
		return
	}
	for _, ev := range events {
		fmt.Printf("%s  %-9s %-18s", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Category, ev.Action)
		if ev.MountPath != "" {
			fmt.Printf("  %s", ev.MountPath)
		}
		if ev.Target != "" {
			fmt.Printf("  %s", ev.Target)
		}
		if ev.Detail != "" {
			fmt.Printf("  %s", ev.Detail)
		}
		fmt.Println()
	}
}
