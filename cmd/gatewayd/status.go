package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenland-imaging/gateway/internal/models"
	"github.com/fenland-imaging/gateway/internal/pacs"
	"github.com/fenland-imaging/gateway/internal/relay"
	"github.com/fenland-imaging/gateway/internal/worklist"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway store status",
		Long:  "Displays procedure counts by status, stored image totals and relay messages still awaiting confirmation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "path to gateway config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	wl, err := worklist.NewStore(gormDB).Statistics()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Worklist:")
	for _, status := range []string{
		models.ProcedureScheduled,
		models.ProcedureInProgress,
		models.ProcedureCompleted,
		models.ProcedureDiscontinued,
		"TOTAL",
	} {
		fmt.Fprintf(out, "  %-13s %d\n", status, wl[status])
	}

	ps, err := pacs.NewStore(gormDB, cfg.PACS.StorageRoot).GetStatistics()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Images:")
	fmt.Fprintf(out, "  instances     %d\n", ps.TotalInstances)
	fmt.Fprintf(out, "  studies       %d\n", ps.TotalStudies)
	fmt.Fprintf(out, "  patients      %d\n", ps.TotalPatients)
	fmt.Fprintf(out, "  bytes         %d\n", ps.TotalSizeBytes)
	fmt.Fprintf(out, "  thumb pending %d\n", ps.PendingThumbs)
	fmt.Fprintf(out, "  thumb failed  %d\n", ps.FailedThumbs)

	stale, err := relay.NewQueue(gormDB).Unconfirmed(15 * time.Minute)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Relay: %d delivered messages awaiting confirmation\n", len(stale))

	return nil
}
