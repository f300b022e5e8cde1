package commands

import (
	"context"
	"log/slog"
	"time"

	"pupilwatch-backend/lib/serviceutil"
	"pupilwatch-backend/services/pupilwatch"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var refreshForce *bool
var refreshClear *bool

func init() {
	refreshForce = refreshCmd.Flags().Bool("force", false, "Ignore the snapshot bootstrap and any backoff window.")
	refreshClear = refreshCmd.Flags().Bool("clear", false, "Drop the cached snapshot before refreshing. Implies --force.")
	rootCmd.AddCommand(refreshCmd)
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [--force] [--clear]",
	Short: "Runs one refresh cycle per configured account and prints the outcome.",
	Run: func(cmd *cobra.Command, args []string) {
		config := readConfig()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute*10)
		defer cancel()

		service, err := pupilwatch.NewService(ctx, config)
		if err != nil {
			serviceutil.Fatal("failed to initialize service", err)
		}
		defer service.Close()

		t := newTable()
		t.AppendHeader(table.Row{"Account", "Pupil", "Name", "Status", "Last complete refresh"})

		for _, username := range service.Accounts() {
			coordinator, ok := service.Coordinator(username)
			if !ok {
				continue
			}

			if *refreshForce || *refreshClear {
				err = coordinator.ForceRefresh(ctx, *refreshClear)
			} else {
				err = coordinator.RefreshNow(ctx)
			}
			if err != nil {
				slog.Error("refresh failed", "account", username, "err", err)
				continue
			}

			status := coordinator.Status()
			for _, pupil := range status.Pupils {
				t.AppendRow(table.Row{
					username,
					pupil.Id,
					pupil.Name,
					pupil.Status.String(),
					status.LastCompleteRefreshAt.Format(time.ANSIC),
				})
			}
		}
		t.Render()
	},
}
