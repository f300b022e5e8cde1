package commands

import (
	"context"
	"time"

	"pupilwatch-backend/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pupilsCmd)
}

var pupilsCmd = &cobra.Command{
	Use:   "pupils",
	Short: "Logs in and prints the pupils visible to the account.",
	Run: func(cmd *cobra.Command, args []string) {
		config := readConfig()
		acct := selectAccount(config)

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute*3)
		defer cancel()

		fetcher := createFetcher(ctx, config, acct)
		pupils, err := fetcher.ListPupils(ctx)
		if err != nil {
			serviceutil.Fatal("failed to list pupils", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Id", "Name", "Switch handle"})
		for _, pupil := range pupils {
			t.AppendRow(table.Row{pupil.Id, pupil.Name, pupil.SwitchHandle})
		}
		t.Render()
	},
}
