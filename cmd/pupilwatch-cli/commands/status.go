package commands

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pupilwatch-backend/lib/serviceutil"
	"pupilwatch-backend/lib/sqliteutil"
	"pupilwatch-backend/services/pupilwatch/db"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Prints the persisted sync state without touching the portal.",
	Run: func(cmd *cobra.Command, args []string) {
		config := readConfig()

		database, err := sqliteutil.OpenDB(db.Schema, config.Database)
		if err != nil {
			serviceutil.Fatal("failed to open database", err)
		}
		defer database.Close()
		qry := db.New(database)

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Second*30)
		defer cancel()

		t := newTable()
		t.AppendHeader(table.Row{"Account", "Last refresh", "Last complete", "Auth ok", "Pupil", "Fetched at"})

		for _, acct := range config.Accounts {
			state, err := qry.GetSyncState(ctx, acct.Username)
			if errors.Is(err, sql.ErrNoRows) {
				t.AppendRow(table.Row{acct.Username, "never", "", "", "", ""})
				continue
			}
			if err != nil {
				serviceutil.Fatal("failed to read sync state", err)
			}

			lastComplete := ""
			if state.LastCompleteRefreshAt.Valid {
				lastComplete = time.Unix(state.LastCompleteRefreshAt.Int64, 0).Format(time.ANSIC)
			}

			snapshots, err := qry.GetSnapshots(ctx, acct.Username)
			if err != nil {
				serviceutil.Fatal("failed to read snapshots", err)
			}
			if len(snapshots) == 0 {
				t.AppendRow(table.Row{
					acct.Username,
					time.Unix(state.LastRefreshAt, 0).Format(time.ANSIC),
					lastComplete,
					state.LastAuthSucceeded,
					"", "",
				})
				continue
			}
			for _, snapshot := range snapshots {
				t.AppendRow(table.Row{
					acct.Username,
					time.Unix(state.LastRefreshAt, 0).Format(time.ANSIC),
					lastComplete,
					state.LastAuthSucceeded,
					snapshot.PupilName,
					time.Unix(snapshot.FetchedAt, 0).Format(time.ANSIC),
				})
			}
		}
		t.Render()
	},
}
