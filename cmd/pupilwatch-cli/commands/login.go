package commands

import (
	"context"
	"log/slog"
	"time"

	"pupilwatch-backend/lib/scrapers/infomentor"
	"pupilwatch-backend/lib/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Runs the full login handshake once and reports whether the credentials work.",
	Run: func(cmd *cobra.Command, args []string) {
		config := readConfig()
		acct := selectAccount(config)

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute*2)
		defer cancel()

		client, err := infomentor.NewClient(infomentor.ClientOptions{
			HubBaseUrl:    config.HubBaseUrl,
			LegacyBaseUrl: config.LegacyBaseUrl,
		})
		if err != nil {
			serviceutil.Fatal("failed to initialize portal client", err)
		}
		negotiator := infomentor.NewNegotiator(infomentor.NegotiatorOptions{Client: client})

		session, err := negotiator.Login(ctx, acct.Username, acct.Password)
		if err != nil {
			serviceutil.Fatal("login failed", err)
		}
		slog.Info("login succeeded",
			"account", acct.Username,
			"authenticated_at", session.LastAuthenticatedAt,
			"cookies", len(session.Cookies),
		)
	},
}
