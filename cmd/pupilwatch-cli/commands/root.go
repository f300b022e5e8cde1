package commands

import (
	"context"
	"fmt"
	"os"

	"pupilwatch-backend/lib/configutil"
	"pupilwatch-backend/lib/restyutil"
	"pupilwatch-backend/lib/scrapers/infomentor"
	"pupilwatch-backend/lib/serviceutil"
	"pupilwatch-backend/services/pupilwatch"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var accountFlag *string

func init() {
	accountFlag = rootCmd.PersistentFlags().String(
		"account", "",
		"The account username to operate on. Defaults to the first configured account.",
	)
}

var rootCmd = &cobra.Command{
	Use:   "pupilwatch-cli",
	Short: "pupilwatch-cli inspects and exercises InfoMentor scraping for the configured accounts.",
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readConfig() pupilwatch.Config {
	config, err := configutil.ReadConfig[pupilwatch.Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	return config
}

func selectAccount(config pupilwatch.Config) pupilwatch.AccountConfig {
	if len(config.Accounts) == 0 {
		serviceutil.Fatal("no accounts configured", fmt.Errorf("config.json5 has an empty accounts list"))
	}
	if *accountFlag == "" {
		return config.Accounts[0]
	}
	for _, acct := range config.Accounts {
		if acct.Username == *accountFlag {
			return acct
		}
	}
	serviceutil.Fatal("unknown account", fmt.Errorf("%q is not in the configured accounts", *accountFlag))
	return pupilwatch.AccountConfig{}
}

// createFetcher logs in from scratch on a fresh client, the way the
// daemon would after losing its session backup.
func createFetcher(ctx context.Context, config pupilwatch.Config, acct pupilwatch.AccountConfig) *infomentor.Fetcher {
	infomentor.SetRestyInstrumentOutput(restyutil.NewFilesystemOutput(".dev/resty/pupilwatch-cli"))

	client, err := infomentor.NewClient(infomentor.ClientOptions{
		HubBaseUrl:    config.HubBaseUrl,
		LegacyBaseUrl: config.LegacyBaseUrl,
	})
	if err != nil {
		serviceutil.Fatal("failed to initialize portal client", err)
	}
	negotiator := infomentor.NewNegotiator(infomentor.NegotiatorOptions{Client: client})

	_, err = negotiator.Login(ctx, acct.Username, acct.Password)
	if err != nil {
		serviceutil.Fatal("failed to log in to the portal", err)
	}
	return infomentor.NewFetcher(client, negotiator)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}
