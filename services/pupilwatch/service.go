package pupilwatch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pupilwatch-backend/lib/scrapers/infomentor"
	"pupilwatch-backend/lib/sqliteutil"
	"pupilwatch-backend/lib/timezone"
	"pupilwatch-backend/services/pupilwatch/db"
)

type AccountConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Config struct {
	Database string          `json:"database"`
	Accounts []AccountConfig `json:"accounts"`
	Smtp     SmtpConfig      `json:"smtp"`
	// overrides for testing; production leaves both empty
	HubBaseUrl    string `json:"hub_base_url"`
	LegacyBaseUrl string `json:"legacy_base_url"`
}

type account struct {
	username    string
	coordinator *Coordinator
}

// Service wires one coordinator per configured guardian account over a
// shared sqlite database and runs the refresh scheduling daemons.
type Service struct {
	database *sql.DB
	qry      *db.Queries
	accounts []account
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	database, err := sqliteutil.OpenDB(db.Schema, config.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	notifier := NewNotifier(config.Smtp)

	s := &Service{
		database: database,
		qry:      db.New(database),
	}
	for _, acct := range config.Accounts {
		coordinator, err := s.buildCoordinator(ctx, config, acct, notifier)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("account %q: %w", acct.Username, err)
		}
		s.accounts = append(s.accounts, account{
			username:    acct.Username,
			coordinator: coordinator,
		})
	}

	return s, nil
}

func (s *Service) buildCoordinator(ctx context.Context, config Config, acct AccountConfig, notifier *Notifier) (*Coordinator, error) {
	store := NewStore(s.database, acct.Username)

	client, err := infomentor.NewClient(infomentor.ClientOptions{
		HubBaseUrl:    config.HubBaseUrl,
		LegacyBaseUrl: config.LegacyBaseUrl,
	})
	if err != nil {
		return nil, err
	}
	negotiator := infomentor.NewNegotiator(infomentor.NegotiatorOptions{
		Client:  client,
		Backup:  store,
		Schools: store,
	})

	// primes the negotiator's credentials either way; a dead backup
	// just means the first fetch logs in from scratch
	if !negotiator.RestoreSession(ctx, acct.Username, acct.Password) {
		slog.DebugContext(ctx, "no revivable session backup, first fetch will log in", "account", acct.Username)
	}

	fetcher := infomentor.NewFetcher(client, negotiator)

	// the probe logs in on a throwaway client so the serving session's
	// cookies and backup stay untouched
	verify := func(ctx context.Context) error {
		probeClient, err := infomentor.NewClient(infomentor.ClientOptions{
			HubBaseUrl:    config.HubBaseUrl,
			LegacyBaseUrl: config.LegacyBaseUrl,
		})
		if err != nil {
			return err
		}
		probe := infomentor.NewNegotiator(infomentor.NegotiatorOptions{
			Client:  probeClient,
			Schools: store,
		})
		_, err = probe.Login(ctx, acct.Username, acct.Password)
		return err
	}

	return NewCoordinator(CoordinatorOptions{
		Account:     acct.Username,
		Fetcher:     fetcher,
		Store:       store,
		Notifier:    notifier,
		VerifyLogin: verify,
	}), nil
}

// Start runs the initial refresh across all accounts and launches the
// scheduling daemons. A slow or failing initial refresh is reported but
// never blocks startup past its timeout.
func (s *Service) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, acct := range s.accounts {
		wg.Add(1)
		go func(acct account) {
			defer wg.Done()

			refreshCtx, cancel := context.WithTimeout(ctx, initialRefreshTimeout)
			defer cancel()
			err := acct.coordinator.RefreshNow(refreshCtx)
			if err != nil {
				slog.WarnContext(ctx, "initial refresh failed, continuing on schedule",
					"account", acct.username, "err", err)
			}
		}(acct)
	}
	wg.Wait()

	go s.scheduleDaemon(ctx)
	go s.pruneDaemon(ctx)
}

func (s *Service) scheduleDaemon(ctx context.Context) {
	slog.InfoContext(ctx, "start daemon", "task", "tick refresh schedules every minute")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, acct := range s.accounts {
				go acct.coordinator.Tick(ctx, timezone.Now())
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pruneDaemon(ctx context.Context) {
	slog.InfoContext(ctx, "start daemon", "task", "prune old snapshots every 24 hours")

	ticker := time.NewTicker(time.Hour * 24)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := timezone.Now().Add(-snapshotRetention).Unix()
			err := s.qry.DeleteSnapshotsBefore(ctx, cutoff)
			if err != nil {
				slog.WarnContext(ctx, "failed to prune old snapshots", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Coordinator returns the coordinator serving the given account.
func (s *Service) Coordinator(username string) (*Coordinator, bool) {
	for _, acct := range s.accounts {
		if acct.username == username {
			return acct.coordinator, true
		}
	}
	return nil, false
}

// Accounts lists configured account usernames in config order.
func (s *Service) Accounts() []string {
	var usernames []string
	for _, acct := range s.accounts {
		usernames = append(usernames, acct.username)
	}
	return usernames
}

func (s *Service) Close() error {
	return s.database.Close()
}
