package infomentor

import (
	"context"
	"errors"
	"testing"
	"time"

	"pupilwatch-backend/lib/scrapers/infomentor/reader"

	"github.com/stretchr/testify/require"
)

func shortenPupilRetries(t *testing.T) {
	t.Helper()
	old := pupilListInitialDelay
	pupilListInitialDelay = time.Millisecond * 5
	t.Cleanup(func() { pupilListInitialDelay = old })
}

func TestListPupils(t *testing.T) {
	_, _, negotiator, fetcher := newFakePortal(t)
	ctx := context.Background()

	_, err := negotiator.Login(ctx, "anna@exempel.se", "hemligt")
	require.NoError(t, err)

	pupils, err := fetcher.ListPupils(ctx)
	require.NoError(t, err)
	require.Equal(t, []Pupil{
		{Id: "101", Name: "Anna Svensson", SwitchHandle: "501"},
		{Id: "502", Name: "Bo Svensson", SwitchHandle: "502"},
	}, pupils)
}

func TestListPupilsRetriesEmptyAnswers(t *testing.T) {
	portal, _, negotiator, fetcher := newFakePortal(t)
	shortenPupilRetries(t)
	portal.emptyPupilPages = 2
	ctx := context.Background()

	_, err := negotiator.Login(ctx, "anna@exempel.se", "hemligt")
	require.NoError(t, err)

	pupils, err := fetcher.ListPupils(ctx)
	require.NoError(t, err)
	require.Len(t, pupils, 2)
}

func TestListPupilsExhaustsRetries(t *testing.T) {
	portal, _, negotiator, fetcher := newFakePortal(t)
	shortenPupilRetries(t)
	portal.emptyPupilPages = pupilListAttempts
	ctx := context.Background()

	_, err := negotiator.Login(ctx, "anna@exempel.se", "hemligt")
	require.NoError(t, err)

	_, err = fetcher.ListPupils(ctx)
	require.True(t, errors.Is(err, ErrNoPupils))
}

func TestFilterPupils(t *testing.T) {
	records := []reader.PupilRecord{
		{Id: "101", Name: "Anna", SwitchUrl: "/Account/PupilSwitcher/SwitchPupil/501"},
		{Id: "102", Name: "Guardian", Roles: []string{"Guardian"}},
		{Id: "103", Name: "Rektorn", Roles: []string{"Staff"}},
		{Id: "104", Name: "Läraren", Roles: []string{"lärare"}},
		{Id: "105", Name: "Cleo"},
	}

	pupils := filterPupils(records)
	require.Equal(t, []Pupil{
		{Id: "101", Name: "Anna", SwitchHandle: "501"},
		// no switch url, the pupil id doubles as the handle
		{Id: "105", Name: "Cleo", SwitchHandle: "105"},
	}, pupils)
}
