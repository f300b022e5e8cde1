package pupilwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pupilwatch-backend/lib/scrapers/infomentor"
	"pupilwatch-backend/lib/timezone"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

// fakeFetcher scripts portal behavior per pupil so cycle outcomes are
// fully deterministic.
type fakeFetcher struct {
	mu         sync.Mutex
	pupils     []infomentor.Pupil
	listErr    error
	data       map[string]infomentor.PupilData
	fetchErr   map[string]error
	listCalls  int
	fetchCalls []string

	// when block is set, FetchPupilData signals entered and parks
	// until block closes
	block   chan struct{}
	entered chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pupils: []infomentor.Pupil{
			{Id: "101", Name: "Anna Svensson", SwitchHandle: "501"},
			{Id: "102", Name: "Bo Svensson", SwitchHandle: "502"},
		},
		data: map[string]infomentor.PupilData{
			"101": somePupilData("Utflykt på fredag"),
			"102": somePupilData("Ny matsedel"),
		},
		fetchErr: map[string]error{},
	}
}

func (f *fakeFetcher) ListPupils(ctx context.Context) ([]infomentor.Pupil, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]infomentor.Pupil, len(f.pupils))
	copy(out, f.pupils)
	return out, nil
}

func (f *fakeFetcher) FetchPupilData(ctx context.Context, pupil infomentor.Pupil) (infomentor.PupilData, error) {
	f.mu.Lock()
	f.fetchCalls = append(f.fetchCalls, pupil.Id)
	err := f.fetchErr[pupil.Id]
	data := f.data[pupil.Id]
	block := f.block
	entered := f.entered
	f.mu.Unlock()

	if block != nil {
		entered <- struct{}{}
		<-block
	}
	if err != nil {
		return infomentor.PupilData{}, err
	}
	return data, nil
}

func (f *fakeFetcher) failDiscovery(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeFetcher) failPupil(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fetchErr, id)
	} else {
		f.fetchErr[id] = err
	}
}

func (f *fakeFetcher) setData(id string, data infomentor.PupilData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[id] = data
}

func (f *fakeFetcher) setPupils(pupils []infomentor.Pupil) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pupils = pupils
}

func (f *fakeFetcher) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func setupCoordinator(t *testing.T, account string) (*fakeFetcher, *Coordinator, *Store, context.Context) {
	store, ctx := setupStore(t)
	fake := newFakeFetcher()
	coordinator := NewCoordinator(CoordinatorOptions{
		Account: account,
		Fetcher: fake,
		Store:   store,
	})
	return fake, coordinator, store, ctx
}

func TestRefreshCycleHappyPath(t *testing.T) {
	fake, coordinator, store, ctx := setupCoordinator(t, "happy@example.com")

	before := timezone.Now()
	err := coordinator.RefreshNow(ctx)
	require.NoError(t, err)

	status := coordinator.Status()
	require.True(t, status.LastRefreshSucceeded)
	require.False(t, status.UsingCachedData)
	require.Zero(t, status.FailureCount)
	require.False(t, status.LastCompleteRefreshAt.IsZero())
	require.Equal(t, []PupilView{
		{Id: "101", Name: "Anna Svensson", Status: StatusFresh},
		{Id: "102", Name: "Bo Svensson", Status: StatusFresh},
	}, status.Pupils)
	require.Equal(t, 1, fake.listCount())

	require.Equal(t, "Utflykt på fredag", coordinator.Data()["101"].News[0].Title)

	// complete cycle schedules the standard interval
	require.WithinDuration(t, before.Add(standardInterval), status.NextRefreshAt, time.Minute)

	// the cycle persisted everything it gathered
	state, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Data, 2)
	require.False(t, state.LastCompleteRefreshAt.IsZero())
	require.True(t, state.LastAuthSucceeded)

	pupils, err := store.LoadPupils(ctx)
	require.NoError(t, err)
	require.Len(t, pupils, 2)
}

func TestRefreshCycleKeepsCachedOnPartialFailure(t *testing.T) {
	fake, coordinator, _, ctx := setupCoordinator(t, "partial@example.com")

	require.NoError(t, coordinator.RefreshNow(ctx))
	complete := coordinator.Status().LastCompleteRefreshAt

	fake.failPupil("102", errors.New("status code 502"))
	before := timezone.Now()
	require.NoError(t, coordinator.RefreshNow(ctx))

	status := coordinator.Status()
	require.True(t, status.LastRefreshSucceeded)
	require.True(t, status.UsingCachedData)
	require.Equal(t, complete, status.LastCompleteRefreshAt)
	require.Equal(t, []PupilView{
		{Id: "101", Name: "Anna Svensson", Status: StatusFresh},
		{Id: "102", Name: "Bo Svensson", Status: StatusCached},
	}, status.Pupils)

	// the stale data keeps being served
	require.Equal(t, "Ny matsedel", coordinator.Data()["102"].News[0].Title)

	// a failed non-auth cycle is not an auth failure
	require.Zero(t, status.FailureCount)

	// incomplete cycle retries quickly
	require.WithinDuration(t, before.Add(fastRetryInterval), status.NextRefreshAt, time.Minute)
}

func TestRefreshCycleMarksMissingWithoutPriorData(t *testing.T) {
	fake, coordinator, _, ctx := setupCoordinator(t, "missing@example.com")
	fake.failPupil("102", errors.New("status code 502"))

	before := timezone.Now()
	require.NoError(t, coordinator.RefreshNow(ctx))

	status := coordinator.Status()
	require.Equal(t, []PupilView{
		{Id: "101", Name: "Anna Svensson", Status: StatusFresh},
		{Id: "102", Name: "Bo Svensson", Status: StatusMissing},
	}, status.Pupils)
	require.True(t, status.LastCompleteRefreshAt.IsZero())

	// never-complete state schedules jittered hourly retries
	require.True(t, status.NextRefreshAt.After(before.Add(time.Minute*62)))
	require.True(t, status.NextRefreshAt.Before(before.Add(time.Minute*78)))
}

func TestEmptyDataNotTrustedAsFresh(t *testing.T) {
	fake, coordinator, _, ctx := setupCoordinator(t, "hollow@example.com")

	require.NoError(t, coordinator.RefreshNow(ctx))

	fake.setData("101", infomentor.PupilData{})
	require.NoError(t, coordinator.RefreshNow(ctx))

	status := coordinator.Status()
	require.Equal(t, StatusCached, status.Pupils[0].Status)
	require.Equal(t, "Utflykt på fredag", coordinator.Data()["101"].News[0].Title)
}

func TestAuthFailureBackoff(t *testing.T) {
	fake, coordinator, _, ctx := setupCoordinator(t, "backoff@example.com")

	require.NoError(t, coordinator.RefreshNow(ctx))

	authErr := &infomentor.AuthError{Reason: "session rejected after retry"}
	fake.failPupil("101", authErr)
	fake.failPupil("102", authErr)

	// two pupils failing in one cycle still count as one auth failure
	require.NoError(t, coordinator.RefreshNow(ctx))
	require.Equal(t, 1, coordinator.Status().FailureCount)

	require.NoError(t, coordinator.RefreshNow(ctx))
	require.NoError(t, coordinator.RefreshNow(ctx))
	require.Equal(t, 3, coordinator.Status().FailureCount)
	require.Equal(t, 4, fake.listCount())

	// threshold reached, the next cycle serves memory without touching
	// the portal
	before := timezone.Now()
	require.NoError(t, coordinator.RefreshNow(ctx))
	require.Equal(t, 4, fake.listCount())

	status := coordinator.Status()
	require.Equal(t, 3, status.FailureCount)
	require.True(t, status.UsingCachedData)
	require.WithinDuration(t, before.Add(backoffWindow), status.NextRefreshAt, time.Minute)

	// force punches through the window
	require.NoError(t, coordinator.ForceRefresh(ctx, false))
	require.Equal(t, 5, fake.listCount())
	require.Equal(t, 4, coordinator.Status().FailureCount)
}

func TestDiscoveryFallsBackToCachedPupils(t *testing.T) {
	fake, coordinator, _, ctx := setupCoordinator(t, "fallback@example.com")

	require.NoError(t, coordinator.RefreshNow(ctx))

	fake.failDiscovery(&infomentor.AuthError{Reason: "pupil list unavailable"})
	require.NoError(t, coordinator.RefreshNow(ctx))

	// cached roster carried the cycle to a complete refresh
	status := coordinator.Status()
	require.Zero(t, status.FailureCount)
	require.Equal(t, []PupilView{
		{Id: "101", Name: "Anna Svensson", Status: StatusFresh},
		{Id: "102", Name: "Bo Svensson", Status: StatusFresh},
	}, status.Pupils)
	require.Equal(t, 2, fake.listCount())
}

func TestEscalatesWithoutAnyPupilKnowledge(t *testing.T) {
	fake, coordinator, _, ctx := setupCoordinator(t, "escalate@example.com")
	fake.failDiscovery(infomentor.ErrNoPupils)

	err := coordinator.RefreshNow(ctx)
	require.Error(t, err)
	require.True(t, infomentor.IsAuthError(err))

	status := coordinator.Status()
	require.Equal(t, 1, status.FailureCount)
	require.False(t, status.LastRefreshSucceeded)
	require.Empty(t, status.Pupils)
}

func TestBootstrapFromSnapshot(t *testing.T) {
	store, ctx := setupStore(t)

	err := store.Save(ctx, SaveParams{
		Data:          map[string]infomentor.PupilData{"101": somePupilData("Gammal nyhet")},
		Names:         map[string]string{"101": "Anna Svensson"},
		At:            timezone.Now().Add(-time.Hour * 2),
		AuthSucceeded: true,
		WasComplete:   true,
	})
	require.NoError(t, err)
	err = store.SavePupils(ctx, []infomentor.Pupil{{Id: "101", Name: "Anna Svensson"}})
	require.NoError(t, err)

	verified := make(chan struct{}, 1)
	fake := newFakeFetcher()
	coordinator := NewCoordinator(CoordinatorOptions{
		Account: "bootstrap@example.com",
		Fetcher: fake,
		Store:   store,
		VerifyLogin: func(ctx context.Context) error {
			verified <- struct{}{}
			return nil
		},
	})

	require.NoError(t, coordinator.RefreshNow(ctx))

	// served entirely from the snapshot, the portal was never touched
	require.Equal(t, 0, fake.listCount())
	status := coordinator.Status()
	require.True(t, status.UsingCachedData)
	require.Equal(t, []PupilView{
		{Id: "101", Name: "Anna Svensson", Status: StatusCached},
	}, status.Pupils)
	require.Equal(t, "Gammal nyhet", coordinator.Data()["101"].News[0].Title)

	select {
	case <-verified:
	case <-time.After(time.Second * 2):
		t.Fatal("background verification never ran")
	}

	// the next cycle goes live and replaces the cached data
	require.NoError(t, coordinator.RefreshNow(ctx))
	require.Equal(t, 1, fake.listCount())
	require.Equal(t, StatusFresh, coordinator.Status().Pupils[0].Status)
	require.Equal(t, "Utflykt på fredag", coordinator.Data()["101"].News[0].Title)
}

func TestBootstrapSkipsOldSnapshot(t *testing.T) {
	store, ctx := setupStore(t)

	err := store.Save(ctx, SaveParams{
		Data:          map[string]infomentor.PupilData{"101": somePupilData("Urgammal nyhet")},
		Names:         map[string]string{"101": "Anna Svensson"},
		At:            timezone.Now().Add(-snapshotBootstrapMaxAge - time.Hour),
		AuthSucceeded: true,
		WasComplete:   true,
	})
	require.NoError(t, err)

	fake := newFakeFetcher()
	coordinator := NewCoordinator(CoordinatorOptions{
		Account: "stale-bootstrap@example.com",
		Fetcher: fake,
		Store:   store,
	})

	require.NoError(t, coordinator.RefreshNow(ctx))
	require.Equal(t, 1, fake.listCount())
	require.Equal(t, StatusFresh, coordinator.Status().Pupils[0].Status)
}

func TestForceRefreshClearsCache(t *testing.T) {
	fake, coordinator, store, ctx := setupCoordinator(t, "clear@example.com")

	require.NoError(t, coordinator.RefreshNow(ctx))
	state, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Data, 2)

	// pupil 102 left the roster; a cleared refresh must not resurrect
	// its old snapshot
	fake.setPupils([]infomentor.Pupil{{Id: "101", Name: "Anna Svensson", SwitchHandle: "501"}})
	require.NoError(t, coordinator.ForceRefresh(ctx, true))

	state, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Data, 1)
	require.Contains(t, state.Data, "101")

	status := coordinator.Status()
	require.Equal(t, []PupilView{
		{Id: "101", Name: "Anna Svensson", Status: StatusFresh},
	}, status.Pupils)
}

func TestRefreshPupilLeavesCompletenessAlone(t *testing.T) {
	fake, coordinator, store, ctx := setupCoordinator(t, "single@example.com")

	require.NoError(t, coordinator.RefreshNow(ctx))
	complete := coordinator.Status().LastCompleteRefreshAt

	fake.setData("101", somePupilData("Ny utflykt"))
	require.NoError(t, coordinator.RefreshPupil(ctx, "101"))

	require.Equal(t, "Ny utflykt", coordinator.Data()["101"].News[0].Title)
	require.Equal(t, complete, coordinator.Status().LastCompleteRefreshAt)

	state, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "Ny utflykt", state.Data["101"].News[0].Title)
	require.Equal(t, complete.Unix(), state.LastCompleteRefreshAt.Unix())

	require.Error(t, coordinator.RefreshPupil(ctx, "999"))
}

func TestSetAuthFailureState(t *testing.T) {
	_, coordinator, _, _ := setupCoordinator(t, "authstate@example.com")

	coordinator.SetAuthFailureState(false)
	coordinator.SetAuthFailureState(false)
	coordinator.SetAuthFailureState(false)
	require.Equal(t, 3, coordinator.Status().FailureCount)

	coordinator.SetAuthFailureState(true)
	status := coordinator.Status()
	require.Zero(t, status.FailureCount)
	require.False(t, status.NextRefreshAt.After(timezone.Now()))
}

func TestTickRespectsSchedule(t *testing.T) {
	fake, coordinator, _, ctx := setupCoordinator(t, "tick@example.com")

	require.NoError(t, coordinator.RefreshNow(ctx))
	require.Equal(t, 1, fake.listCount())

	coordinator.Tick(ctx, timezone.Now().Add(time.Hour))
	require.Equal(t, 1, fake.listCount())

	coordinator.Tick(ctx, timezone.Now().Add(standardInterval+time.Hour))
	require.Equal(t, 2, fake.listCount())
}

func TestConcurrentRefreshRejected(t *testing.T) {
	fake, coordinator, _, ctx := setupCoordinator(t, "concurrent@example.com")
	fake.setPupils([]infomentor.Pupil{{Id: "101", Name: "Anna Svensson", SwitchHandle: "501"}})
	fake.block = make(chan struct{})
	fake.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- coordinator.RefreshNow(ctx)
	}()
	<-fake.entered

	err := coordinator.RefreshNow(ctx)
	require.ErrorIs(t, err, ErrRefreshRunning)

	// readers are never blocked by a running cycle
	require.Empty(t, coordinator.Status().Pupils)

	close(fake.block)
	require.NoError(t, <-done)
	require.Equal(t, StatusFresh, coordinator.Status().Pupils[0].Status)
}
