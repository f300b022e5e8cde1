package pupilwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pupilwatch-backend/lib/scrapers/infomentor"
	"pupilwatch-backend/lib/timezone"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pupilwatch.services.pupilwatch")

// ErrRefreshRunning is returned when a host operation would overlap the
// account's in-flight refresh cycle.
var ErrRefreshRunning = errors.New("a refresh cycle is already running for this account")

// FetchClient is the slice of the portal fetcher the coordinator needs.
type FetchClient interface {
	ListPupils(ctx context.Context) ([]infomentor.Pupil, error)
	FetchPupilData(ctx context.Context, pupil infomentor.Pupil) (infomentor.PupilData, error)
}

type CoordinatorOptions struct {
	Account string
	Fetcher FetchClient
	Store   SnapshotStore
	// optional, nil disables operator notifications
	Notifier *Notifier
	// optional login probe used by background verification after a
	// cached bootstrap. It must use a throwaway client so the serving
	// session is never touched.
	VerifyLogin func(ctx context.Context) error
}

// rate limit for background verification probes, shared process-wide so
// a coordinator rebuild cannot bypass it
var backgroundVerifyGuard = expirable.NewLRU[string, time.Time](64, nil, backgroundVerifyInterval)

// Coordinator owns the recurring refresh cycle for one account. It is
// the single mutator of the account's synchronization state; concurrent
// cycles are rejected rather than serialized.
type Coordinator struct {
	account     string
	fetcher     FetchClient
	store       SnapshotStore
	notifier    *Notifier
	verifyLogin func(ctx context.Context) error

	mu      sync.Mutex
	running bool

	bootstrapped bool
	pupils       []infomentor.Pupil
	names        map[string]string
	data         map[string]infomentor.PupilData
	statuses     map[string]PupilStatus

	failureCount          int
	lastFailureAt         time.Time
	lastCompleteRefreshAt time.Time
	lastCycleComplete     bool
	lastRefreshSucceeded  bool
	usingCachedData       bool
	staleLogged           bool

	retryDay        time.Time
	dailyRetryCount int

	nextRefreshAt time.Time
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	return &Coordinator{
		account:     opts.Account,
		fetcher:     opts.Fetcher,
		store:       opts.Store,
		notifier:    opts.Notifier,
		verifyLogin: opts.VerifyLogin,
		names:       map[string]string{},
		data:        map[string]infomentor.PupilData{},
		statuses:    map[string]PupilStatus{},
	}
}

// PupilView is one row of the coordinator's observable state.
type PupilView struct {
	Id     string
	Name   string
	Status PupilStatus
}

type Status struct {
	Account               string
	LastRefreshSucceeded  bool
	UsingCachedData       bool
	LastCompleteRefreshAt time.Time
	FailureCount          int
	NextRefreshAt         time.Time
	Pupils                []PupilView
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Account:               c.account,
		LastRefreshSucceeded:  c.lastRefreshSucceeded,
		UsingCachedData:       c.usingCachedData,
		LastCompleteRefreshAt: c.lastCompleteRefreshAt,
		FailureCount:          c.failureCount,
		NextRefreshAt:         c.nextRefreshAt,
	}
	for _, pupil := range c.pupils {
		status.Pupils = append(status.Pupils, PupilView{
			Id:     pupil.Id,
			Name:   c.names[pupil.Id],
			Status: c.statuses[pupil.Id],
		})
	}
	return status
}

// Data returns a copy of the most recently committed per-pupil data.
// Cycles replace values wholesale, so the shared slice backing is never
// mutated underneath the caller.
func (c *Coordinator) Data() map[string]infomentor.PupilData {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]infomentor.PupilData, len(c.data))
	for id, d := range c.data {
		out[id] = d
	}
	return out
}

// Tick is the host scheduler's entry point. It runs a cycle when one is
// due and silently does nothing otherwise.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) {
	c.mu.Lock()
	due := !now.Before(c.nextRefreshAt)
	running := c.running
	c.mu.Unlock()
	if running || !due {
		return
	}

	err := c.RefreshNow(ctx)
	if errors.Is(err, ErrRefreshRunning) {
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "scheduled refresh failed", "account", c.account, "err", err)
	}
}

// RefreshNow runs one full cycle immediately.
func (c *Coordinator) RefreshNow(ctx context.Context) error {
	return c.runCycle(ctx, false)
}

// ForceRefresh runs a cycle that ignores the snapshot bootstrap and the
// backoff window. clearCache additionally drops the durable snapshot
// and the in-memory data first.
func (c *Coordinator) ForceRefresh(ctx context.Context, clearCache bool) error {
	if clearCache {
		if err := c.store.Clear(ctx); err != nil {
			slog.WarnContext(ctx, "failed to clear durable snapshot", "account", c.account, "err", err)
		}
		c.mu.Lock()
		c.data = map[string]infomentor.PupilData{}
		c.statuses = map[string]PupilStatus{}
		c.usingCachedData = false
		c.mu.Unlock()
	}
	return c.runCycle(ctx, true)
}

// SetAuthFailureState lets the host clear the failure counters after
// the operator fixed the credentials, or record a failure it learned
// about out of band.
func (c *Coordinator) SetAuthFailureState(cleared bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cleared {
		c.failureCount = 0
		c.lastFailureAt = time.Time{}
		// pull the next cycle forward so fixed credentials take
		// effect without waiting out the old interval
		c.nextRefreshAt = timezone.Now()
		return
	}
	c.failureCount++
	c.lastFailureAt = timezone.Now()
}

// RefreshPupil refreshes a single pupil's data in place. It never
// advances the completeness timestamp; only a full cycle can do that.
func (c *Coordinator) RefreshPupil(ctx context.Context, pupilId string) error {
	ctx, span := tracer.Start(ctx, "RefreshPupil", trace.WithAttributes(
		attribute.String("account", c.account),
		attribute.String("pupil", pupilId),
	))
	defer span.End()

	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	c.mu.Lock()
	var target *infomentor.Pupil
	for _, pupil := range c.pupils {
		if pupil.Id == pupilId {
			p := pupil
			target = &p
			break
		}
	}
	c.mu.Unlock()
	if target == nil {
		return fmt.Errorf("unknown pupil %q", pupilId)
	}

	data, err := c.fetcher.FetchPupilData(ctx, *target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pupil refresh failed")
		return err
	}
	if !data.IsPlausible() {
		return fmt.Errorf("pupil %q returned implausibly empty data", pupilId)
	}

	now := timezone.Now()
	c.mu.Lock()
	c.data[pupilId] = data
	c.statuses[pupilId] = StatusFresh
	c.mu.Unlock()

	c.persist(ctx, now, true, false)
	return nil
}

func (c *Coordinator) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRefreshRunning
	}
	c.running = true
	return nil
}

func (c *Coordinator) end() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Coordinator) runCycle(ctx context.Context, force bool) error {
	ctx, span := tracer.Start(ctx, "RefreshCycle", trace.WithAttributes(
		attribute.String("account", c.account),
		attribute.Bool("force", force),
	))
	defer span.End()

	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	now := timezone.Now()

	if !force && c.tryBootstrap(ctx, now) {
		span.AddEvent("served from durable snapshot")
		return nil
	}

	if !force {
		c.mu.Lock()
		remaining, backing := backoffRemaining(now, c.failureCount, c.lastFailureAt)
		hasData := len(c.data) > 0
		c.mu.Unlock()
		if backing && hasData {
			slog.InfoContext(ctx, "inside auth-failure backoff window, serving existing data",
				"account", c.account, "remaining", remaining)
			span.AddEvent("backoff window, live fetch skipped")
			c.commitInterval(ctx, span, now)
			return nil
		}
	}

	pupils, discoveryErr := c.resolvePupils(ctx)
	if len(pupils) == 0 {
		return c.failCycle(ctx, span, now, discoveryErr)
	}
	if discoveryErr != nil {
		slog.WarnContext(ctx, "live pupil discovery failed, using cached pupils",
			"account", c.account, "err", discoveryErr)
	}

	// working copies, committed wholesale at the end so readers never
	// observe a half-updated cycle
	c.mu.Lock()
	workData := make(map[string]infomentor.PupilData, len(c.data))
	for id, d := range c.data {
		workData[id] = d
	}
	workNames := make(map[string]string, len(c.names))
	for id, name := range c.names {
		workNames[id] = name
	}
	c.mu.Unlock()

	workStatuses := map[string]PupilStatus{}
	cycleAuthFailed := discoveryErr != nil && infomentor.IsAuthError(discoveryErr)

	var pupilIds []string
	for _, pupil := range pupils {
		pupilIds = append(pupilIds, pupil.Id)
		if pupil.Name != "" {
			workNames[pupil.Id] = pupil.Name
		}

		data, err := c.fetcher.FetchPupilData(ctx, pupil)
		switch {
		case err == nil && data.IsPlausible():
			workData[pupil.Id] = data
			workStatuses[pupil.Id] = StatusFresh
		default:
			if err != nil {
				if infomentor.IsAuthError(err) {
					cycleAuthFailed = true
				}
				slog.WarnContext(ctx, "pupil fetch failed", "account", c.account, "pupil", pupil.Id, "err", err)
			} else {
				slog.WarnContext(ctx, "pupil fetch returned implausibly empty data",
					"account", c.account, "pupil", pupil.Id)
			}
			if _, exists := workData[pupil.Id]; exists {
				workStatuses[pupil.Id] = StatusCached
			} else {
				workStatuses[pupil.Id] = StatusMissing
			}
		}
	}

	complete, missing, cached := evaluateCompleteness(pupilIds, workStatuses)
	anyFresh := len(missing)+len(cached) < len(pupilIds)

	c.mu.Lock()
	c.pupils = pupils
	c.data = workData
	c.names = workNames
	c.statuses = workStatuses
	c.lastCycleComplete = complete
	c.lastRefreshSucceeded = complete || anyFresh
	c.usingCachedData = !complete && len(workData) > 0
	if complete {
		c.lastCompleteRefreshAt = now
		c.failureCount = 0
		c.lastFailureAt = time.Time{}
	} else if cycleAuthFailed {
		c.failureCount++
		c.lastFailureAt = now
	}
	c.bumpDailyRetriesLocked(now, complete)
	c.mu.Unlock()

	if !complete {
		slog.InfoContext(ctx, "refresh cycle incomplete",
			"account", c.account, "missing", missing, "cached", cached)
	} else {
		slog.InfoContext(ctx, "refresh cycle complete", "account", c.account, "pupils", len(pupilIds))
	}
	span.SetAttributes(
		attribute.Bool("complete", complete),
		attribute.Int("missing", len(missing)),
		attribute.Int("cached", len(cached)),
	)

	c.persist(ctx, now, !cycleAuthFailed, complete)
	c.commitInterval(ctx, span, now)
	return nil
}

// tryBootstrap serves the durable snapshot instead of a live fetch on
// the first-ever cycle, when the snapshot is fresh enough. A background
// verification probe replaces the live fetch.
func (c *Coordinator) tryBootstrap(ctx context.Context, now time.Time) bool {
	c.mu.Lock()
	eligible := !c.bootstrapped && len(c.data) == 0
	c.bootstrapped = true
	c.mu.Unlock()
	if !eligible {
		return false
	}

	recent, err := c.store.HasRecentData(ctx, snapshotBootstrapMaxAge)
	if err != nil {
		slog.WarnContext(ctx, "failed to check durable snapshot age, proceeding with live fetch",
			"account", c.account, "err", err)
		return false
	}
	if !recent {
		return false
	}

	state, err := c.store.Load(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to load durable snapshot, proceeding with live fetch",
			"account", c.account, "err", err)
		return false
	}
	if len(state.Data) == 0 {
		return false
	}

	cachedPupils, err := c.store.LoadPupils(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to load cached pupils during bootstrap",
			"account", c.account, "err", err)
	}

	c.mu.Lock()
	c.data = state.Data
	c.names = state.Names
	c.pupils = cachedPupils
	c.statuses = map[string]PupilStatus{}
	for id := range state.Data {
		c.statuses[id] = StatusCached
	}
	c.lastCompleteRefreshAt = state.LastCompleteRefreshAt
	c.lastRefreshSucceeded = true
	c.usingCachedData = true
	c.mu.Unlock()

	slog.InfoContext(ctx, "bootstrapped from durable snapshot",
		"account", c.account, "pupils", len(state.Data), "age", now.Sub(state.LastRefreshAt))

	c.scheduleBackgroundVerification(ctx)

	span := trace.SpanFromContext(ctx)
	c.commitInterval(ctx, span, now)
	return true
}

// resolvePupils runs live discovery with a durable-cache fallback. The
// returned error is the discovery failure and may coexist with a
// non-empty cached result.
func (c *Coordinator) resolvePupils(ctx context.Context) ([]infomentor.Pupil, error) {
	pupils, err := c.fetcher.ListPupils(ctx)
	if err == nil {
		if serr := c.store.SavePupils(ctx, pupils); serr != nil {
			slog.WarnContext(ctx, "failed to cache discovered pupils", "account", c.account, "err", serr)
		}
		return pupils, nil
	}

	cached, cerr := c.store.LoadPupils(ctx)
	if cerr != nil {
		slog.WarnContext(ctx, "failed to load cached pupils", "account", c.account, "err", cerr)
		return nil, err
	}
	return cached, err
}

// failCycle handles the hard path: discovery failed and there is no
// pupil knowledge at all. With any existing data the cycle degrades to
// serving it; with none the error escalates to the host.
func (c *Coordinator) failCycle(ctx context.Context, span trace.Span, now time.Time, cause error) error {
	if cause == nil {
		cause = infomentor.ErrNoPupils
	}
	authFailure := infomentor.IsAuthError(cause) || errors.Is(cause, infomentor.ErrNoPupils)

	c.mu.Lock()
	if authFailure {
		c.failureCount++
		c.lastFailureAt = now
	}
	c.lastCycleComplete = false
	c.lastRefreshSucceeded = false
	hasData := len(c.data) > 0
	c.usingCachedData = hasData
	c.bumpDailyRetriesLocked(now, false)
	c.mu.Unlock()

	c.persist(ctx, now, !authFailure, false)
	c.commitInterval(ctx, span, now)

	if hasData {
		slog.WarnContext(ctx, "refresh cycle failed, serving existing data",
			"account", c.account, "err", cause)
		return nil
	}

	span.RecordError(cause)
	span.SetStatus(codes.Error, "refresh failed with no fallback data")
	if errors.Is(cause, infomentor.ErrNoPupils) {
		cause = &infomentor.AuthError{
			Reason: "no pupils discovered and no cached pupils exist",
			Err:    cause,
		}
	}
	if infomentor.IsAuthError(cause) {
		c.notifier.NotifyAuthFailure(ctx, c.account, cause)
	}
	return cause
}

// persist writes the cycle result unconditionally; a failing store
// never fails the cycle.
func (c *Coordinator) persist(ctx context.Context, at time.Time, authSucceeded, wasComplete bool) {
	c.mu.Lock()
	params := SaveParams{
		Data:          c.data,
		Names:         c.names,
		At:            at,
		AuthSucceeded: authSucceeded,
		WasComplete:   wasComplete,
	}
	c.mu.Unlock()

	if err := c.store.Save(ctx, params); err != nil {
		slog.WarnContext(ctx, "failed to persist snapshot", "account", c.account, "err", err)
	}
}

// commitInterval recomputes and stores the next refresh time. The stale
// state transition is logged once until it clears.
func (c *Coordinator) commitInterval(ctx context.Context, span trace.Span, now time.Time) {
	c.mu.Lock()
	kind, interval := decideInterval(intervalInputs{
		Now:                   now,
		LastCompleteRefreshAt: c.lastCompleteRefreshAt,
		LastCycleComplete:     c.lastCycleComplete,
		FailureCount:          c.failureCount,
		LastFailureAt:         c.lastFailureAt,
		DailyRetryCount:       c.dailyRetryCount,
	})
	if kind == IntervalStaleHourly {
		interval = addStaleJitter(interval)
		if !c.staleLogged {
			c.staleLogged = true
			slog.WarnContext(ctx, "no complete refresh within the stale threshold, switching to jittered hourly retries",
				"account", c.account, "last_complete", c.lastCompleteRefreshAt)
		}
	} else {
		c.staleLogged = false
	}
	c.nextRefreshAt = now.Add(interval)
	c.mu.Unlock()

	slog.DebugContext(ctx, "next refresh decided",
		"account", c.account, "kind", kind.String(), "interval", interval)
	if span != nil {
		span.SetAttributes(
			attribute.String("interval.kind", kind.String()),
			attribute.String("interval.duration", interval.String()),
		)
	}
}

func (c *Coordinator) bumpDailyRetriesLocked(now time.Time, complete bool) {
	if !timezone.SameDay(now, c.retryDay) {
		c.retryDay = now
		c.dailyRetryCount = 0
	}
	if !complete {
		c.dailyRetryCount++
	}
}

// scheduleBackgroundVerification fires a non-blocking login probe, at
// most once per verification interval across the whole process. A probe
// failure is logged and never demotes already-served data.
func (c *Coordinator) scheduleBackgroundVerification(ctx context.Context) {
	if c.verifyLogin == nil {
		return
	}
	if _, recent := backgroundVerifyGuard.Get(c.account); recent {
		return
	}
	backgroundVerifyGuard.Add(c.account, timezone.Now())

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		ctx, span := tracer.Start(ctx, "BackgroundVerification", trace.WithAttributes(
			attribute.String("account", c.account),
		))
		defer span.End()

		if err := c.verifyLogin(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "verification probe failed")
			slog.WarnContext(ctx, "background login verification failed",
				"account", c.account, "err", err)
			return
		}
		slog.DebugContext(ctx, "background login verification succeeded", "account", c.account)
	}()
}
