package infomentor

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"pupilwatch-backend/lib/scrapers/infomentor/reader"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// courtesy throttle before every portal call, the site is slow and
// shared with actual parents
const courtesyDelay = time.Millisecond * 400

const switchPupilPath = "/Account/PupilSwitcher/SwitchPupil/"
const legacySwitchPath = "/swedish/production/mentor/SwitchPupilAjax.aspx?pupilId="

type RawResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// ResourceSpec describes one portal endpoint. Scoped resources require
// a pupil switch before the call.
type ResourceSpec struct {
	Name      string
	Method    string
	Path      string
	Legacy    bool
	Body      any
	WantsJson bool
	Scoped    bool
}

// Fetcher executes authenticated portal requests. It holds a capability
// reference to the negotiator for precondition logins and the single
// transparent reauth+retry on an expiry signature; the negotiator never
// calls back into it.
type Fetcher struct {
	client     *Client
	negotiator *Negotiator
	throttle   time.Duration
	// pupil currently addressed by the session, reset on every reauth
	switched string
}

func NewFetcher(client *Client, negotiator *Negotiator) *Fetcher {
	return &Fetcher{
		client:     client,
		negotiator: negotiator,
		throttle:   courtesyDelay,
	}
}

// SetThrottle overrides the courtesy delay between calls.
func (f *Fetcher) SetThrottle(d time.Duration) {
	f.throttle = d
}

func (f *Fetcher) Request(ctx context.Context, pupil Pupil, spec ResourceSpec) (*RawResponse, error) {
	ctx, span := tracer.Start(ctx, "Request", trace.WithAttributes(
		attribute.String("resource", spec.Name),
		attribute.String("pupil", pupil.Id),
	))
	defer span.End()

	if f.negotiator.IsLikelyExpired() {
		slog.DebugContext(ctx, "session missing or likely expired, logging in first", "resource", spec.Name)
		if _, err := f.negotiator.Reauthenticate(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "precondition login failed")
			return nil, err
		}
		f.switched = ""
	}

	if spec.Scoped && f.switched != pupil.Id {
		if err := f.switchPupil(ctx, pupil); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pupil switch failed")
			return nil, err
		}
		f.switched = pupil.Id
	}

	res, err := f.execute(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}

	if isExpiredResponse(res, spec) {
		// exactly one transparent reauth + retry, a second expiry
		// signature is a hard failure
		slog.WarnContext(ctx, "session expiry signature detected, reauthenticating", "resource", spec.Name)
		span.AddEvent("session expiry detected")

		if _, err := f.negotiator.Reauthenticate(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reauthentication failed")
			return nil, err
		}
		f.switched = ""
		if spec.Scoped {
			if err := f.switchPupil(ctx, pupil); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "pupil switch failed after reauth")
				return nil, err
			}
			f.switched = pupil.Id
		}

		res, err = f.execute(ctx, spec)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retry failed")
			return nil, err
		}
		if isExpiredResponse(res, spec) {
			expiredErr := &AuthError{Reason: "session expired again immediately after reauthentication"}
			span.RecordError(expiredErr)
			span.SetStatus(codes.Error, "expiry retry exhausted")
			return nil, expiredErr
		}
	}

	if res.StatusCode() >= 400 {
		apiErr := &APIError{Endpoint: spec.Name, Status: res.StatusCode()}
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, "unexpected status")
		return nil, apiErr
	}

	return &RawResponse{
		Status:      res.StatusCode(),
		ContentType: res.Header().Get("content-type"),
		Body:        res.Body(),
	}, nil
}

func isExpiredResponse(res *resty.Response, spec ResourceSpec) bool {
	if res.StatusCode() == http.StatusUnauthorized {
		return true
	}
	return reader.SessionExpired(res.Body(), res.Header().Get("content-type"), spec.WantsJson)
}

func (f *Fetcher) execute(ctx context.Context, spec ResourceSpec) (*resty.Response, error) {
	f.courtesy(ctx)

	req := f.client.Http.R().SetContext(ctx)
	if spec.WantsJson {
		req.SetHeader("accept", "application/json, text/plain, */*")
		req.SetHeader("x-requested-with", "XMLHttpRequest")
	}
	if spec.Body != nil {
		req.SetBody(spec.Body)
	}

	fullUrl := f.client.hubUrl(spec.Path)
	if spec.Legacy {
		fullUrl = f.client.legacyUrl(spec.Path)
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var res *resty.Response
	var err error
	if method == http.MethodPost {
		res, err = req.Post(fullUrl)
	} else {
		res, err = req.Get(fullUrl)
	}
	if err != nil {
		return nil, &ConnectionError{Op: method + " " + spec.Name, Err: err}
	}
	return res, nil
}

// switchPupil addresses the session at one pupil. The primary hub
// endpoint is tried first; on any failure, cancellation included, the
// legacy endpoint gets one shot before the error propagates.
func (f *Fetcher) switchPupil(ctx context.Context, pupil Pupil) error {
	ctx, span := tracer.Start(ctx, "SwitchPupil", trace.WithAttributes(
		attribute.String("pupil", pupil.Id),
	))
	defer span.End()

	handle := pupil.SwitchHandle
	if handle == "" {
		handle = pupil.Id
	}

	f.courtesy(ctx)
	res, err := f.client.Http.R().
		SetContext(ctx).
		Get(f.client.hubUrl(switchPupilPath + handle))
	if err == nil && res.StatusCode() < 400 &&
		!reader.SessionExpired(res.Body(), res.Header().Get("content-type"), false) {
		return nil
	}
	if err != nil {
		slog.WarnContext(ctx, "primary pupil switch failed, trying legacy endpoint", "pupil", pupil.Id, "err", err)
	} else {
		slog.WarnContext(ctx, "primary pupil switch failed, trying legacy endpoint", "pupil", pupil.Id, "status", res.StatusCode())
	}

	fallbackCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		fallbackCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()
	}
	legacyRes, legacyErr := f.client.Http.R().
		SetContext(fallbackCtx).
		Get(f.client.legacyUrl(legacySwitchPath + handle))
	if legacyErr == nil && legacyRes.StatusCode() < 400 {
		span.AddEvent("legacy switch succeeded")
		return nil
	}

	span.SetStatus(codes.Error, "both switch endpoints failed")
	if legacyErr != nil {
		return &ConnectionError{Op: "switch pupil " + pupil.Id, Err: legacyErr}
	}
	return &APIError{Endpoint: "pupil switch", Status: legacyRes.StatusCode()}
}

func (f *Fetcher) courtesy(ctx context.Context) {
	if f.throttle <= 0 {
		return
	}
	timer := time.NewTimer(f.throttle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
