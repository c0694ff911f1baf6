package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaign-runner/internal/aggregator"
	"campaign-runner/internal/audit"
	"campaign-runner/internal/calls"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/metrics"
	"campaign-runner/internal/orgs"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"
	"campaign-runner/internal/telephony"
	"campaign-runner/pkg/utils"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Store interface {
	GetRun(ctx context.Context, id string) (runs.Run, error)
	GetOrganization(ctx context.Context, id string) (orgs.Organization, error)
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	ClaimNextRow(ctx context.Context, runID string) (rows.Row, error)
	AttachCall(ctx context.Context, rowID string, c calls.Call) error
}

type Transitioner interface {
	ApplyTransition(ctx context.Context, t aggregator.Transition) (rows.Row, runs.Run, error)
}

// RunFailer is satisfied by the run state machine.
type RunFailer interface {
	Fail(ctx context.Context, actor audit.Actor, runID, reason string) (runs.Run, error)
}

type Auditor interface {
	LogDispatchFailure(ctx context.Context, orgID, runID, rowID, reason string, runFatal bool) error
}

type Config struct {
	// RatePerSecond paces PlaceCall requests across all runs of the process.
	RatePerSecond float64
	Burst         int

	ProviderTimeout time.Duration
	StoreTimeout    time.Duration

	// MaxClaimsPerPass bounds one pass; zero means until drained or at capacity.
	MaxClaimsPerPass int

	// GuardTTL bounds how long a crashed pass can block its run.
	GuardTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 15 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.GuardTTL <= 0 {
		c.GuardTTL = 2 * time.Minute
	}
	return c
}

// Stop says why a pass ended.
type Stop string

const (
	StopDrained      Stop = "drained"
	StopAtCapacity   Stop = "at_capacity"
	StopNotRunning   Stop = "not_running"
	StopOutsideHours Stop = "outside_hours"
	StopBusy         Stop = "busy"
	StopRunFailed    Stop = "run_failed"
	StopLimit        Stop = "pass_limit"
)

type PassResult struct {
	RunID   string
	Placed  int
	Failed  int
	Stopped Stop
}

// Dispatcher claims pending rows in sort order and asks the provider to call
// them. A claim is one store transaction; no lock is held while the provider
// is called.
type Dispatcher struct {
	store    Store
	agg      Transitioner
	runs     RunFailer
	audit    Auditor
	provider telephony.Provider
	rdb      *redis.Client
	limiter  *rate.Limiter
	log      *slog.Logger
	clock    func() time.Time
	cfg      Config
}

// New builds a Dispatcher. rdb may be nil, in which case passes over the same
// run are not deduplicated across processes; claims stay correct either way.
func New(st Store, agg Transitioner, rf RunFailer, au Auditor, provider telephony.Provider, rdb *redis.Client, log *slog.Logger, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		agg:      agg,
		runs:     rf,
		audit:    au,
		provider: provider,
		rdb:      rdb,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:      log,
		clock:    time.Now,
		cfg:      cfg,
	}
}

// SetClock replaces the time source. Tests only.
func (d *Dispatcher) SetClock(clock func() time.Time) { d.clock = clock }

func guardKey(runID string) string { return "campaign-runner:dispatch:" + runID }

// DispatchRun runs one pass over runID: it claims and places calls until the
// run drains, the organization reaches its limit, the run stops running, or
// ctx is done.
func (d *Dispatcher) DispatchRun(ctx context.Context, runID string) (PassResult, error) {
	res := PassResult{RunID: runID}
	log := d.log.With("run_id", runID)

	if d.rdb != nil {
		lease, err := utils.AcquireLease(ctx, d.rdb, guardKey(runID), d.cfg.GuardTTL)
		switch {
		case errors.Is(err, utils.ErrLeaseHeld):
			res.Stopped = StopBusy
			return res, nil
		case err != nil:
			// claims stay atomic in the store without the guard
			log.Warn("dispatch guard unavailable", "error", err)
		default:
			defer func() {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
				defer cancel()
				if err := lease.Release(rctx); err != nil {
					log.Warn("release dispatch guard", "error", err)
				}
			}()
		}
	}

	run, err := d.getRun(ctx, runID)
	if err != nil {
		return res, err
	}
	if run.Status != runs.StatusRunning {
		res.Stopped = StopNotRunning
		metrics.Claim("not_running")
		return res, nil
	}
	org, err := d.store.GetOrganization(ctx, run.OrganizationID)
	if err != nil {
		return res, fmt.Errorf("get organization: %w", err)
	}
	if !org.WithinOfficeHours(d.clock()) {
		res.Stopped = StopOutsideHours
		return res, nil
	}
	campaign, err := d.store.GetCampaign(ctx, run.CampaignID)
	if err != nil {
		return res, fmt.Errorf("get campaign: %w", err)
	}
	if org.Phone == "" {
		reason := "organization has no outbound phone number"
		if _, err := d.runs.Fail(d.detached(ctx), audit.System, runID, reason); err != nil {
			return res, fmt.Errorf("fail run: %w", err)
		}
		res.Stopped = StopRunFailed
		return res, nil
	}

	for claims := 0; ; claims++ {
		if d.cfg.MaxClaimsPerPass > 0 && claims >= d.cfg.MaxClaimsPerPass {
			res.Stopped = StopLimit
			return res, nil
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return res, err
		}

		// the claim re-checks status inside its transaction; this read keeps a
		// paused run from even waiting on the organization lock
		cur, err := d.getRun(ctx, runID)
		if err != nil {
			return res, err
		}
		if cur.Status != runs.StatusRunning {
			res.Stopped = StopNotRunning
			metrics.Claim("not_running")
			return res, nil
		}
		run = cur

		row, err := d.claim(ctx, runID)
		switch {
		case errors.Is(err, store.ErrNoPendingRows):
			metrics.Claim("drained")
			res.Stopped = StopDrained
			return res, nil
		case errors.Is(err, store.ErrAtCapacity):
			metrics.Claim("at_capacity")
			res.Stopped = StopAtCapacity
			return res, nil
		case errors.Is(err, store.ErrConflict):
			metrics.Claim("not_running")
			res.Stopped = StopNotRunning
			return res, nil
		case err != nil:
			metrics.Claim("error")
			if transientStoreError(ctx, err) {
				return res, fmt.Errorf("claim row: %w", err)
			}
			log.Error("claim failed, failing run", "error", err)
			if _, ferr := d.runs.Fail(d.detached(ctx), audit.System, runID, "store: "+err.Error()); ferr != nil {
				return res, fmt.Errorf("fail run after claim error %v: %w", err, ferr)
			}
			res.Stopped = StopRunFailed
			return res, nil
		}
		metrics.Claim("claimed")

		placed, fatal := d.place(ctx, run, org, campaign, row)
		if placed {
			res.Placed++
		} else {
			res.Failed++
		}
		if fatal {
			res.Stopped = StopRunFailed
			return res, nil
		}
	}
}

// place calls the provider for a claimed row. It reports whether the call was
// placed and whether the failure was fatal to the run.
func (d *Dispatcher) place(ctx context.Context, run runs.Run, org orgs.Organization, campaign campaigns.Campaign, row rows.Row) (bool, bool) {
	log := d.log.With("run_id", run.ID, "row_id", row.ID)
	// placement and its bookkeeping finish even if the pass is cancelled
	ctx = context.WithoutCancel(ctx)

	to := row.Phone()
	if to == "" {
		d.failRow(ctx, run, row, "missing phone number", false)
		return false, false
	}

	vars := row.Variables.StringMap()
	if run.CustomPrompt != "" {
		vars["custom_prompt"] = run.CustomPrompt
	}
	req := telephony.PlaceCallRequest{
		From:      org.Phone,
		To:        to,
		AgentID:   campaign.AgentID,
		Variables: vars,
		Metadata: map[string]string{
			telephony.MetadataRowID: row.ID,
			telephony.MetadataRunID: run.ID,
		},
	}

	pctx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	start := time.Now()
	out, err := d.provider.PlaceCall(pctx, req)
	cancel()
	if err != nil {
		fatal := telephony.RunFatal(err)
		metrics.Placement(placementResult(err), time.Since(start))
		log.Warn("place call failed", "error", err, "run_fatal", fatal)
		d.failRow(ctx, run, row, err.Error(), fatal)
		if fatal {
			if _, ferr := d.runs.Fail(d.detached(ctx), audit.System, run.ID, "provider: "+err.Error()); ferr != nil {
				log.Error("fail run after provider error", "error", ferr)
			}
		}
		return false, fatal
	}
	metrics.Placement("placed", time.Since(start))

	sctx, scancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer scancel()
	err = d.store.AttachCall(sctx, row.ID, calls.Call{
		OrganizationID: org.ID,
		CampaignID:     run.CampaignID,
		RunID:          run.ID,
		RowID:          row.ID,
		PatientID:      row.PatientID,
		Direction:      calls.DirectionOutbound,
		Status:         calls.StatusPending,
		ExternalCallID: out.ExternalCallID,
		From:           org.Phone,
		To:             to,
	})
	if err != nil {
		// the notification still finds the row through its row_id metadata
		log.Error("attach call", "external_call_id", out.ExternalCallID, "error", err)
	} else {
		log.Debug("call placed", "external_call_id", out.ExternalCallID)
	}
	return true, false
}

func (d *Dispatcher) failRow(ctx context.Context, run runs.Run, row rows.Row, reason string, runFatal bool) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	_, _, err := d.agg.ApplyTransition(sctx, aggregator.Transition{
		RunID: run.ID,
		RowID: row.ID,
		From:  rows.StatusCalling,
		To:    rows.StatusFailed,
		Error: &reason,
	})
	if err != nil {
		d.log.Error("fail row", "run_id", run.ID, "row_id", row.ID, "error", err)
	}
	if d.audit != nil {
		if err := d.audit.LogDispatchFailure(sctx, run.OrganizationID, run.ID, row.ID, reason, runFatal); err != nil {
			d.log.Warn("audit dispatch failure", "row_id", row.ID, "error", err)
		}
	}
}

func (d *Dispatcher) claim(ctx context.Context, runID string) (rows.Row, error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	return d.store.ClaimNextRow(sctx, runID)
}

func (d *Dispatcher) getRun(ctx context.Context, runID string) (runs.Run, error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	r, err := d.store.GetRun(sctx, runID)
	if err != nil {
		return r, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (d *Dispatcher) detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// transientStoreError reports claim errors the next tick can recover from:
// the pass being cancelled, a store timeout, or a deadlock that outlived the
// transaction retries. Anything else fails the run.
func transientStoreError(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		utils.IsRetryableTxError(err)
}

func placementResult(err error) string {
	switch {
	case errors.Is(err, telephony.ErrRejected):
		return "rejected"
	case errors.Is(err, telephony.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, telephony.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
