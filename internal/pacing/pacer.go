// Package pacing implements budget and daily-cap admission control.
package pacing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brandreach/kestrel/internal/domain"
)

// Admission rejection reasons, distinguishable by the caller.
var (
	ErrBudgetExhausted   = errors.New(domain.ReasonBudgetExhausted)
	ErrDailyCapExhausted = errors.New(domain.ReasonDailyCapExhausted)
	ErrCampaignInactive  = errors.New(domain.ReasonCampaignInactive)
	ErrUnknownCampaign   = errors.New("campaign not loaded in pacer")
	ErrReservationDone   = errors.New("reservation already committed or released")
)

// Pacer tracks cumulative spend per campaign and admits or rejects
// proposed payouts against the total budget and the daily cap.
//
// Admission is reserve-then-commit: Admit reserves the amount inside a
// per-campaign critical section before returning, so two concurrent admits
// cannot both pass for the last unit of budget. A reservation that is not
// followed by a ledger commit must be Released, never leaked. There is no
// cross-campaign lock; campaigns pace independently.
type Pacer struct {
	mu        sync.RWMutex
	campaigns map[string]*campaignSpend
}

type campaignSpend struct {
	mu sync.Mutex

	totalBudget int64
	dailyCap    int64
	startDate   time.Time
	endDate     time.Time
	loc         *time.Location

	engagementTarget int64
	dailyTarget      int64

	spentTotal int64
	spentToday int64
	day        time.Time // start of the current campaign-local day
}

// New creates an empty pacer.
func New() *Pacer {
	return &Pacer{campaigns: make(map[string]*campaignSpend)}
}

// LoadCampaign installs a campaign's limits and the spend recovered from
// the ledger. spentToday must be computed against the campaign-local day.
func (p *Pacer) LoadCampaign(cfg *domain.CampaignConfig, spentTotal, spentToday int64, now time.Time) error {
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("campaign %s: %w", cfg.ID, err)
	}

	cs := &campaignSpend{
		totalBudget:      cfg.TotalBudget,
		dailyCap:         cfg.DailyCap,
		startDate:        cfg.StartDate,
		endDate:          cfg.EndDate,
		loc:              loc,
		engagementTarget: cfg.EngagementTarget(),
		dailyTarget:      cfg.DailyTarget(),
		spentTotal:       spentTotal,
		spentToday:       spentToday,
		day:              dayStart(now, loc),
	}

	p.mu.Lock()
	p.campaigns[cfg.ID] = cs
	p.mu.Unlock()

	return nil
}

// DropCampaign removes a campaign from the pacer.
func (p *Pacer) DropCampaign(campaignID string) {
	p.mu.Lock()
	delete(p.campaigns, campaignID)
	p.mu.Unlock()
}

// DayStart returns the start of the current campaign-local day, used by
// callers recomputing spentToday from the ledger.
func (p *Pacer) DayStart(campaignID string, now time.Time) (time.Time, error) {
	cs, err := p.lookup(campaignID)
	if err != nil {
		return time.Time{}, err
	}
	return dayStart(now, cs.loc), nil
}

// Reservation is an admitted amount held against a campaign's caps until
// the award is committed to the ledger (Commit) or abandoned (Release).
type Reservation struct {
	cs     *campaignSpend
	amount int64
	day    time.Time
	done   bool
	mu     sync.Mutex
}

// Admit checks whether amount fits inside the remaining total budget and
// today's remaining daily cap, reserving it atomically on success.
func (p *Pacer) Admit(campaignID string, amount int64, now time.Time) (*Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: negative amount", domain.ErrInvalidInput)
	}

	cs, err := p.lookup(campaignID)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if now.Before(cs.startDate) || !now.Before(cs.endDate.Add(24*time.Hour)) {
		return nil, ErrCampaignInactive
	}

	cs.rollDay(now)

	if cs.spentTotal+amount > cs.totalBudget {
		return nil, ErrBudgetExhausted
	}
	if cs.spentToday+amount > cs.dailyCap {
		return nil, ErrDailyCapExhausted
	}

	cs.spentTotal += amount
	cs.spentToday += amount

	return &Reservation{cs: cs, amount: amount, day: cs.day}, nil
}

// Commit finalizes the reservation after a successful ledger commit.
func (r *Reservation) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrReservationDone
	}
	r.done = true
	return nil
}

// Release returns the reserved amount to the campaign's caps. Safe to call
// after the day rolled over: the daily counter is only refunded if the
// reservation's day is still current.
func (r *Reservation) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrReservationDone
	}
	r.done = true

	r.cs.mu.Lock()
	defer r.cs.mu.Unlock()

	r.cs.spentTotal -= r.amount
	if r.cs.day.Equal(r.day) {
		r.cs.spentToday -= r.amount
	}
	return nil
}

// Snapshot returns the advisory pacing aggregates for a campaign.
func (p *Pacer) Snapshot(campaignID string, now time.Time) (*domain.PacingSnapshot, error) {
	cs, err := p.lookup(campaignID)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.rollDay(now)

	return &domain.PacingSnapshot{
		CampaignID:       campaignID,
		SpentTotal:       cs.spentTotal,
		SpentToday:       cs.spentToday,
		RemainingBudget:  cs.totalBudget - cs.spentTotal,
		EngagementTarget: cs.engagementTarget,
		DailyTarget:      cs.dailyTarget,
	}, nil
}

// Recompute replaces the running sums with ledger-derived values.
func (p *Pacer) Recompute(campaignID string, spentTotal, spentToday int64, now time.Time) error {
	cs, err := p.lookup(campaignID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.spentTotal = spentTotal
	cs.spentToday = spentToday
	cs.day = dayStart(now, cs.loc)
	return nil
}

func (p *Pacer) lookup(campaignID string) (*campaignSpend, error) {
	p.mu.RLock()
	cs, ok := p.campaigns[campaignID]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownCampaign
	}
	return cs, nil
}

// rollDay resets the daily counter at the campaign-local day boundary.
// Caller holds cs.mu.
func (cs *campaignSpend) rollDay(now time.Time) {
	today := dayStart(now, cs.loc)
	if !today.Equal(cs.day) {
		cs.day = today
		cs.spentToday = 0
	}
}

func dayStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
