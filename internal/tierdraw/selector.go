// Package tierdraw implements the probabilistic reward-tier selector.
package tierdraw

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"github.com/brandreach/kestrel/internal/domain"
)

// Selector draws a reward tier for an approved engagement using weighted
// random selection. The random source is derived from the engagement id,
// so an idempotent retry of the same engagement never redraws a different
// tier. Tier probabilities are normalized at campaign activation, never
// at draw time.
type Selector struct {
	mu        sync.Mutex
	campaigns map[string]*tierState
}

type tierState struct {
	tiers   []domain.RewardTier
	winners map[string]int64
}

// New creates an empty selector.
func New() *Selector {
	return &Selector{campaigns: make(map[string]*tierState)}
}

// LoadCampaign installs a campaign's normalized tier table and the winner
// counts recovered from the ledger.
func (s *Selector) LoadCampaign(cfg *domain.CampaignConfig, winners map[string]int64) {
	state := &tierState{
		tiers:   append([]domain.RewardTier(nil), cfg.Tiers...),
		winners: make(map[string]int64, len(cfg.Tiers)),
	}
	for id, n := range winners {
		state.winners[id] = n
	}

	s.mu.Lock()
	s.campaigns[cfg.ID] = state
	s.mu.Unlock()
}

// DropCampaign removes a campaign from the selector.
func (s *Selector) DropCampaign(campaignID string) {
	s.mu.Lock()
	delete(s.campaigns, campaignID)
	s.mu.Unlock()
}

// ReleaseWin returns a winner slot reserved by a draw whose award was not
// committed (budget rejection, ledger failure, or a lost idempotency race).
func (s *Selector) ReleaseWin(campaignID, tierID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.campaigns[campaignID]; ok && tierID != "" && state.winners[tierID] > 0 {
		state.winners[tierID]--
	}
}

// Winners returns a copy of the per-tier winner counts.
func (s *Selector) Winners(campaignID string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)
	if state, ok := s.campaigns[campaignID]; ok {
		for id, n := range state.winners {
			out[id] = n
		}
	}
	return out
}

// Draw selects a tier for the engagement. Tiers that reached MaxWinners
// are excluded and the remaining probabilities renormalized. A winning
// draw reserves the tier's winner slot inside the same critical section,
// so concurrent draws can never hand out more slots than MaxWinners; the
// caller must ReleaseWin when the award is not committed. When every
// tier is exhausted it returns ok=false (the no-tier outcome: zero
// payout, distinct from a risk block).
func (s *Selector) Draw(campaignID, engagementID string) (tier domain.RewardTier, ok bool, err error) {
	return s.DrawSeeded(campaignID, Seed(engagementID))
}

// DrawSeeded is Draw with an explicit seed, for audit replay and tests.
// A given (tier state, seed) pair always reproduces the same tier.
func (s *Selector) DrawSeeded(campaignID string, seed int64) (domain.RewardTier, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, found := s.campaigns[campaignID]
	if !found {
		return domain.RewardTier{}, false, fmt.Errorf("campaign %s not loaded", campaignID)
	}

	available := make([]domain.RewardTier, 0, len(state.tiers))
	var total float64
	for _, t := range state.tiers {
		if t.MaxWinners > 0 && state.winners[t.ID] >= int64(t.MaxWinners) {
			continue
		}
		available = append(available, t)
		total += t.ProbabilityPct
	}

	if len(available) == 0 || total <= 0 {
		return domain.RewardTier{}, false, nil
	}

	rng := rand.New(rand.NewSource(seed))
	target := rng.Float64() * total

	var cum float64
	for _, t := range available {
		cum += t.ProbabilityPct
		if target < cum {
			state.winners[t.ID]++
			return t, true, nil
		}
	}

	// Floating-point edge: target landed on the upper boundary.
	last := available[len(available)-1]
	state.winners[last.ID]++
	return last, true, nil
}

// Seed derives a reproducible draw seed from an engagement id.
func Seed(engagementID string) int64 {
	sum := sha256.Sum256([]byte(engagementID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
