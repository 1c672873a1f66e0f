package workflow

import (
	"math"
	"sort"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// Scorer ranks backlog tickets. Scores must not decrease with severity or age.
type Scorer interface {
	Score(ticket domain.BugTicket, ageTicks int64) float64
}

// AgingScorer weighs normalized severity against a saturating age term so a
// low-severity ticket cannot be starved forever.
type AgingScorer struct {
	SeverityWeight float64
	AgeWeight      float64
	// AgeHorizon is the age in ticks at which the age term saturates.
	AgeHorizon float64
	// MaxSeverity normalizes the severity term.
	MaxSeverity float64
}

// DefaultScorer returns 0.7*(severity/5) + 0.3*min(1, age/50).
func DefaultScorer() AgingScorer {
	return AgingScorer{
		SeverityWeight: 0.7,
		AgeWeight:      0.3,
		AgeHorizon:     50,
		MaxSeverity:    5,
	}
}

// SeverityTerm is the severity share of the score.
func (s AgingScorer) SeverityTerm(severity int) float64 {
	return s.SeverityWeight * (float64(severity) / s.MaxSeverity)
}

// AgeTerm is the waiting-time share of the score.
func (s AgingScorer) AgeTerm(ageTicks int64) float64 {
	if ageTicks <= 0 || s.AgeHorizon <= 0 {
		return 0
	}
	return s.AgeWeight * math.Min(1, float64(ageTicks)/s.AgeHorizon)
}

// Score implements Scorer.
func (s AgingScorer) Score(ticket domain.BugTicket, ageTicks int64) float64 {
	return s.SeverityTerm(ticket.Severity) + s.AgeTerm(ageTicks)
}

// RankTickets returns the tickets ordered best-first for the given cycle.
// Ties go to the older ticket, then to the smaller id.
func RankTickets(tickets []domain.BugTicket, now int64, scorer Scorer) []domain.BugTicket {
	type scored struct {
		t     domain.BugTicket
		score float64
	}
	ranked := make([]scored, len(tickets))
	for i, t := range tickets {
		ranked[i] = scored{t: t, score: scorer.Score(t, now-t.ArrivalTick)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].t.ArrivalTick != ranked[j].t.ArrivalTick {
			return ranked[i].t.ArrivalTick < ranked[j].t.ArrivalTick
		}
		return ranked[i].t.ID < ranked[j].t.ID
	})

	out := make([]domain.BugTicket, len(ranked))
	for i, r := range ranked {
		out[i] = r.t
	}
	return out
}
