package foodstore

import (
	"context"
	"math"
)

// Dashboard is a day's intake compared to the goals.
type Dashboard struct {
	Date              string  `json:"date"`
	Totals            Totals  `json:"totals"`
	Goals             Goals   `json:"goals"`
	RemainingCalories int     `json:"remaining_calories"`
	CalorieProgress   float64 `json:"calorie_progress"`
	ProteinProgress   float64 `json:"protein_progress"`
	FatProgress       float64 `json:"fat_progress"`
	CarbsProgress     float64 `json:"carbs_progress"`
	Entries           []Entry `json:"entries"`
}

// Dashboard assembles the totals, goals and entries for day.
func (s *Store) Dashboard(ctx context.Context, day string) (Dashboard, error) {
	totals, err := s.DailyTotals(ctx, day)
	if err != nil {
		return Dashboard{}, err
	}
	goals, err := s.Goals(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	entries, err := s.ListEntries(ctx, day)
	if err != nil {
		return Dashboard{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Dashboard{
		Date:              day,
		Totals:            totals,
		Goals:             goals,
		RemainingCalories: max(0, goals.Calories-totals.Calories),
		CalorieProgress:   progress(float64(totals.Calories), float64(goals.Calories)),
		ProteinProgress:   progress(totals.Protein, goals.Protein),
		FatProgress:       progress(totals.Fat, goals.Fat),
		CarbsProgress:     progress(totals.Carbs, goals.Carbs),
		Entries:           entries,
	}, nil
}

// progress is current/goal, 0 when no goal is set. It is not capped so
// overshoot stays visible.
func progress(current, goal float64) float64 {
	if goal <= 0 {
		return 0
	}
	return math.Round(current/goal*1000) / 1000
}
