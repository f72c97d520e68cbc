package foodstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/demeterr/demeterr/internal/config"
	"github.com/demeterr/demeterr/internal/nutrition"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "demeterr.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "persistent"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommitEntryAndTotals(t *testing.T) {
	s := openTemp(t, config.StoreConfig{})
	now := time.Date(2025, 3, 14, 12, 30, 0, 0, time.Local)
	s.clock = func() time.Time { return now }
	ctx := context.Background()

	items := []nutrition.FoodItem{
		{Name: "chicken breast", Quantity: 200, Unit: "grams", Calories: 330, Protein: 62, Fat: 7.2, Carbs: 0},
		{Name: "apple", Quantity: 1, Unit: "piece", Calories: 82.6, Protein: 0.4, Fat: 0.3, Carbs: 22},
	}
	for _, item := range items {
		if err := s.CommitEntry(ctx, item); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	entries, err := s.ListEntries(ctx, "2025-03-14")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	apple := entries[1]
	if apple.Calories != 83 {
		t.Fatalf("expected rounded 83 cal, got %d", apple.Calories)
	}
	if apple.Source != SourceEstimated || apple.Date != "2025-03-14" {
		t.Fatalf("unexpected entry metadata %+v", apple)
	}
	if !apple.Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamp %v", apple.Timestamp)
	}

	totals, err := s.DailyTotals(ctx, "2025-03-14")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Entries != 2 || totals.Calories != 413 {
		t.Fatalf("unexpected totals %+v", totals)
	}

	empty, err := s.DailyTotals(ctx, "2025-03-15")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if empty.Entries != 0 || empty.Calories != 0 {
		t.Fatalf("expected empty totals, got %+v", empty)
	}
}

func TestCustomFoods(t *testing.T) {
	s := openTemp(t, config.StoreConfig{})
	ctx := context.Background()

	foods, err := s.LookupCustomFoods(ctx)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(foods) != 0 {
		t.Fatalf("expected no foods, got %d", len(foods))
	}

	lasagna := nutrition.CustomFood{Name: "Mom's lasagna", CaloriesPer100g: 180, ProteinPer100g: 9.5, FatPer100g: 8, CarbsPer100g: 17}
	if err := s.AddCustomFood(ctx, lasagna); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddCustomFood(ctx, nutrition.CustomFood{Name: "granola", CaloriesPer100g: 471}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddCustomFood(ctx, nutrition.CustomFood{Name: "MOM'S LASAGNA", CaloriesPer100g: 1}); !errors.Is(err, ErrDuplicateFood) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	for _, bad := range []nutrition.CustomFood{
		{Name: "  "},
		{Name: "oats", FatPer100g: -1},
	} {
		if err := s.AddCustomFood(ctx, bad); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected invalid error for %+v, got %v", bad, err)
		}
	}

	foods, err = s.LookupCustomFoods(ctx)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(foods) != 2 || foods[0].Name != "granola" || foods[1] != lasagna {
		t.Fatalf("unexpected foods %+v", foods)
	}
}

func TestGoalsDefaultAndUpdate(t *testing.T) {
	s := openTemp(t, config.StoreConfig{})
	ctx := context.Background()

	g, err := s.Goals(ctx)
	if err != nil {
		t.Fatalf("goals: %v", err)
	}
	if g != DefaultGoals() {
		t.Fatalf("expected defaults, got %+v", g)
	}

	if err := s.SetGoals(ctx, Goals{Calories: 1800, Protein: 120, Fat: 60, Carbs: 200}); err != nil {
		t.Fatalf("set goals: %v", err)
	}
	g, err = s.Goals(ctx)
	if err != nil {
		t.Fatalf("goals: %v", err)
	}
	if g.Calories != 1800 || g.Protein != 120 || g.UpdatedAt.IsZero() {
		t.Fatalf("unexpected goals %+v", g)
	}
	if err := s.SetGoals(ctx, Goals{Calories: -1}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid error for negative goal, got %v", err)
	}
}

func TestLogCustomFood(t *testing.T) {
	s := openTemp(t, config.StoreConfig{})
	s.clock = func() time.Time { return time.Date(2025, 3, 14, 19, 0, 0, 0, time.Local) }
	ctx := context.Background()

	lasagna := nutrition.CustomFood{Name: "Mom's lasagna", CaloriesPer100g: 180, ProteinPer100g: 9.5, FatPer100g: 8, CarbsPer100g: 17}
	if err := s.AddCustomFood(ctx, lasagna); err != nil {
		t.Fatalf("add: %v", err)
	}

	e, err := s.LogCustomFood(ctx, "  mom's LASAGNA ", 250)
	if err != nil {
		t.Fatalf("log custom food: %v", err)
	}
	if e.FoodName != "Mom's lasagna" || e.Quantity != 250 || e.Unit != "grams" || e.Calories != 450 || e.Source != SourceCustom {
		t.Fatalf("unexpected entry %+v", e)
	}

	entries, err := s.ListEntries(ctx, "2025-03-14")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != e.ID || entries[0].Protein != 23.75 {
		t.Fatalf("unexpected entries %+v", entries)
	}

	tests := []struct {
		name  string
		food  string
		grams float64
		want  error
	}{
		{name: "unknown food", food: "pizza", grams: 100, want: ErrFoodNotFound},
		{name: "zero grams", food: "Mom's lasagna", grams: 0, want: ErrInvalid},
		{name: "blank name", food: " ", grams: 100, want: ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.LogCustomFood(ctx, tt.food, tt.grams); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDashboard(t *testing.T) {
	s := openTemp(t, config.StoreConfig{})
	s.clock = func() time.Time { return time.Date(2025, 3, 14, 8, 0, 0, 0, time.Local) }
	ctx := context.Background()
	if err := s.CommitEntry(ctx, nutrition.FoodItem{Name: "rice", Quantity: 100, Unit: "grams", Calories: 130, Protein: 2.7, Fat: 0.3, Carbs: 28}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	d, err := s.Dashboard(ctx, "2025-03-14")
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.RemainingCalories != 1870 {
		t.Fatalf("expected 1870 remaining, got %d", d.RemainingCalories)
	}
	if d.CalorieProgress != 0.065 {
		t.Fatalf("unexpected calorie progress %v", d.CalorieProgress)
	}
	if len(d.Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(d.Entries))
	}

	empty, err := s.Dashboard(ctx, "2025-03-13")
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if empty.Entries == nil || empty.RemainingCalories != 2000 {
		t.Fatalf("unexpected empty dashboard %+v", empty)
	}
}

func TestPruneByRetentionDays(t *testing.T) {
	s := openTemp(t, config.StoreConfig{RetentionDays: 7})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.Local) }
	if err := s.CommitEntry(ctx, nutrition.FoodItem{Name: "old", Unit: "piece"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 10, 12, 0, 0, 0, time.Local) }
	if err := s.CommitEntry(ctx, nutrition.FoodItem{Name: "new", Unit: "piece"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, _ := s.ListEntries(ctx, "2025-01-01")
	recent, _ := s.ListEntries(ctx, "2025-01-10")
	if len(old) != 0 || len(recent) != 1 {
		t.Fatalf("expected old entry pruned, got old=%d recent=%d", len(old), len(recent))
	}
}

func TestOpenEphemeral(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if err := s.CommitEntry(ctx, nutrition.FoodItem{Name: "egg", Unit: "piece", Calories: 70}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	totals, err := s.DailyTotals(ctx, Day(time.Now()))
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Calories != 70 {
		t.Fatalf("expected 70 cal, got %d", totals.Calories)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "demeterr.db")
	cfg := config.StoreConfig{Path: path, RetentionMode: "persistent"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.AddCustomFood(context.Background(), nutrition.CustomFood{Name: "kefir", CaloriesPer100g: 41}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Close()

	s2 := openTemp(t, cfg)
	foods, err := s2.LookupCustomFoods(context.Background())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(foods) != 1 || foods[0].Name != "kefir" {
		t.Fatalf("unexpected foods %+v", foods)
	}
}
