// Package foodstore persists food entries, custom foods and daily goals in
// SQLite.
package foodstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/demeterr/demeterr/internal/config"
	"github.com/demeterr/demeterr/internal/nutrition"
)

const (
	dayLayout = "2006-01-02"

	// SourceEstimated marks entries whose values came from the language model.
	SourceEstimated = "estimated"
	// SourceCustom marks entries scaled from a saved custom food.
	SourceCustom = "custom"
)

var (
	// ErrDuplicateFood is returned when a custom food with the same name exists.
	ErrDuplicateFood = errors.New("custom food already exists")
	// ErrFoodNotFound is returned when no custom food has the requested name.
	ErrFoodNotFound = errors.New("custom food not found")
	// ErrInvalid wraps every rejection of caller-supplied values.
	ErrInvalid = errors.New("invalid value")
)

// Entry is one logged food.
type Entry struct {
	ID        string    `json:"id"`
	FoodName  string    `json:"food_name"`
	Quantity  float64   `json:"quantity"`
	Unit      string    `json:"unit"`
	Calories  int       `json:"calories"`
	Protein   float64   `json:"protein"`
	Fat       float64   `json:"fat"`
	Carbs     float64   `json:"carbs"`
	Timestamp time.Time `json:"timestamp"`
	Date      string    `json:"date"`
	Source    string    `json:"source"`
}

type Goals struct {
	Calories  int       `json:"calorie_target"`
	Protein   float64   `json:"protein_target"`
	Fat       float64   `json:"fat_target"`
	Carbs     float64   `json:"carbs_target"`
	UpdatedAt time.Time `json:"last_updated"`
}

// DefaultGoals applies until the user saves their own.
func DefaultGoals() Goals {
	return Goals{Calories: 2000, Protein: 150, Fat: 65, Carbs: 250}
}

type Totals struct {
	Entries  int     `json:"entries"`
	Calories int     `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
}

// Store wraps the SQLite database.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps
// everything in memory for the life of the process.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "foodstore"))

	var dsn string
	if cfg.RetentionMode == "ephemeral" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.RetentionMode == "ephemeral" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("food store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS custom_foods (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    calories_per_100g INTEGER NOT NULL,
    protein_per_100g REAL NOT NULL,
    fat_per_100g REAL NOT NULL,
    carbs_per_100g REAL NOT NULL,
    created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_custom_foods_name ON custom_foods(name COLLATE NOCASE);
CREATE TABLE IF NOT EXISTS daily_entries (
    id TEXT PRIMARY KEY,
    food_name TEXT NOT NULL,
    quantity REAL NOT NULL,
    unit TEXT NOT NULL,
    calories INTEGER NOT NULL,
    protein REAL NOT NULL,
    fat REAL NOT NULL,
    carbs REAL NOT NULL,
    timestamp TEXT NOT NULL,
    day TEXT NOT NULL,
    source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_daily_entries_day ON daily_entries(day, timestamp);
CREATE TABLE IF NOT EXISTS daily_goals (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    calorie_target INTEGER NOT NULL,
    protein_target REAL NOT NULL,
    fat_target REAL NOT NULL,
    carbs_target REAL NOT NULL,
    last_updated TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Day formats t as the local calendar day it belongs to.
func Day(t time.Time) string {
	return t.Format(dayLayout)
}

// LookupCustomFoods returns every custom food ordered by name.
func (s *Store) LookupCustomFoods(ctx context.Context) ([]nutrition.CustomFood, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, calories_per_100g, protein_per_100g, fat_per_100g, carbs_per_100g
		 FROM custom_foods ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("query custom foods: %w", err)
	}
	defer rows.Close()

	var foods []nutrition.CustomFood
	for rows.Next() {
		var f nutrition.CustomFood
		if err := rows.Scan(&f.Name, &f.CaloriesPer100g, &f.ProteinPer100g, &f.FatPer100g, &f.CarbsPer100g); err != nil {
			return nil, fmt.Errorf("scan custom food: %w", err)
		}
		foods = append(foods, f)
	}
	return foods, rows.Err()
}

// AddCustomFood stores a new custom food. Names are unique ignoring case.
func (s *Store) AddCustomFood(ctx context.Context, food nutrition.CustomFood) error {
	name := strings.TrimSpace(food.Name)
	if name == "" {
		return fmt.Errorf("%w: custom food name is required", ErrInvalid)
	}
	if food.CaloriesPer100g < 0 || food.ProteinPer100g < 0 || food.FatPer100g < 0 || food.CarbsPer100g < 0 {
		return fmt.Errorf("%w: custom food values must not be negative", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_foods(id, name, calories_per_100g, protein_per_100g, fat_per_100g, carbs_per_100g, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), name, food.CaloriesPer100g, food.ProteinPer100g, food.FatPer100g, food.CarbsPer100g,
		s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateFood, name)
		}
		return fmt.Errorf("insert custom food: %w", err)
	}
	return nil
}

// CommitEntry records one parsed food item as an estimated entry for today.
func (s *Store) CommitEntry(ctx context.Context, item nutrition.FoodItem) error {
	_, err := s.insertEntry(ctx, item, SourceEstimated)
	return err
}

// LogCustomFood records grams of a saved custom food, matched ignoring case,
// as an entry for today.
func (s *Store) LogCustomFood(ctx context.Context, name string, grams float64) (Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entry{}, fmt.Errorf("%w: custom food name is required", ErrInvalid)
	}
	if grams <= 0 {
		return Entry{}, fmt.Errorf("%w: grams must be positive", ErrInvalid)
	}

	var f nutrition.CustomFood
	err := s.db.QueryRowContext(ctx,
		`SELECT name, calories_per_100g, protein_per_100g, fat_per_100g, carbs_per_100g
		 FROM custom_foods WHERE name = ? COLLATE NOCASE`, name).
		Scan(&f.Name, &f.CaloriesPer100g, &f.ProteinPer100g, &f.FatPer100g, &f.CarbsPer100g)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrFoodNotFound, name)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query custom food: %w", err)
	}
	return s.insertEntry(ctx, f.NutritionFor(grams), SourceCustom)
}

func (s *Store) insertEntry(ctx context.Context, item nutrition.FoodItem, source string) (Entry, error) {
	now := s.clock()
	e := Entry{
		ID:        uuid.NewString(),
		FoodName:  item.Name,
		Quantity:  item.Quantity,
		Unit:      item.Unit,
		Calories:  item.CaloriesInt(),
		Protein:   item.Protein,
		Fat:       item.Fat,
		Carbs:     item.Carbs,
		Timestamp: now.UTC(),
		Date:      Day(now),
		Source:    source,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_entries(id, food_name, quantity, unit, calories, protein, fat, carbs, timestamp, day, source)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FoodName, e.Quantity, e.Unit, e.Calories, e.Protein, e.Fat, e.Carbs,
		e.Timestamp.Format(time.RFC3339Nano), e.Date, e.Source)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

// ListEntries returns the entries logged on day, oldest first.
func (s *Store) ListEntries(ctx context.Context, day string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, food_name, quantity, unit, calories, protein, fat, carbs, timestamp, day, source
		 FROM daily_entries WHERE day = ? ORDER BY timestamp ASC`, day)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &e.FoodName, &e.Quantity, &e.Unit, &e.Calories, &e.Protein, &e.Fat, &e.Carbs, &ts, &e.Date, &e.Source); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteEntry removes an entry by ID. Deleting a missing entry is not an error.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM daily_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// DailyTotals sums the entries logged on day.
func (s *Store) DailyTotals(ctx context.Context, day string) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(calories), 0), COALESCE(SUM(protein), 0), COALESCE(SUM(fat), 0), COALESCE(SUM(carbs), 0)
		 FROM daily_entries WHERE day = ?`, day).
		Scan(&t.Entries, &t.Calories, &t.Protein, &t.Fat, &t.Carbs)
	if err != nil {
		return Totals{}, fmt.Errorf("sum entries: %w", err)
	}
	return t, nil
}

// Goals returns the saved goals, or DefaultGoals when none were saved.
func (s *Store) Goals(ctx context.Context) (Goals, error) {
	var g Goals
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT calorie_target, protein_target, fat_target, carbs_target, last_updated FROM daily_goals WHERE id = 1`).
		Scan(&g.Calories, &g.Protein, &g.Fat, &g.Carbs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultGoals(), nil
	}
	if err != nil {
		return Goals{}, fmt.Errorf("query goals: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		g.UpdatedAt = parsed
	}
	return g, nil
}

func (s *Store) SetGoals(ctx context.Context, g Goals) error {
	if g.Calories < 0 || g.Protein < 0 || g.Fat < 0 || g.Carbs < 0 {
		return fmt.Errorf("%w: goals must not be negative", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_goals(id, calorie_target, protein_target, fat_target, carbs_target, last_updated)
		 VALUES(1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET calorie_target=excluded.calorie_target, protein_target=excluded.protein_target,
		   fat_target=excluded.fat_target, carbs_target=excluded.carbs_target, last_updated=excluded.last_updated`,
		g.Calories, g.Protein, g.Fat, g.Carbs, s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save goals: %w", err)
	}
	return nil
}

// Prune drops entries older than the configured retention window.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode != "persistent" || s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := Day(s.clock().AddDate(0, 0, -s.cfg.RetentionDays))
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_entries WHERE day < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune entries: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("pruned food entries", slog.Int64("rows", n), slog.String("before", cutoff))
	}
	return nil
}
