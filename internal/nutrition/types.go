// Package nutrition extracts structured food items from a transcript with a
// language model and validates the reply against a fixed schema.
package nutrition

import (
	"context"
	"math"
)

// FoodItem is one food line parsed from a transcript.
type FoodItem struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
}

// Totals aggregates a batch of food items.
type Totals struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
}

type Analysis struct {
	Foods []FoodItem `json:"foods"`
	Total Totals     `json:"total"`
}

// CustomFood is a user-defined food with macros per 100 g.
type CustomFood struct {
	Name            string  `json:"name"`
	CaloriesPer100g int     `json:"calories_per_100g"`
	ProteinPer100g  float64 `json:"protein_per_100g"`
	FatPer100g      float64 `json:"fat_per_100g"`
	CarbsPer100g    float64 `json:"carbs_per_100g"`
}

// Analyzer abstracts extraction backends.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string, lookup []CustomFood) (Analysis, error)
}

// RoundCalories rounds half up to the nearest whole calorie.
func RoundCalories(c float64) int {
	return int(math.Floor(c + 0.5))
}

func (f FoodItem) CaloriesInt() int { return RoundCalories(f.Calories) }

func (t Totals) CaloriesInt() int { return RoundCalories(t.Calories) }

// NutritionFor scales the per-100g values to grams.
func (c CustomFood) NutritionFor(grams float64) FoodItem {
	factor := grams / 100
	return FoodItem{
		Name:     c.Name,
		Quantity: grams,
		Unit:     "grams",
		Calories: float64(RoundCalories(float64(c.CaloriesPer100g) * factor)),
		Protein:  c.ProteinPer100g * factor,
		Fat:      c.FatPer100g * factor,
		Carbs:    c.CarbsPer100g * factor,
	}
}
