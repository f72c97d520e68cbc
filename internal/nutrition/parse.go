package nutrition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/demeterr/demeterr/internal/apperr"
)

// The wire types use pointers so an absent field is distinguishable from a
// zero value.
type wireFood struct {
	Name     *string  `json:"name"`
	Quantity *float64 `json:"quantity"`
	Unit     *string  `json:"unit"`
	Calories *float64 `json:"calories"`
	Protein  *float64 `json:"protein"`
	Fat      *float64 `json:"fat"`
	Carbs    *float64 `json:"carbs"`
}

type wireTotals struct {
	Calories *float64 `json:"calories"`
	Protein  *float64 `json:"protein"`
	Fat      *float64 `json:"fat"`
	Carbs    *float64 `json:"carbs"`
}

type wireAnalysis struct {
	Foods *[]*wireFood `json:"foods"`
	Total *wireTotals  `json:"total"`
}

const decodeMessage = "Could not read the nutrition analysis. Please try again."

// ParseAnalysis decodes model output into an Analysis. Any deviation from
// the schema is a decoding error; nothing is defaulted.
func ParseAnalysis(content []byte) (Analysis, error) {
	content = bytes.TrimSpace(content)
	var wire wireAnalysis
	if err := json.Unmarshal(content, &wire); err != nil {
		return Analysis{}, decodeErr(fmt.Errorf("decode analysis: %w", err))
	}
	if wire.Foods == nil {
		return Analysis{}, decodeErr(fmt.Errorf("response has no foods list"))
	}
	if wire.Total == nil {
		return Analysis{}, decodeErr(fmt.Errorf("response has no total"))
	}

	out := Analysis{Foods: make([]FoodItem, 0, len(*wire.Foods))}
	for i, f := range *wire.Foods {
		item, err := f.validate()
		if err != nil {
			return Analysis{}, decodeErr(fmt.Errorf("foods[%d]: %w", i, err))
		}
		out.Foods = append(out.Foods, item)
	}
	total, err := wire.Total.validate()
	if err != nil {
		return Analysis{}, decodeErr(fmt.Errorf("total: %w", err))
	}
	out.Total = total
	return out, nil
}

func decodeErr(err error) error {
	return apperr.Wrap(apperr.KindDecoding, decodeMessage, err)
}

func (f *wireFood) validate() (FoodItem, error) {
	if f == nil {
		return FoodItem{}, fmt.Errorf("item is null")
	}
	if f.Name == nil {
		return FoodItem{}, fmt.Errorf("missing name")
	}
	if f.Unit == nil {
		return FoodItem{}, fmt.Errorf("missing unit")
	}
	fields := []struct {
		name string
		v    *float64
	}{
		{"quantity", f.Quantity},
		{"calories", f.Calories},
		{"protein", f.Protein},
		{"fat", f.Fat},
		{"carbs", f.Carbs},
	}
	for _, field := range fields {
		if err := checkAmount(field.name, field.v); err != nil {
			return FoodItem{}, err
		}
	}
	return FoodItem{
		Name:     *f.Name,
		Quantity: *f.Quantity,
		Unit:     *f.Unit,
		Calories: *f.Calories,
		Protein:  *f.Protein,
		Fat:      *f.Fat,
		Carbs:    *f.Carbs,
	}, nil
}

func (t *wireTotals) validate() (Totals, error) {
	fields := []struct {
		name string
		v    *float64
	}{
		{"calories", t.Calories},
		{"protein", t.Protein},
		{"fat", t.Fat},
		{"carbs", t.Carbs},
	}
	for _, field := range fields {
		if err := checkAmount(field.name, field.v); err != nil {
			return Totals{}, err
		}
	}
	return Totals{
		Calories: *t.Calories,
		Protein:  *t.Protein,
		Fat:      *t.Fat,
		Carbs:    *t.Carbs,
	}, nil
}

func checkAmount(name string, v *float64) error {
	if v == nil {
		return fmt.Errorf("missing %s", name)
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return fmt.Errorf("%s must be a non-negative number, got %v", name, *v)
	}
	return nil
}
