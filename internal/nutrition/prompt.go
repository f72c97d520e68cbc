package nutrition

import (
	"fmt"
	"strconv"
	"strings"
)

const basePrompt = `You are a nutritional analysis assistant. Your task is to parse food entries and extract structured nutritional data.

IMPORTANT: You MUST respond with ONLY valid JSON, no other text.

When analyzing food entries:
1. Extract all food items mentioned
2. Identify quantities and units (grams, cups, pieces, etc.)
3. Calculate nutritional values based on standard nutritional databases
4. Return structured JSON with the exact format specified below

JSON Response Format (REQUIRED):
{
    "foods": [
        {
            "name": "food name",
            "quantity": number,
            "unit": "grams/cups/pieces/etc",
            "calories": number,
            "protein": number,
            "fat": number,
            "carbs": number
        }
    ],
    "total": {
        "calories": number,
        "protein": number,
        "fat": number,
        "carbs": number
    }
}

Example Input: "200g chicken breast and 100g rice"
Example Output:
{
    "foods": [
        {
            "name": "chicken breast",
            "quantity": 200,
            "unit": "grams",
            "calories": 330,
            "protein": 62,
            "fat": 7.2,
            "carbs": 0
        },
        {
            "name": "rice",
            "quantity": 100,
            "unit": "grams",
            "calories": 130,
            "protein": 2.7,
            "fat": 0.3,
            "carbs": 28
        }
    ],
    "total": {
        "calories": 460,
        "protein": 64.7,
        "fat": 7.5,
        "carbs": 28
    }
}
`

const customFoodsHeader = "CUSTOM FOODS DATABASE (use these values when foods match):"

// BuildSystemPrompt returns the extraction instructions with the lookup
// table appended when it is not empty.
func BuildSystemPrompt(lookup []CustomFood) string {
	if len(lookup) == 0 {
		return basePrompt
	}
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n")
	b.WriteString(customFoodsHeader)
	b.WriteString("\n")
	for _, food := range lookup {
		fmt.Fprintf(&b, "- %s: %d cal, %sg protein, %sg fat, %sg carbs per 100g\n",
			food.Name, food.CaloriesPer100g,
			formatGrams(food.ProteinPer100g), formatGrams(food.FatPer100g), formatGrams(food.CarbsPer100g))
	}
	return b.String()
}

// UserPrompt wraps the transcript into the user message.
func UserPrompt(transcript string) string {
	return "Parse this food input and return ONLY valid JSON: " + transcript
}

func formatGrams(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
