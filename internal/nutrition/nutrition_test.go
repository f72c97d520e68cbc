package nutrition

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/demeterr/demeterr/internal/apperr"
	"github.com/demeterr/demeterr/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const chickenAndRice = `{
	"foods": [
		{"name": "chicken breast", "quantity": 200, "unit": "grams", "calories": 330, "protein": 62, "fat": 7.2, "carbs": 0},
		{"name": "rice", "quantity": 100, "unit": "grams", "calories": 130, "protein": 2.7, "fat": 0.3, "carbs": 28}
	],
	"total": {"calories": 460, "protein": 64.7, "fat": 7.5, "carbs": 28}
}`

type chatRequest struct {
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatServer(t *testing.T, status int, content string, inspect func(chatRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if inspect != nil {
			inspect(req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			io.WriteString(w, content)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"model":   req.Model,
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		})
		w.Write(body)
	}))
}

func TestOpenAIAnalyzerRequestShape(t *testing.T) {
	lookup := []CustomFood{{Name: "Mom's lasagna", CaloriesPer100g: 180, ProteinPer100g: 9.5, FatPer100g: 8, CarbsPer100g: 17.25}}
	var got chatRequest
	srv := chatServer(t, http.StatusOK, chickenAndRice, func(req chatRequest) { got = req })
	defer srv.Close()

	a := NewOpenAIAnalyzer(srv.URL+"/v1", "sk-test", "", DefaultTemperature, srv.Client(), newLogger())
	analysis, err := a.Analyze(context.Background(), "200g chicken breast and 100g rice", lookup)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if got.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected model %q", got.Model)
	}
	if got.Temperature < 0.29 || got.Temperature > 0.31 {
		t.Fatalf("unexpected temperature %v", got.Temperature)
	}
	if got.ResponseFormat.Type != "json_object" {
		t.Fatalf("unexpected response format %q", got.ResponseFormat.Type)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if got.Messages[1].Content != "Parse this food input and return ONLY valid JSON: 200g chicken breast and 100g rice" {
		t.Fatalf("unexpected user message %q", got.Messages[1].Content)
	}
	system := got.Messages[0].Content
	for _, want := range []string{
		`"foods"`, `"total"`, "200g chicken breast and 100g rice",
		"CUSTOM FOODS DATABASE",
		"- Mom's lasagna: 180 cal, 9.5g protein, 8g fat, 17.25g carbs per 100g",
	} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}

	if len(analysis.Foods) != 2 || analysis.Foods[0].Name != "chicken breast" || analysis.Foods[1].Quantity != 100 {
		t.Fatalf("unexpected foods %+v", analysis.Foods)
	}
	if analysis.Total.CaloriesInt() != 460 {
		t.Fatalf("unexpected total %v", analysis.Total.Calories)
	}
}

func TestSystemPromptWithoutLookup(t *testing.T) {
	if strings.Contains(BuildSystemPrompt(nil), customFoodsHeader) {
		t.Fatal("empty lookup must not add the custom foods section")
	}
}

func TestOpenAIAnalyzerErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		content string
		kind    apperr.Kind
		message string
	}{
		{"api error", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests"}}`, apperr.KindAPI, "Rate limit reached"},
		{"unstructured error", http.StatusInternalServerError, `oops`, apperr.KindAPI, "Unknown API error"},
		{"missing total", http.StatusOK, `{"foods": []}`, apperr.KindDecoding, ""},
		{"prose reply", http.StatusOK, `Sure! Here is your JSON`, apperr.KindDecoding, ""},
		{"empty content", http.StatusOK, ``, apperr.KindInvalidResponse, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := chatServer(t, tc.status, tc.content, nil)
			defer srv.Close()
			a := NewOpenAIAnalyzer(srv.URL+"/v1", "sk-test", "", DefaultTemperature, srv.Client(), newLogger())
			_, err := a.Analyze(context.Background(), "an apple", nil)
			if apperr.KindOf(err) != tc.kind {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if tc.message != "" && apperr.MessageOf(err) != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, apperr.MessageOf(err))
			}
		})
	}
}

func TestOpenAIAnalyzerNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"x","object":"chat.completion","choices":[]}`)
	}))
	defer srv.Close()
	a := NewOpenAIAnalyzer(srv.URL, "sk-test", "", DefaultTemperature, srv.Client(), newLogger())
	_, err := a.Analyze(context.Background(), "an apple", nil)
	if !errors.Is(err, apperr.ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestOpenAIAnalyzerNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()
	a := NewOpenAIAnalyzer(base, "sk-test", "", DefaultTemperature, nil, newLogger())
	_, err := a.Analyze(context.Background(), "an apple", nil)
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestParseAnalysisStrict(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"missing total", `{"foods": []}`},
		{"missing foods", `{"total": {"calories": 0, "protein": 0, "fat": 0, "carbs": 0}}`},
		{"null total", `{"foods": [], "total": null}`},
		{"null foods", `{"foods": null, "total": {"calories": 0, "protein": 0, "fat": 0, "carbs": 0}}`},
		{"non-numeric calories", `{"foods": [{"name": "egg", "quantity": 1, "unit": "piece", "calories": "seventy", "protein": 6, "fat": 5, "carbs": 0}], "total": {"calories": 70, "protein": 6, "fat": 5, "carbs": 0}}`},
		{"missing item field", `{"foods": [{"name": "egg", "quantity": 1, "unit": "piece", "protein": 6, "fat": 5, "carbs": 0}], "total": {"calories": 70, "protein": 6, "fat": 5, "carbs": 0}}`},
		{"negative quantity", `{"foods": [{"name": "egg", "quantity": -1, "unit": "piece", "calories": 70, "protein": 6, "fat": 5, "carbs": 0}], "total": {"calories": 70, "protein": 6, "fat": 5, "carbs": 0}}`},
		{"missing total field", `{"foods": [], "total": {"calories": 0, "protein": 0, "fat": 0}}`},
		{"null item", `{"foods": [null], "total": {"calories": 0, "protein": 0, "fat": 0, "carbs": 0}}`},
		{"not an object", `[]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseAnalysis([]byte(tc.payload))
			if !errors.Is(err, apperr.ErrDecoding) {
				t.Fatalf("expected decoding error, got %v", err)
			}
		})
	}
}

func TestParseAnalysisKeepsZeroValues(t *testing.T) {
	analysis, err := ParseAnalysis([]byte(`{"foods": [], "total": {"calories": 250, "protein": 0, "fat": 0, "carbs": 0}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(analysis.Foods) != 0 || analysis.Total.Calories != 250 {
		t.Fatalf("unexpected analysis %+v", analysis)
	}
}

func TestRoundCalories(t *testing.T) {
	cases := map[float64]int{
		82.6:  83,
		82.4:  82,
		82.5:  83,
		0:     0,
		459.5: 460,
		330:   330,
	}
	for in, want := range cases {
		if got := RoundCalories(in); got != want {
			t.Fatalf("RoundCalories(%v) = %d, want %d", in, got, want)
		}
	}
	if got := (FoodItem{Calories: 82.6}).CaloriesInt(); got != 83 {
		t.Fatalf("expected 83, got %d", got)
	}
}

func TestCustomFoodNutritionFor(t *testing.T) {
	food := CustomFood{Name: "oats", CaloriesPer100g: 389, ProteinPer100g: 16.9, FatPer100g: 6.9, CarbsPer100g: 66.3}
	item := food.NutritionFor(50)
	if item.Calories != 195 {
		t.Fatalf("expected 195 cal, got %v", item.Calories)
	}
	if item.Protein < 8.44 || item.Protein > 8.46 {
		t.Fatalf("unexpected protein %v", item.Protein)
	}
}

func TestExecAnalyzer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	reply, _ := json.Marshal(map[string]string{"content": chickenAndRice})
	fixture := filepath.Join(dir, "reply.json")
	if err := os.WriteFile(fixture, reply, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	requestFile := filepath.Join(dir, "request.json")
	script := filepath.Join(dir, "run.sh")
	body := "#!/bin/sh\ncat > " + requestFile + "\ncat " + fixture + "\n"
	if err := os.WriteFile(script, []byte(body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	a, err := NewExecAnalyzer("sh "+script, DefaultTemperature, newLogger())
	if err != nil {
		t.Fatalf("new exec analyzer: %v", err)
	}
	lookup := []CustomFood{{Name: "granola", CaloriesPer100g: 471}}
	analysis, err := a.Analyze(context.Background(), "200g chicken breast and 100g rice", lookup)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(analysis.Foods) != 2 || analysis.Foods[0].Name != "chicken breast" || analysis.Total.CaloriesInt() != 460 {
		t.Fatalf("unexpected analysis %+v", analysis)
	}

	raw, err := os.ReadFile(requestFile)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req struct {
		System      string  `json:"system"`
		Prompt      string  `json:"prompt"`
		Temperature float64 `json:"temperature"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Prompt != UserPrompt("200g chicken breast and 100g rice") || req.Temperature != DefaultTemperature {
		t.Fatalf("unexpected request %+v", req)
	}
	if !strings.Contains(req.System, "- granola: 471 cal") {
		t.Fatalf("expected custom food table in system prompt")
	}
}

func TestExecAnalyzerFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho model offline >&2\nexit 2\n"), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	a, err := NewExecAnalyzer("sh "+script, DefaultTemperature, newLogger())
	if err != nil {
		t.Fatalf("new exec analyzer: %v", err)
	}
	_, err = a.Analyze(context.Background(), "an apple", nil)
	if !errors.Is(err, apperr.ErrAPI) || apperr.MessageOf(err) != "model offline" {
		t.Fatalf("expected api error with stderr, got %v", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	a, err := New(config.AnalysisConfig{Mode: "openai", Model: "gpt-4o-mini"}, "sk-test", newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := a.(*OpenAIAnalyzer); !ok {
		t.Fatalf("expected OpenAI analyzer, got %T", a)
	}
	if _, err := New(config.AnalysisConfig{Mode: "exec"}, "", newLogger()); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	if _, err := New(config.AnalysisConfig{Mode: "oracle"}, "", newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
