package protocol

import "time"

// PipelineState announces a state transition of the voice pipeline.
type PipelineState struct {
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Previous  string    `json:"previous"`
	Timestamp time.Time `json:"timestamp"`
}

// FoodLine is a committed food item as shown to the user.
type FoodLine struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Calories int     `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
}

// PipelineSucceeded is emitted once every parsed item was committed.
type PipelineSucceeded struct {
	SessionID      string     `json:"session_id"`
	ItemsCommitted int        `json:"items_committed"`
	TotalCalories  int        `json:"total_calories"`
	Message        string     `json:"message"`
	Transcript     string     `json:"transcript"`
	Foods          []FoodLine `json:"foods"`
	Timestamp      time.Time  `json:"timestamp"`
}

// PipelineFailed is emitted when a session ends in an error. ItemsCommitted
// is non-zero only for a partial commit.
type PipelineFailed struct {
	SessionID      string    `json:"session_id,omitempty"`
	Stage          string    `json:"stage"`
	Kind           string    `json:"kind"`
	Message        string    `json:"message"`
	Transcript     string    `json:"transcript,omitempty"`
	ItemsCommitted int       `json:"items_committed,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectPipelineState     = "nutrition.pipeline.state"
	SubjectPipelineSucceeded = "nutrition.pipeline.succeeded"
	SubjectPipelineFailed    = "nutrition.pipeline.failed"

	// StreamPipelineOutcomes retains outcomes for late subscribers.
	StreamPipelineOutcomes = "NUTRITION_OUTCOMES"
)
