package pipeline

// State is the orchestrator's position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
	StateTranscribing
	StateAnalyzing
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateTranscribing:
		return "transcribing"
	case StateAnalyzing:
		return "analyzing"
	case StateCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// Stage names the step a failure came from.
type Stage string

const (
	StageCapture      Stage = "capture"
	StageFinalizing   Stage = "finalizing"
	StageTranscribing Stage = "transcribing"
	StageAnalyzing    Stage = "analyzing"
	StageCommitting   Stage = "committing"
)

// StageError ties a failure to the step that produced it.
type StageError struct {
	Stage Stage
	Err   error
	// Committed counts entries written before a commit failure.
	Committed int
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }
