package workflow

import "braindump/internal/domain"

// Event is a state-transition request consumed by Machine.Dispatch.
type Event interface {
	EventName() string
}

// ContextSubmitted completes the setup stage.
type ContextSubmitted struct {
	Context domain.SessionContext `json:"sessionContext"`
}

// AudioSelected replaces the current audio and everything derived from it.
type AudioSelected struct {
	Audio domain.AudioReference `json:"audio"`
}

type AudioCleared struct{}

// Navigated moves to a stage whose prerequisite data exists.
type Navigated struct {
	Stage Stage `json:"stage"`
}

// TranscriptionRequested starts a transcription; the reducer assigns its sequence.
type TranscriptionRequested struct{}

type TranscriptionCompleted struct {
	Seq    uint64                     `json:"seq"`
	Result domain.TranscriptionResult `json:"result"`
}

type TranscriptionFailed struct {
	Seq   uint64 `json:"seq"`
	Error string `json:"error"`
}

type StructuringRequested struct{}

type StructuringCompleted struct {
	Seq     uint64                  `json:"seq"`
	Outcome domain.StructureOutcome `json:"outcome"`
}

type StructuringFailed struct {
	Seq   uint64 `json:"seq"`
	Error string `json:"error"`
}

type SaveRequested struct{}

type SaveCompleted struct {
	Seq uint64 `json:"seq"`
	ID  string `json:"id"`
}

type SaveFailed struct {
	Seq   uint64 `json:"seq"`
	Error string `json:"error"`
}

func (ContextSubmitted) EventName() string       { return "context_submitted" }
func (AudioSelected) EventName() string          { return "audio_selected" }
func (AudioCleared) EventName() string           { return "audio_cleared" }
func (Navigated) EventName() string              { return "navigated" }
func (TranscriptionRequested) EventName() string { return "transcription_requested" }
func (TranscriptionCompleted) EventName() string { return "transcription_completed" }
func (TranscriptionFailed) EventName() string    { return "transcription_failed" }
func (StructuringRequested) EventName() string   { return "structuring_requested" }
func (StructuringCompleted) EventName() string   { return "structuring_completed" }
func (StructuringFailed) EventName() string      { return "structuring_failed" }
func (SaveRequested) EventName() string          { return "save_requested" }
func (SaveCompleted) EventName() string          { return "save_completed" }
func (SaveFailed) EventName() string             { return "save_failed" }

// Transition is published to subscribers after every accepted event.
type Transition struct {
	Seq   uint64 `json:"seq"`
	Type  string `json:"type"`
	Event Event  `json:"event"`
	State State  `json:"state"`
}
