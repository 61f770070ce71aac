// Package workflow drives the four-stage brainstorming wizard: session setup,
// audio acquisition, transcription and structuring. All state lives in a
// single State value that changes only through Machine.Dispatch.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"braindump/internal/domain"
)

var (
	ErrBusy         = errors.New("operation already in progress")
	ErrPrerequisite = errors.New("prerequisite missing")
	ErrStale        = errors.New("result superseded by a newer request or state change")
	ErrAlreadySaved = errors.New("structured result already saved")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnknownStage = errors.New("unknown stage")
)

type Stage int

const (
	StageSetup Stage = iota + 1
	StageAcquiring
	StageTranscribing
	StageStructuring
)

var stageNames = map[Stage]string{
	StageSetup:        "setup",
	StageAcquiring:    "acquiring",
	StageTranscribing: "transcribing",
	StageStructuring:  "structuring",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

// ParseStage accepts a stage name or its 1-based number.
func ParseStage(value string) (Stage, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for stage, name := range stageNames {
		if value == name || value == strconv.Itoa(int(stage)) {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, value)
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStage(fmt.Sprint(raw))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Operation names a long-running collaborator call.
type Operation string

const (
	OpTranscribe Operation = "transcribe"
	OpStructure  Operation = "structure"
	OpSave       Operation = "save"
)

var operations = []Operation{OpTranscribe, OpStructure, OpSave}

// stage is where an operation's result is shown; leaving it cancels the call.
func (op Operation) stage() Stage {
	if op == OpTranscribe {
		return StageTranscribing
	}
	return StageStructuring
}

// State is a snapshot of one user's workflow. Pointer fields reference
// values that are replaced, never mutated, so copies are safe to share.
type State struct {
	Stage            Stage                       `json:"stage"`
	Context          *domain.SessionContext      `json:"sessionContext,omitempty"`
	Audio            *domain.AudioReference      `json:"audio,omitempty"`
	AudioConsumed    bool                        `json:"audioConsumed"`
	Transcription    *domain.TranscriptionResult `json:"transcription,omitempty"`
	TranscriptionErr string                      `json:"transcriptionError,omitempty"`
	Structured       *domain.StructuredResult    `json:"structuredResult,omitempty"`
	Degraded         bool                        `json:"degraded"`
	StructuringError string                      `json:"structuringError,omitempty"`
	SaveError        string                      `json:"saveError,omitempty"`
	SavedID          string                      `json:"savedId,omitempty"`
	Generation       uint64                      `json:"generation"`
	Transcribing     bool                        `json:"transcribing"`
	Structuring      bool                        `json:"structuring"`
	Saving           bool                        `json:"saving"`

	lastSeq uint64
	pending map[Operation]uint64
}

func newState() State {
	return State{Stage: StageSetup}
}

// Pending returns the sequence number of the in-flight request for op, or 0.
func (s State) Pending(op Operation) uint64 {
	return s.pending[op]
}

func (s State) HasTranscript() bool {
	return s.Transcription != nil && s.Transcription.Succeeded
}

func (s State) clone() State {
	out := s
	out.pending = make(map[Operation]uint64, len(s.pending))
	for op, seq := range s.pending {
		out.pending[op] = seq
	}
	return out
}
