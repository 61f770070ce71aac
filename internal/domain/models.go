package domain

import (
	"errors"
	"strings"
	"time"
)

// SessionContext frames a brainstorming session. It is required before any
// audio can be attached to a workflow.
type SessionContext struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Objective   string `json:"objective"`
}

// Normalize returns a copy with surrounding whitespace removed from every field.
func (s SessionContext) Normalize() SessionContext {
	return SessionContext{
		Name:        strings.TrimSpace(s.Name),
		Description: strings.TrimSpace(s.Description),
		Objective:   strings.TrimSpace(s.Objective),
	}
}

func (s SessionContext) Validate() error {
	n := s.Normalize()
	var missing []string
	if n.Name == "" {
		missing = append(missing, "name")
	}
	if n.Description == "" {
		missing = append(missing, "description")
	}
	if n.Objective == "" {
		missing = append(missing, "objective")
	}
	if len(missing) > 0 {
		return errors.New("session data must include " + strings.Join(missing, ", "))
	}
	return nil
}

// AudioReference points at the audio for a transcription. Exactly one of
// Data or URL is set.
type AudioReference struct {
	Data        []byte `json:"-"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
}

func (a AudioReference) IsRemote() bool {
	return a.URL != ""
}

func (a AudioReference) Validate() error {
	switch {
	case a.URL != "" && len(a.Data) > 0:
		return errors.New("audio reference must be either bytes or a url, not both")
	case a.URL == "" && len(a.Data) == 0:
		return errors.New("no audio provided")
	}
	return nil
}

type TranscriptionResult struct {
	Text      string `json:"text"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

type CategoryInsightGroup struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Insights    []string `json:"insights"`
}

type StructuredResult struct {
	Summary    string                 `json:"summary"`
	Categories []CategoryInsightGroup `json:"categories"`
}

// StructureOutcome wraps a structured result with whether it is the fixed
// fallback payload rather than collaborator output.
type StructureOutcome struct {
	Result   StructuredResult `json:"result"`
	Fallback bool             `json:"fallback"`
	Cause    string           `json:"cause,omitempty"`
}

type SavedSession struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	SessionData      SessionContext   `json:"sessionData"`
	StructuredOutput StructuredResult `json:"structuredOutput"`
	Transcription    string           `json:"transcription"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}
