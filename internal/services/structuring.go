package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"braindump/internal/domain"
)

const (
	MinCategories        = 3
	MaxCategories        = 6
	MaxInsightsPerGroup  = 7
	FallbackSummary      = "Kunne ikke generere sammendrag på grunn av behandlingsfeil. Vennligst gå gjennom transkripsjonen manuelt."
	FallbackCategory     = "Sesjonsinnhold"
	FallbackDescription  = "Råe innsikter fra brainstorming-sesjonen"
	FallbackInsightFirst = "Behandlingsfeil oppstod - vennligst gå gjennom transkripsjonen manuelt for viktige innsikter"
	FallbackInsightOther = "Vurder å kjøre analysen på nytt eller sjekke lydkvaliteten"
)

const structureSystemPrompt = `Du er en erfaren forretningsrådgiver som hjelper gründere med å rydde i brainstorming-økter.

Les transkripsjonen og lag en strukturert oversikt som hjelper deltakerne å forstå sine egne ideer.

INSTRUKSJONER:
1. Skriv et sammendrag av hele økten på 2-3 setninger.
2. Finn 3-6 kategorier som faktisk kom frem i samtalen. Kategoriene skal være konkrete for denne økten, relevante for målet og navngitt slik deltakerne ville forstått dem.
3. Trekk ut 3-7 konkrete innsikter per kategori. Bruk deltakernes egne ord der det går, og ta med både ideer og bekymringer.

Svar kun med gyldig JSON på formen:
{
  "summary": "string",
  "categories": [
    {"title": "string", "description": "string", "insights": ["string"]}
  ]
}

Hver kategori har en tittel, en beskrivelse på én setning og en liste med innsikter.

ALL TEKST MÅ VÆRE PÅ NORSK.`

type ChatCompleter interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// StructuringProxy organizes a transcript into categories. Collaborator
// failures never reach the caller: they are replaced by FallbackResult.
type StructuringProxy struct {
	chat ChatCompleter
}

func NewStructuringProxy(chat ChatCompleter) *StructuringProxy {
	return &StructuringProxy{chat: chat}
}

// FallbackResult is the fixed payload returned when structuring fails.
func FallbackResult() domain.StructuredResult {
	return domain.StructuredResult{
		Summary: FallbackSummary,
		Categories: []domain.CategoryInsightGroup{
			{
				Title:       FallbackCategory,
				Description: FallbackDescription,
				Insights:    []string{FallbackInsightFirst, FallbackInsightOther},
			},
		},
	}
}

func (p *StructuringProxy) Structure(ctx context.Context, transcript string, sc domain.SessionContext) (domain.StructureOutcome, error) {
	if strings.TrimSpace(transcript) == "" {
		return domain.StructureOutcome{}, validationError("transcription and session data are required")
	}
	if err := sc.Validate(); err != nil {
		return domain.StructureOutcome{}, validationError(err.Error())
	}

	content, err := p.chat.CompleteJSON(ctx, structureSystemPrompt, buildStructureUserPrompt(transcript, sc.Normalize()))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.StructureOutcome{}, ctxErr
		}
		return fallbackOutcome(fmt.Errorf("%w: %v", ErrCollaborator, err)), nil
	}

	result, err := ParseStructuredResult(content)
	if err != nil {
		return fallbackOutcome(fmt.Errorf("%w: %v", ErrCollaborator, err)), nil
	}

	return domain.StructureOutcome{Result: result}, nil
}

func fallbackOutcome(cause error) domain.StructureOutcome {
	log.Printf("structuring fell back to fixed payload: %v", cause)
	return domain.StructureOutcome{Result: FallbackResult(), Fallback: true, Cause: cause.Error()}
}

func buildStructureUserPrompt(transcript string, sc domain.SessionContext) string {
	var b strings.Builder
	b.WriteString("KONTEKST FOR BRAINSTORMING-ØKTEN:\n")
	fmt.Fprintf(&b, "- Navn: %q\n", sc.Name)
	fmt.Fprintf(&b, "- Beskrivelse: %q\n", sc.Description)
	fmt.Fprintf(&b, "- Mål: %q\n\n", sc.Objective)
	b.WriteString("TRANSKRIPSJON:\n")
	b.WriteString(strings.TrimSpace(transcript))
	b.WriteString("\n\nAnalyser økten og returner strukturert JSON på norsk.")
	return b.String()
}

type rawCategory struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Insights    []string `json:"insights"`
}

type rawStructured struct {
	Summary    *string       `json:"summary"`
	Categories []rawCategory `json:"categories"`
}

// ParseStructuredResult decodes collaborator output and checks it against
// the structured result shape. Insight lists longer than MaxInsightsPerGroup
// are truncated.
func ParseStructuredResult(content string) (domain.StructuredResult, error) {
	content = stripCodeFence(content)
	if content == "" {
		return domain.StructuredResult{}, errors.New("empty response")
	}

	var raw rawStructured
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return domain.StructuredResult{}, fmt.Errorf("decode structured result: %w", err)
	}

	if raw.Summary == nil || strings.TrimSpace(*raw.Summary) == "" {
		return domain.StructuredResult{}, errors.New("summary is missing")
	}
	if n := len(raw.Categories); n < MinCategories || n > MaxCategories {
		return domain.StructuredResult{}, fmt.Errorf("expected %d-%d categories, got %d", MinCategories, MaxCategories, n)
	}

	result := domain.StructuredResult{
		Summary:    strings.TrimSpace(*raw.Summary),
		Categories: make([]domain.CategoryInsightGroup, 0, len(raw.Categories)),
	}
	for i, cat := range raw.Categories {
		if cat.Title == nil || strings.TrimSpace(*cat.Title) == "" {
			return domain.StructuredResult{}, fmt.Errorf("category %d has no title", i)
		}
		if cat.Description == nil {
			return domain.StructuredResult{}, fmt.Errorf("category %d has no description", i)
		}

		insights := make([]string, 0, len(cat.Insights))
		for _, insight := range cat.Insights {
			if insight = strings.TrimSpace(insight); insight != "" {
				insights = append(insights, insight)
			}
		}
		if len(insights) == 0 {
			return domain.StructuredResult{}, fmt.Errorf("category %d has no insights", i)
		}
		if len(insights) > MaxInsightsPerGroup {
			insights = insights[:MaxInsightsPerGroup]
		}

		result.Categories = append(result.Categories, domain.CategoryInsightGroup{
			Title:       strings.TrimSpace(*cat.Title),
			Description: strings.TrimSpace(*cat.Description),
			Insights:    insights,
		})
	}

	return result, nil
}

func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.Index(content, "\n"); idx >= 0 {
		content = content[idx+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(content), "```"))
}
