package services

import (
	"fmt"
	"io"
	"strings"

	"github.com/jung-kurt/gofpdf/v2"

	"braindump/internal/domain"
)

type PDFService struct{}

func NewPDFService() *PDFService {
	return &PDFService{}
}

// WriteSession renders a saved session as an A4 document.
func (s *PDFService) WriteSession(w io.Writer, session domain.SavedSession) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr(session.SessionData.Name), false)
	pdf.SetAuthor("braindump", false)
	pdf.AddPage()

	title := session.SessionData.Name
	if strings.TrimSpace(title) == "" {
		title = "Brainstorming"
	}

	pdf.SetFont("Helvetica", "B", 18)
	pdf.MultiCell(0, 10, tr(title), "", "L", false)
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 11)
	pdf.MultiCell(0, 6, tr("Beskrivelse: "+session.SessionData.Description), "", "L", false)
	pdf.MultiCell(0, 6, tr("Mål: "+session.SessionData.Objective), "", "L", false)
	pdf.Cell(0, 6, fmt.Sprintf("Opprettet: %s", session.CreatedAt.Local().Format("02.01.2006 15:04")))
	pdf.Ln(12)

	s.writeSection(pdf, tr, "Sammendrag", []string{session.StructuredOutput.Summary}, false)

	for _, cat := range session.StructuredOutput.Categories {
		pdf.Ln(4)
		lines := append([]string{}, cat.Insights...)
		s.writeSection(pdf, tr, cat.Title, lines, true)
		if desc := strings.TrimSpace(cat.Description); desc != "" {
			pdf.SetFont("Helvetica", "I", 10)
			pdf.MultiCell(0, 5, tr(desc), "", "L", false)
		}
	}

	pdf.Ln(6)
	s.writeSection(pdf, tr, "Transkripsjon", strings.Split(session.Transcription, "\n"), false)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func (s *PDFService) writeSection(pdf *gofpdf.Fpdf, tr func(string) string, title string, lines []string, bullet bool) {
	pdf.SetFont("Helvetica", "B", 14)
	pdf.MultiCell(0, 8, tr(title), "", "L", false)
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 12)

	written := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		text := line
		if bullet {
			text = fmt.Sprintf("- %s", line)
		}
		pdf.MultiCell(0, 6, tr(text), "", "L", false)
		written++
	}
	if written == 0 {
		pdf.MultiCell(0, 6, "(tom)", "", "L", false)
	}
}
