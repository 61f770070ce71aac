package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"braindump/internal/domain"
	"braindump/internal/storage"
)

func (a *API) handleListSessions(c *gin.Context) {
	sessions, err := a.store.ListSessions(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []domain.SavedSession{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (a *API) handleSaveSession(c *gin.Context) {
	var payload struct {
		SessionData      domain.SessionContext   `json:"sessionData"`
		StructuredOutput domain.StructuredResult `json:"structuredOutput"`
		Transcription    string                  `json:"transcription"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	if err := payload.SessionData.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Transcription) == "" {
		respondMessage(c, http.StatusBadRequest, "transcription is required")
		return
	}
	if strings.TrimSpace(payload.StructuredOutput.Summary) == "" || len(payload.StructuredOutput.Categories) == 0 {
		respondMessage(c, http.StatusBadRequest, "structured output must include summary and categories")
		return
	}

	saved, err := a.store.SaveSession(c.Request.Context(), currentUser(c), payload.SessionData.Normalize(), payload.StructuredOutput, payload.Transcription)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": saved.ID, "session": saved})
}

func (a *API) handleGetSession(c *gin.Context) {
	session, ok := a.loadSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *API) handleDeleteSession(c *gin.Context) {
	err := a.store.DeleteSession(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondMessage(c, http.StatusNotFound, "session not found")
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleSessionPDF(c *gin.Context) {
	session, ok := a.loadSession(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := a.pdf.WriteSession(&buf, session); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", session.ID+".pdf"))
	c.Data(http.StatusOK, "application/pdf", buf.Bytes())
}

func (a *API) loadSession(c *gin.Context) (domain.SavedSession, bool) {
	session, err := a.store.GetSession(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondMessage(c, http.StatusNotFound, "session not found")
		} else {
			respondError(c, http.StatusInternalServerError, err)
		}
		return domain.SavedSession{}, false
	}
	return session, true
}
