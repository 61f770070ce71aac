package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"braindump/internal/domain"
	"braindump/internal/services"
	"braindump/internal/workflow"
)

func (a *API) handleCreateWorkflow(c *gin.Context) {
	m := a.workflows.Create(currentUser(c))
	c.JSON(http.StatusCreated, gin.H{"id": m.ID(), "state": m.State()})
}

func (a *API) handleGetWorkflow(c *gin.Context) {
	m, ok := a.loadWorkflow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": m.ID(), "state": m.State()})
}

func (a *API) handleDeleteWorkflow(c *gin.Context) {
	if err := a.workflows.Delete(c.Param("id"), currentUser(c)); err != nil {
		respondMessage(c, http.StatusNotFound, "workflow not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleWorkflowContext(c *gin.Context) {
	m, ok := a.loadWorkflow(c)
	if !ok {
		return
	}

	var payload domain.SessionContext
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	state, err := m.SubmitContext(payload)
	respondWorkflow(c, m, state, err)
}

func (a *API) handleWorkflowAudio(c *gin.Context) {
	m, ok := a.loadWorkflow(c)
	if !ok {
		return
	}

	ref, err := audioFromRequest(c)
	if err != nil {
		respondAudioError(c, err)
		return
	}
	if ref.IsRemote() {
		if _, err := a.blobs.NameFromURL(ref.URL); err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
	}

	state, err := m.SelectAudio(ref)
	respondWorkflow(c, m, state, err)
}

func (a *API) handleWorkflowClearAudio(c *gin.Context) {
	m, ok := a.loadWorkflow(c)
	if !ok {
		return
	}
	state, err := m.ClearAudio()
	respondWorkflow(c, m, state, err)
}

func (a *API) handleWorkflowTranscribe(c *gin.Context) {
	m, ok := a.loadWorkflow(c)
	if !ok {
		return
	}
	state, err := m.Transcribe(c.Request.Context())
	respondWorkflow(c, m, state, err)
}

func (a *API) handleWorkflowStructure(c *gin.Context) {
	m, ok := a.loadWorkflow(c)
	if !ok {
		return
	}
	state, err := m.Structure(c.Request.Context())
	if err == nil && state.Degraded {
		c.Header(fallbackHeader, "true")
	}
	respondWorkflow(c, m, state, err)
}

func (a *API) handleWorkflowNavigate(c *gin.Context) {
	m, ok := a.loadWorkflow(c)
	if !ok {
		return
	}

	var payload struct {
		Stage workflow.Stage `json:"stage"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	state, err := m.Navigate(payload.Stage)
	respondWorkflow(c, m, state, err)
}

func (a *API) handleWorkflowSave(c *gin.Context) {
	m, ok := a.loadWorkflow(c)
	if !ok {
		return
	}
	state, err := m.Save(c.Request.Context())
	respondWorkflow(c, m, state, err)
}

func (a *API) loadWorkflow(c *gin.Context) (*workflow.Machine, bool) {
	m, err := a.workflows.Get(c.Param("id"), currentUser(c))
	if err != nil {
		respondMessage(c, http.StatusNotFound, "workflow not found")
		return nil, false
	}
	return m, true
}

// respondWorkflow reports the machine state alongside any error so clients
// can re-render without a second request.
func respondWorkflow(c *gin.Context, m *workflow.Machine, state workflow.State, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"id": m.ID(), "state": state})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrInvalidInput), errors.Is(err, workflow.ErrUnknownStage),
		errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case workflow.IsConflict(err):
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{"id": m.ID(), "error": err.Error(), "state": state})
}
