package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"braindump/internal/config"
	"braindump/internal/services"
	"braindump/internal/storage"
	"braindump/internal/workflow"
)

const fallbackHeader = "X-Structuring-Fallback"

// Deps wires the API to its collaborators.
type Deps struct {
	Config        config.Config
	Blobs         *storage.BlobStore
	Store         storage.SessionStore
	Transcription *services.TranscriptionProxy
	Structuring   *services.StructuringProxy
	Signer        *services.Signer
	PDF           *services.PDFService
}

type API struct {
	cfg           config.Config
	blobs         *storage.BlobStore
	store         storage.SessionStore
	transcription *services.TranscriptionProxy
	structuring   *services.StructuringProxy
	signer        *services.Signer
	pdf           *services.PDFService
	workflows     *workflow.Registry
}

func NewAPI(deps Deps) *API {
	registry := workflow.NewRegistry(workflow.Deps{
		Transcriber: deps.Transcription,
		Structurer:  deps.Structuring,
		Saver:       deps.Store,
	}, workflowIdleTTL)

	return &API{
		cfg:           deps.Config,
		blobs:         deps.Blobs,
		store:         deps.Store,
		transcription: deps.Transcription,
		structuring:   deps.Structuring,
		signer:        deps.Signer,
		pdf:           deps.PDF,
		workflows:     registry,
	}
}

func registerRoutes(r *gin.Engine, api *API) {
	r.PUT("/blobs/:name", api.handlePutBlob)
	r.GET("/blobs/:name", api.handleGetBlob)

	apiGroup := r.Group("/api")
	apiGroup.GET("/health", api.handleHealth)

	authed := apiGroup.Group("")
	authed.Use(RequireUser(api.signer))
	{
		authed.POST("/transcribe", api.handleTranscribe)
		authed.POST("/structure", api.handleStructure)
		authed.POST("/upload-audio", api.handleUploadAudio)

		authed.GET("/sessions", api.handleListSessions)
		authed.POST("/sessions", api.handleSaveSession)
		authed.GET("/sessions/:id", api.handleGetSession)
		authed.DELETE("/sessions/:id", api.handleDeleteSession)
		authed.GET("/sessions/:id/pdf", api.handleSessionPDF)

		authed.POST("/workflows", api.handleCreateWorkflow)
		authed.GET("/workflows/:id", api.handleGetWorkflow)
		authed.DELETE("/workflows/:id", api.handleDeleteWorkflow)
		authed.PUT("/workflows/:id/context", api.handleWorkflowContext)
		authed.POST("/workflows/:id/audio", api.handleWorkflowAudio)
		authed.DELETE("/workflows/:id/audio", api.handleWorkflowClearAudio)
		authed.POST("/workflows/:id/transcribe", api.handleWorkflowTranscribe)
		authed.POST("/workflows/:id/structure", api.handleWorkflowStructure)
		authed.POST("/workflows/:id/navigate", api.handleWorkflowNavigate)
		authed.POST("/workflows/:id/save", api.handleWorkflowSave)
		authed.GET("/workflows/:id/events", api.handleWorkflowEvents)
	}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
}

func respondError(c *gin.Context, status int, err error) {
	respondMessage(c, status, err.Error())
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func respondFailure(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{"error": message, "details": err.Error()})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, storage.ErrTooLarge)
}
