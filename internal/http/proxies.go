package http

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"braindump/internal/domain"
	"braindump/internal/services"
	"braindump/internal/storage"
)

var errNoAudio = errors.New("no audio file provided")

type audioURLPayload struct {
	AudioURL    string `json:"audioUrl"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// audioFromRequest accepts either a JSON body naming an uploaded blob or a
// multipart form carrying the recording in the "audio" field.
func audioFromRequest(c *gin.Context) (domain.AudioReference, error) {
	if c.ContentType() == "application/json" {
		var payload audioURLPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			return domain.AudioReference{}, err
		}
		if strings.TrimSpace(payload.AudioURL) == "" {
			return domain.AudioReference{}, errNoAudio
		}
		return domain.AudioReference{
			URL:         strings.TrimSpace(payload.AudioURL),
			Filename:    payload.Filename,
			ContentType: payload.ContentType,
		}, nil
	}

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		if isBodyTooLarge(err) {
			return domain.AudioReference{}, err
		}
		return domain.AudioReference{}, errNoAudio
	}

	file, err := fileHeader.Open()
	if err != nil {
		return domain.AudioReference{}, fmt.Errorf("open uploaded audio: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return domain.AudioReference{}, fmt.Errorf("read uploaded audio: %w", err)
	}
	if len(data) == 0 {
		return domain.AudioReference{}, errNoAudio
	}

	return domain.AudioReference{
		Data:        data,
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
	}, nil
}

func respondAudioError(c *gin.Context, err error) {
	if isBodyTooLarge(err) {
		respondMessage(c, http.StatusRequestEntityTooLarge, "audio file exceeds maximum size")
		return
	}
	if errors.Is(err, errNoAudio) {
		respondMessage(c, http.StatusBadRequest, "No audio file provided")
		return
	}
	respondError(c, http.StatusBadRequest, err)
}

func (a *API) handleTranscribe(c *gin.Context) {
	ref, err := audioFromRequest(c)
	if err != nil {
		respondAudioError(c, err)
		return
	}

	result, err := a.transcription.Transcribe(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			respondError(c, http.StatusBadRequest, err)
			return
		}
		respondFailure(c, http.StatusInternalServerError, "Failed to transcribe audio", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transcription": result.Text,
		"success":       true,
	})
}

func (a *API) handleStructure(c *gin.Context) {
	var payload struct {
		Transcription string                `json:"transcription"`
		SessionData   domain.SessionContext `json:"sessionData"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	outcome, err := a.structuring.Structure(c.Request.Context(), payload.Transcription, payload.SessionData)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			respondError(c, http.StatusBadRequest, err)
			return
		}
		respondFailure(c, http.StatusInternalServerError, "Failed to structure text", err)
		return
	}

	if outcome.Fallback {
		c.Header(fallbackHeader, "true")
	}
	c.JSON(http.StatusOK, outcome.Result)
}

func (a *API) handleUploadAudio(c *gin.Context) {
	var payload struct {
		Pathname    string `json:"pathname"`
		ContentType string `json:"contentType"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	name, err := storage.NewBlobName(payload.Pathname, payload.ContentType)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	c.JSON(http.StatusOK, a.signer.SignUpload(name, payload.ContentType))
}

// handlePutBlob receives the body of a client upload authorized by a grant
// from handleUploadAudio.
func (a *API) handlePutBlob(c *gin.Context) {
	name := c.Param("name")
	contentType := c.Query("ct")

	exp, err := strconv.ParseInt(c.Query("exp"), 10, 64)
	if err != nil {
		respondMessage(c, http.StatusForbidden, "invalid upload token")
		return
	}
	if err := a.signer.ValidateUpload(name, contentType, exp, c.Query("token")); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, services.ErrTokenExpired) {
			status = http.StatusGone
		}
		respondError(c, status, err)
		return
	}

	if header := c.GetHeader("Content-Type"); header != "" {
		sent, _, _ := mime.ParseMediaType(header)
		granted, _, _ := mime.ParseMediaType(contentType)
		if !strings.EqualFold(sent, granted) {
			respondMessage(c, http.StatusBadRequest, "content type does not match upload grant")
			return
		}
	}

	blobURL, err := a.blobs.Save(name, c.Request.Body)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidBlobName):
			respondError(c, http.StatusBadRequest, err)
		case isBodyTooLarge(err):
			respondError(c, http.StatusRequestEntityTooLarge, storage.ErrTooLarge)
		default:
			respondError(c, http.StatusInternalServerError, err)
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"url":         blobURL,
		"pathname":    name,
		"contentType": contentType,
	})
}

func (a *API) handleGetBlob(c *gin.Context) {
	p, err := a.blobs.Path(c.Param("name"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if _, err := os.Stat(p); err != nil {
		respondMessage(c, http.StatusNotFound, "blob not found")
		return
	}
	c.File(p)
}
