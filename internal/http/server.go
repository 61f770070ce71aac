package http

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"braindump/internal/config"
	"braindump/internal/services"
	"braindump/internal/storage"
)

const (
	workflowIdleTTL   = 2 * time.Hour
	multipartOverhead = 1 << 20
)

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	store  storage.SessionStore
}

func NewServer(cfg config.Config) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	blobs, err := storage.NewBlobStore(cfg.DataDir, cfg.BlobBaseURL(), cfg.MaxUploadBytes)
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	store, err := storage.OpenSessionStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}

	openaiSvc := services.NewOpenAIService(cfg)
	api := NewAPI(Deps{
		Config:        cfg,
		Blobs:         blobs,
		Store:         store,
		Transcription: services.NewTranscriptionProxy(cfg, openaiSvc, blobs),
		Structuring:   services.NewStructuringProxy(openaiSvc),
		Signer:        services.NewSigner(cfg),
		PDF:           services.NewPDFService(),
	})

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger())
	engine.Use(MaxBodySize(cfg.MaxUploadBytes + multipartOverhead))
	engine.Use(CORS())

	registerRoutes(engine, api)

	return &Server{engine: engine, cfg: cfg, store: store}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", s.cfg.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.store.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
