package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"diffusiond/docs"
	"diffusiond/internal/manager"
	"diffusiond/internal/state"
	"diffusiond/pkg/types"
)

// Engine is the manager surface used by the HTTP layer.
type Engine interface {
	Current() *manager.ModelInfo
	Load(id string) (manager.LoadStatus, error)
	Submit(req manager.GenerationRequest) (manager.Ticket, error)
	Cancel(requestID string) bool
	Status() types.StatusResponse
	Ready() bool
	Subscribe() *state.Subscription[manager.Phase]
}

// ModelLister enumerates the models root.
type ModelLister interface {
	Models() ([]types.Model, error)
}

// Gallery serves generated images.
type Gallery interface {
	List() []types.GalleryEntry
	Get(id string) (types.GalleryEntry, error)
	PNG(id string) ([]byte, error)
	Thumbnail(id string, width int) ([]byte, error)
	Export(id, dir, format string) (types.ExportResponse, error)
}

// Preferences stores last-used generation settings.
type Preferences interface {
	Get() types.Preferences
	Set(types.Preferences) error
	Apply(types.GenerateRequest) types.GenerateRequest
	Remember(req types.GenerateRequest, model string) error
	RememberModel(model string) error
}

// Deps groups everything the handlers need.
type Deps struct {
	Engine  Engine
	Models  ModelLister
	Gallery Gallery
	Prefs   Preferences
}

type server struct {
	Deps
}

// NewMux builds the router. Streaming endpoints stay outside the compression
// group so that every event is flushed as it happens.
func NewMux(d Deps) http.Handler {
	s := &server{Deps: d}
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(logRequests)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/models", s.handleModels)
		r.Post("/models/load", s.handleLoad)
		r.Get("/status", s.handleStatus)
		r.Get("/images", s.handleImages)
		r.Get("/prefs", s.handleGetPrefs)
		r.Put("/prefs", s.handlePutPrefs)
		r.Get("/openapi.json", handleOpenAPI)
	})

	r.Post("/generate", s.handleGenerate)
	r.Delete("/generate/{id}", s.handleCancel)
	r.Get("/events", s.handleEvents)
	r.Get("/ws", s.handleWS)
	r.Get("/images/{id}.png", s.handleImagePNG)
	r.Get("/images/{id}/thumb", s.handleThumb)
	r.Post("/images/{id}/export", s.handleExport)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.Engine.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.Models.Models()
	if err != nil {
		writeError(w, err)
		return
	}
	resp := types.ModelsResponse{Models: models}
	if cur := s.Engine.Current(); cur != nil {
		resp.Current = cur.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	st, err := s.Engine.Load(req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Prefs.RememberModel(req.Model); err != nil {
		zlog.Warn().Err(err).Msg("prefs event=save_error")
	}
	status := http.StatusAccepted
	if st == manager.LoadCurrent {
		status = http.StatusOK
	}
	writeJSON(w, status, types.LoadResponse{Model: req.Model, Status: string(st)})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Status())
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body types.GenerateRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}
	body = s.Prefs.Apply(body)
	req := toGenerationRequest(body)
	if !body.Stream {
		tk, err := s.Engine.Submit(req)
		if err != nil {
			writeError(w, err)
			return
		}
		s.remember(body)
		writeJSON(w, http.StatusAccepted, types.GenerateResponse{RequestID: tk.RequestID, Seed: tk.Seed})
		return
	}
	// Subscribe first so the run's first phase cannot be missed.
	sub := s.Engine.Subscribe()
	defer sub.Close()
	tk, err := s.Engine.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.remember(body)
	s.streamRun(w, r, sub, tk)
}

func (s *server) remember(body types.GenerateRequest) {
	model := ""
	if cur := s.Engine.Current(); cur != nil {
		model = cur.ID
	}
	if err := s.Prefs.Remember(body, model); err != nil {
		zlog.Warn().Err(err).Msg("prefs event=save_error")
	}
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Engine.Cancel(id) {
		writeJSONError(w, http.StatusNotFound, "no running request "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleImages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.GalleryResponse{Images: s.Gallery.List()})
}

func (s *server) handleImagePNG(w http.ResponseWriter, r *http.Request) {
	data, err := s.Gallery.PNG(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func (s *server) handleThumb(w http.ResponseWriter, r *http.Request) {
	width := defaultThumbWidth
	if v := r.URL.Query().Get("w"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "w must be a positive integer")
			return
		}
		width = n
	}
	data, err := s.Gallery.Thumbnail(chi.URLParam(r, "id"), width)
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req types.ExportRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	res, err := s.Gallery.Export(chi.URLParam(r, "id"), req.Dir, req.Format)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleGetPrefs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Prefs.Get())
}

func (s *server) handlePutPrefs(w http.ResponseWriter, r *http.Request) {
	var p types.Preferences
	if !decodeJSON(w, r, &p, false) {
		return
	}
	if err := s.Prefs.Set(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Prefs.Get())
}

func handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, docs.SwaggerInfo.ReadDoc())
}

// decodeJSON enforces the content type and body limit. With optional set,
// an empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if optional && r.ContentLength == 0 {
		return true
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func toGenerationRequest(b types.GenerateRequest) manager.GenerationRequest {
	req := manager.GenerationRequest{
		Prompt:         b.Prompt,
		NegativePrompt: b.NegativePrompt,
		Scheduler:      manager.Scheduler(strings.ToLower(b.Scheduler)),
		Steps:          b.Steps,
		ImageCount:     b.ImageCount,
		Seed:           b.Seed,
	}
	if b.Guidance != nil {
		req.Guidance = *b.Guidance
	}
	if b.SafetyChecker != nil {
		req.SafetyChecker = *b.SafetyChecker
	}
	return req
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
