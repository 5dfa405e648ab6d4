package types

// GenerateRequest is the payload for POST /generate. Zero-valued optional
// fields are filled from the stored preferences.
type GenerateRequest struct {
	// Required prompt text.
	// example: a cat
	Prompt string `json:"prompt" example:"a cat"`
	// What to steer away from.
	// example: ugly, boring, bad anatomy
	NegativePrompt string `json:"negative_prompt,omitempty" example:"ugly, boring, bad anatomy"`
	// Scheduler variant: pndm or dpmpp.
	// example: dpmpp
	Scheduler string `json:"scheduler,omitempty" example:"dpmpp"`
	// Number of denoising steps.
	// example: 25
	Steps int `json:"steps,omitempty" example:"25"`
	// Number of images to produce in one batch.
	// example: 2
	ImageCount int `json:"image_count,omitempty" example:"2"`
	// Classifier-free guidance scale.
	// example: 7.5
	Guidance *float64 `json:"guidance,omitempty" example:"7.5"`
	// Run the safety checker on outputs.
	// example: true
	SafetyChecker *bool `json:"safety_checker,omitempty" example:"true"`
	// Explicit seed; omitted means the server picks one and reports it.
	// example: 42
	Seed *int64 `json:"seed,omitempty" example:"42"`
	// Stream phase events as NDJSON until the request finishes.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
}

// GenerateResponse is returned when a generation request is accepted.
type GenerateResponse struct {
	// Identity of the accepted request.
	RequestID string `json:"request_id" example:"4b1f2c1e-6f0e-4a51-9d0c-0f3c7f1a2b3c"`
	// Seed that will be used.
	// example: 42
	Seed int64 `json:"seed" example:"42"`
}

// LoadRequest is the payload for POST /models/load.
type LoadRequest struct {
	// example: v1-5
	Model string `json:"model" example:"v1-5"`
}

// LoadResponse acknowledges an asynchronous load.
type LoadResponse struct {
	// example: v1-5
	Model string `json:"model" example:"v1-5"`
	// Either "loading" or "queued" (deferred behind running work).
	// example: loading
	Status string `json:"status" example:"loading"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
	// Currently loaded model id, if any.
	Current string `json:"current,omitempty" example:"v1-5"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// example: generation already in progress
	Error string `json:"error" example:"generation already in progress"`
	// example: 429
	Code int `json:"code" example:"429"`
}

// ImageRef points at one generated image in the gallery.
type ImageRef struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// ResultSummary describes a completed generation without pixel data.
type ResultSummary struct {
	RequestID  string     `json:"request_id"`
	Model      string     `json:"model"`
	Seed       int64      `json:"seed"`
	Images     []ImageRef `json:"images"`
	DurationMS int64      `json:"duration_ms"`
}

// PhaseEvent is one lifecycle update as streamed by /events, /ws and /generate.
type PhaseEvent struct {
	// One of: uninitialized, loading, ready, running, completed, failed, error.
	Phase     string         `json:"phase" example:"running"`
	Model     string         `json:"model,omitempty" example:"v1-5"`
	RequestID string         `json:"request_id,omitempty"`
	Step      *int           `json:"step,omitempty" example:"3"`
	Steps     int            `json:"steps,omitempty" example:"25"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty" example:"incomplete_generation"`
	Result    *ResultSummary `json:"result,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	PhaseEvent
	// Load policy in effect: latest or reject.
	LoadPolicy string `json:"load_policy" example:"latest"`
	// Model id of a deferred load, if any.
	PendingLoad string `json:"pending_load,omitempty"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total successful model loads.
	LoadsTotal uint64 `json:"loads_total" example:"2"`
	// Total generations that reached a terminal event.
	GenerationsTotal uint64 `json:"generations_total" example:"12"`
	// Number of live phase subscribers.
	Subscribers int `json:"subscribers" example:"1"`
}

// GalleryEntry is the metadata of one generated image.
type GalleryEntry struct {
	ID             string  `json:"id" yaml:"id"`
	RequestID      string  `json:"request_id" yaml:"request_id"`
	Index          int     `json:"index" yaml:"index"`
	Prompt         string  `json:"prompt" yaml:"prompt"`
	NegativePrompt string  `json:"negative_prompt" yaml:"negative_prompt"`
	Model          string  `json:"model" yaml:"model"`
	Scheduler      string  `json:"scheduler" yaml:"scheduler"`
	Seed           int64   `json:"seed" yaml:"seed"`
	Steps          int     `json:"steps" yaml:"steps"`
	Guidance       float64 `json:"guidance" yaml:"guidance"`
	Width          int     `json:"width" yaml:"width"`
	Height         int     `json:"height" yaml:"height"`
	CreatedUnix    int64   `json:"created_unix" yaml:"created_unix"`
}

// GalleryResponse lists gallery entries, newest last.
type GalleryResponse struct {
	Images []GalleryEntry `json:"images"`
}

// ExportRequest is the payload for POST /images/{id}/export.
type ExportRequest struct {
	// Target directory; defaults to the configured export dir.
	Dir string `json:"dir,omitempty"`
	// Image format: png (default) or jpeg.
	// example: png
	Format string `json:"format,omitempty" example:"png"`
}

// ExportResponse reports the written files.
type ExportResponse struct {
	ImagePath    string `json:"image_path"`
	MetadataPath string `json:"metadata_path"`
}
