package types

// Model represents a discoverable diffusion model directory.
type Model struct {
	// Stable identifier for the model (directory name under the models root).
	// example: v1-5
	ID string `json:"id" example:"v1-5"`
	// Human-friendly name.
	// example: v1-5
	Name string `json:"name" example:"v1-5"`
	// Absolute path to the model directory on disk.
	// example: /home/user/Diffusion/models/v1-5
	Path string `json:"path" example:"/home/user/Diffusion/models/v1-5"`
}

// Preferences are the last-used generation settings.
type Preferences struct {
	Prompt         string  `json:"prompt" yaml:"prompt"`
	NegativePrompt string  `json:"negative_prompt" yaml:"negative_prompt"`
	Model          string  `json:"model" yaml:"model"`
	Scheduler      string  `json:"scheduler" yaml:"scheduler"`
	Guidance       float64 `json:"guidance" yaml:"guidance"`
	Steps          int     `json:"steps" yaml:"steps"`
	ImageCount     int     `json:"image_count" yaml:"image_count"`
	SafetyChecker  bool    `json:"safety_checker" yaml:"safety_checker"`
}
