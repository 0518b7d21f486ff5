package models

// ModelDetails mirrors the detail block Ollama returns per model.
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families,omitempty"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// ModelInfo is one entry of the local model catalog.
type ModelInfo struct {
	Name       string        `json:"name"`
	ModifiedAt string        `json:"modified_at"`
	Size       int64         `json:"size"`
	Digest     string        `json:"digest"`
	Details    *ModelDetails `json:"details,omitempty"`
}

// ModelsResponse is the catalog listing payload.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}
