package api

type EmbeddingPayload struct {
	ImagePath      string  `json:"image_path"`
	Model          string  `json:"model"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

type EmbeddingResponse struct {
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`
	Embedding []float32 `json:"embedding"`
}

type ComparePayload struct {
	ImageA string `json:"image_a"`
	ImageB string `json:"image_b"`
	Model  string `json:"model"`
}

type CompareResponse struct {
	Model      string  `json:"model"`
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
}
