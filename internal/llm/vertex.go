package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"
)

const vertexTimeout = 60 * time.Second

// Vertex implements Model on Vertex AI through the unified Gen AI SDK
type Vertex struct {
	client    *genai.Client
	modelName string
	timeout   time.Duration
}

// NewVertex creates a Vertex AI model client. Credentials come from the
// environment (application default credentials).
func NewVertex(ctx context.Context, project, location, modelName string) (*Vertex, error) {
	if project == "" {
		return nil, fmt.Errorf("vertex project is required")
	}
	if location == "" {
		location = "europe-west1"
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend:  genai.BackendVertexAI,
		Project:  project,
		Location: location,
	})
	if err != nil {
		return nil, fmt.Errorf("creating vertex client: %w", err)
	}

	return &Vertex{
		client:    client,
		modelName: modelName,
		timeout:   vertexTimeout,
	}, nil
}

// Complete sends the request to Vertex AI
func (v *Vertex) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := v.client.Models.GenerateContent(ctx, v.modelName, genai.Text(req.Prompt), config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
			return "", NewRateLimitError("vertex", err, 0)
		}
		return "", fmt.Errorf("generating content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", ErrNoResponse
	}
	return text, nil
}

// Close is a no-op; the Gen AI client holds no resources to release
func (v *Vertex) Close() error {
	return nil
}
