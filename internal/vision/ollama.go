package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Message represents a chat message in the Ollama API format. Images are
// base64-encoded and attached to the user message for vision models.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Schema describes the expected JSON output structure for structured chat responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Items       any    `json:"items,omitempty"`
}

// OllamaClient talks to a local Ollama instance over HTTP and implements
// both Captioner and Embedder.
//
// Ollama's embed endpoint is text-only, so EmbedImage derives the image
// vector by generating a terse visual description with the vision model and
// embedding that. Image and text vectors therefore share one space; a CLIP
// sidecar can replace this via the Embedder interface without touching
// callers.
type OllamaClient struct {
	baseURL     string
	visionModel string
	embedModel  string
	httpClient  *http.Client
}

const describePrompt = "Describe this image in detail. Be specific about objects, people, and their arrangement."

// NewOllamaClient creates a client targeting the given Ollama base URL.
// Request deadlines come from the caller's context.
func NewOllamaClient(baseURL, visionModel, embedModel string) *OllamaClient {
	return &OllamaClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		visionModel: visionModel,
		embedModel:  embedModel,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (c *OllamaClient) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Describe returns a plain descriptive caption for the image.
func (c *OllamaClient) Describe(ctx context.Context, image []byte) (string, error) {
	return c.Chat(ctx, c.visionModel, []Message{{
		Role:    "user",
		Content: describePrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(image)},
	}}, nil)
}

// Answer answers a question about one image, or contrasts two.
func (c *OllamaClient) Answer(ctx context.Context, imageA, imageB []byte, question string) (string, error) {
	images := []string{base64.StdEncoding.EncodeToString(imageA)}
	content := question
	if imageB != nil {
		images = append(images, base64.StdEncoding.EncodeToString(imageB))
		content = fmt.Sprintf("Two images are attached in chronological order. %s Describe what changed between them.", question)
	}
	return c.Chat(ctx, c.visionModel, []Message{{
		Role:    "user",
		Content: content,
		Images:  images,
	}}, nil)
}

// EmbedImage captions the image with the vision model and embeds the caption.
func (c *OllamaClient) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	description, err := c.Describe(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("describing image for embedding: %w", err)
	}
	return c.EmbedText(ctx, description)
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   any       `json:"format,omitempty"`
}

// chatResponse is the JSON returned by POST /api/chat (non-streaming).
type chatResponse struct {
	Message Message `json:"message"`
}

// Chat sends messages to the given model and returns the assistant's response.
// When jsonSchema is non-nil, structured JSON output is requested.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	cr := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	}
	if jsonSchema != nil {
		cr.Format = jsonSchema
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: unexpected status %d", resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}

	return strings.TrimSpace(result.Message.Content), nil
}

// embedRequest is the JSON body for POST /api/embed.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the JSON returned by POST /api/embed.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedText returns the embedding vector for the given text.
func (c *OllamaClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.embedModel, Input: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: unexpected status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}

	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embed: empty embeddings array")
	}
	return result.Embeddings[0], nil
}
