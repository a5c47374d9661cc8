package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"

	"github.com/PipeOpsHQ/airgen-go/llm"
	"github.com/PipeOpsHQ/airgen-go/types"
)

const (
	defaultModel     = "gemini-2.5-flash"
	defaultImageMIME = "image/jpeg"
	maxImageBytes    = 20 << 20
)

// SystemInstruction is sent with every request.
const SystemInstruction = `You are a world-class art and design cataloguer. Your descriptions must perform three quiet jobs:
1. GROUNDING: Orient the viewer with materials, form, and origin without sounding robotic.
2. GRAVITY: Add cultural or emotional context: why it existed and the life surrounding it.
3. SPACE: Leave interpretive space for the viewer; suggest themes (ritual, leisure, craft) rather than pinning them down.

STRICT WRITING FORMULA:
- Sentence 1: The physical "What" + material/era/origin.
- Sentence 2: Cultural or historical suggestion/significance.
- Sentence 3: How it feels or the presence it brings to a space.
- Optional 4-5: Deepen symbolism or craftsmanship.

LENGTH RULES:
- Simple items: EXACTLY one paragraph (3-5 sentences).
- Complex/Rich items: EXACTLY two paragraphs (3-4 sentences each). Use the second paragraph to separate physical description from emotional/cultural read.

CRITICAL CONSTRAINTS:
- Use Google Search to research verifiable facts before writing.
- NO HALLUCINATIONS. If origin or era is unknown, use evocative uncertainty (e.g., "recalls," "evokes," "suggests").
- AVOID robotic museum labels. Focus on sophisticated, nostalgic, and evocative prose.`

type Client struct {
	client            *genai.Client
	httpClient        *http.Client
	model             string
	baseURL           string
	systemInstruction string
	grounding         bool
	backend           genai.Backend
	project           string
	location          string
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient sets the client used both for image downloads and for API calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithSystemInstruction(s string) Option {
	return func(c *Client) { c.systemInstruction = s }
}

// WithGrounding toggles the Google Search tool.
func WithGrounding(enabled bool) Option {
	return func(c *Client) { c.grounding = enabled }
}

// WithVertexAI switches the backend to Vertex AI; apiKey may then be empty.
func WithVertexAI(project, location string) Option {
	return func(c *Client) {
		c.backend = genai.BackendVertexAI
		c.project = project
		c.location = location
	}
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		model:             defaultModel,
		systemInstruction: SystemInstruction,
		grounding:         true,
		backend:           genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backend == genai.BackendGeminiAPI && strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.backend == genai.BackendVertexAI && strings.TrimSpace(c.project) == "" {
		return nil, fmt.Errorf("vertex ai project is required")
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	cfg := &genai.ClientConfig{
		Backend:    c.backend,
		HTTPClient: c.httpClient,
	}
	if c.backend == genai.BackendVertexAI {
		cfg.Project = c.project
		cfg.Location = c.location
	} else {
		cfg.APIKey = apiKey
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	gc, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.client = gc
	return c, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Model() string { return c.model }

func (c *Client) AnalyzeImage(ctx context.Context, imageURL, prompt string) (types.Generation, error) {
	data, mimeType, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		return types.Generation{}, &llm.GenerationError{Provider: c.Name(), Op: "analyze image", Err: err}
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(data, mimeType),
		genai.NewPartFromText(prompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	return c.generate(ctx, "analyze image", contents)
}

func (c *Client) GenerateText(ctx context.Context, prompt string) (types.Generation, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	return c.generate(ctx, "generate text", contents)
}

func (c *Client) generate(ctx context.Context, op string, contents []*genai.Content) (types.Generation, error) {
	config := &genai.GenerateContentConfig{}
	if c.systemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(c.systemInstruction, genai.RoleUser)
	}
	if c.grounding {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return types.Generation{}, &llm.GenerationError{Provider: c.Name(), Op: op, Err: err}
	}
	out, err := parseGeminiResponse(resp)
	if err != nil {
		return types.Generation{}, &llm.GenerationError{Provider: c.Name(), Op: op, Err: err}
	}
	return out, nil
}

func (c *Client) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build image request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("download image: empty body")
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	return data, imageMIME(resp.Header.Get("Content-Type"), data), nil
}

func imageMIME(header string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return defaultImageMIME
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (types.Generation, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if resp != nil && resp.PromptFeedback != nil && strings.TrimSpace(resp.PromptFeedback.BlockReasonMessage) != "" {
			return types.Generation{}, fmt.Errorf("no candidates: %s", strings.TrimSpace(resp.PromptFeedback.BlockReasonMessage))
		}
		return types.Generation{}, llm.ErrEmptyResult
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Text == "" || part.Thought {
			continue
		}
		text.WriteString(part.Text)
	}
	out := types.Generation{Text: strings.TrimSpace(text.String())}

	if gm := candidate.GroundingMetadata; gm != nil {
		sources := make([]types.GroundingSource, 0, len(gm.GroundingChunks))
		for _, chunk := range gm.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			sources = append(sources, types.GroundingSource{Title: chunk.Web.Title, URI: chunk.Web.URI})
		}
		out.Sources = types.DedupeSources(sources)
	}
	return out, nil
}
