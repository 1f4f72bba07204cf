package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/SaintWyss/ragcore/model"
	"github.com/SaintWyss/ragcore/network"
)

const (
	geminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	generateModel      = "gemini-2.0-flash"
	embedModel         = "text-embedding-004"
	defaultHTTPTimeout = 60 * time.Second
)

// GeminiClient implements Embedder and Generator against the Google
// Generative Language REST API. Transient failures retry under the given
// policy. The API key travels only in the request query string and never
// appears in errors or logs.
type GeminiClient struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	retry         network.Policy
	promptVersion string
}

func NewGeminiClient(apiKey, promptVersion string, retry network.Policy) *GeminiClient {
	return &GeminiClient{
		apiKey:        apiKey,
		baseURL:       geminiBaseURL,
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
		retry:         retry,
		promptVersion: promptVersion,
	}
}

// String keeps the API key out of any formatted representation.
func (c *GeminiClient) String() string {
	return fmt.Sprintf("GeminiClient(model=%s)", generateModel)
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *GeminiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	type request struct {
		Requests []struct {
			Model   string        `json:"model"`
			Content geminiContent `json:"content"`
		} `json:"requests"`
	}
	var req request
	for _, t := range texts {
		req.Requests = append(req.Requests, struct {
			Model   string        `json:"model"`
			Content geminiContent `json:"content"`
		}{
			Model:   "models/" + embedModel,
			Content: geminiContent{Parts: []geminiPart{{Text: t}}},
		})
	}

	var resp struct {
		Embeddings []struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	}
	url := fmt.Sprintf("%s/models/%s:batchEmbedContents", c.baseURL, embedModel)
	if err := c.post(ctx, url, req, &resp); err != nil {
		return nil, model.Unavailable("EmbeddingService", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, model.Ef(model.CodeEmbedding, "embedding service returned %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// promptTemplate is versioned via PROMPT_VERSION; answers must cite the
// numbered sources from the context.
const promptTemplate = `Sos un asistente que responde únicamente con la evidencia provista.
Usá las fuentes numeradas [S#] del contexto y citalas en la respuesta.
Si la evidencia no alcanza, decilo explícitamente.

CONTEXTO:
%s

PREGUNTA: %s`

func (c *GeminiClient) Generate(ctx context.Context, query, contextText string) (string, error) {
	return c.complete(ctx, fmt.Sprintf(promptTemplate, contextText, query))
}

// complete runs one generateContent call with a raw prompt.
func (c *GeminiClient) complete(ctx context.Context, prompt string) (string, error) {
	req := struct {
		Contents []geminiContent `json:"contents"`
	}{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: prompt}},
		}},
	}

	var resp struct {
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, generateModel)
	if err := c.post(ctx, url, req, &resp); err != nil {
		return "", model.Unavailable("LLMService", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", model.E(model.CodeLLM, "empty completion")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// post sends a JSON request, retrying transient failures under the client's
// policy. Error messages carry the status code only; the keyed URL is never
// included.
func (c *GeminiClient) post(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.retry.Do(ctx, "gemini", func() error {
		return c.postOnce(ctx, url, payload, out)
	})
}

func (c *GeminiClient) postOnce(ctx context.Context, url string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"?key="+c.apiKey, bytes.NewReader(payload))
	if err != nil {
		// The raw error would echo the keyed URL.
		return fmt.Errorf("build request failed")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &network.TransientError{Err: sanitizeURLError(err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		if err := network.Classify(resp.StatusCode, retryAfter, fmt.Errorf("language model returned status %d", resp.StatusCode)); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, out)
}

// sanitizeURLError strips the request URL (which embeds the key) from
// transport errors.
func sanitizeURLError(err error) error {
	return fmt.Errorf("transport error: %T", err)
}
