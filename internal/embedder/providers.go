package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Provider configuration
const (
	ProviderCloudflare = "cloudflare"
	ProviderOpenAI     = "openai"
	ProviderLocal      = "local"

	// Default models
	DefaultCloudflareModel = "@cf/baai/bge-base-en-v1.5"
	DefaultOpenAIModel     = "text-embedding-3-small"
	DefaultLocalModel      = "local-hash-v1"

	// Dimensions
	CloudflareDimension = 768
	OpenAIDimension     = 1536
	LocalDimension      = 384

	// Default endpoints
	DefaultCloudflareBaseURL = "https://api.cloudflare.com/client/v4"
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// httpBackend holds what the hosted providers share: a client, a base URL
// and a bearer token
type httpBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newHTTPBackend(apiKey, baseURL string) httpBackend {
	return httpBackend{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// postJSON sends body to url and decodes the 200 response into out
func (h *httpBackend) postJSON(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// embedBatch runs call under the retry policy and checks the result count
func embedBatch(ctx context.Context, req BatchEmbeddingRequest, call func() ([][]float32, error)) ([][]float32, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	vectors, err := retryWithBackoff(ctx, DefaultRetryConfig(), call)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	if len(vectors) != len(req.Texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrProviderFailed, len(vectors), len(req.Texts))
	}
	return vectors, nil
}

func toEmbeddings(vectors [][]float32, provider, model string) []*Embedding {
	out := make([]*Embedding, len(vectors))
	for i, v := range vectors {
		out[i] = &Embedding{Vector: v, Dimension: len(v), Provider: provider, Model: model}
	}
	return out
}

// single embeds one text through a batch call
func single(ctx context.Context, e Embedder, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := e.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrProviderFailed)
	}
	return resp.Embeddings[0], nil
}

// CloudflareProvider implements Embedder using Workers AI text embeddings
type CloudflareProvider struct {
	httpBackend
	accountID string
	model     string
}

// NewCloudflareProvider creates a Workers AI embedder. baseURL may be empty.
func NewCloudflareProvider(apiKey, accountID, model, baseURL string) (*CloudflareProvider, error) {
	if apiKey == "" || accountID == "" {
		return nil, fmt.Errorf("%w: cloudflare api key and account id are required", ErrNoProviderEnabled)
	}
	if model == "" {
		model = DefaultCloudflareModel
	}
	if baseURL == "" {
		baseURL = DefaultCloudflareBaseURL
	}
	return &CloudflareProvider{
		httpBackend: newHTTPBackend(apiKey, baseURL),
		accountID:   accountID,
		model:       model,
	}, nil
}

func (c *CloudflareProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return single(ctx, c, req)
}

func (c *CloudflareProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	vectors, err := embedBatch(ctx, req, func() ([][]float32, error) {
		return c.callAPI(ctx, req.Texts, model)
	})
	if err != nil {
		return nil, err
	}
	return &BatchEmbeddingResponse{
		Embeddings: toEmbeddings(vectors, ProviderCloudflare, model),
		Provider:   ProviderCloudflare,
		Model:      model,
	}, nil
}

func (c *CloudflareProvider) callAPI(ctx context.Context, texts []string, model string) ([][]float32, error) {
	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, model)

	var apiResp struct {
		Success bool `json:"success"`
		Result  struct {
			Shape []int       `json:"shape"`
			Data  [][]float32 `json:"data"`
		} `json:"result"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.postJSON(ctx, url, map[string]interface{}{"text": texts}, &apiResp); err != nil {
		return nil, err
	}
	if !apiResp.Success {
		msgs := make([]string, 0, len(apiResp.Errors))
		for _, e := range apiResp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("workers ai: %s", strings.Join(msgs, "; "))
	}
	return apiResp.Result.Data, nil
}

func (c *CloudflareProvider) Dimension() int {
	return CloudflareDimension
}

func (c *CloudflareProvider) Provider() string {
	return ProviderCloudflare
}

func (c *CloudflareProvider) Model() string {
	return c.model
}

func (c *CloudflareProvider) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIProvider implements Embedder using the OpenAI embeddings API or any
// compatible endpoint
type OpenAIProvider struct {
	httpBackend
	model string
}

// NewOpenAIProvider creates a new OpenAI embedder. model and baseURL may be empty.
func NewOpenAIProvider(apiKey, model, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key is required", ErrNoProviderEnabled)
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		httpBackend: newHTTPBackend(apiKey, baseURL),
		model:       model,
	}, nil
}

func (o *OpenAIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return single(ctx, o, req)
}

func (o *OpenAIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	vectors, err := embedBatch(ctx, req, func() ([][]float32, error) {
		return o.callAPI(ctx, req.Texts, model)
	})
	if err != nil {
		return nil, err
	}
	return &BatchEmbeddingResponse{
		Embeddings: toEmbeddings(vectors, ProviderOpenAI, model),
		Provider:   ProviderOpenAI,
		Model:      model,
	}, nil
}

func (o *OpenAIProvider) callAPI(ctx context.Context, texts []string, model string) ([][]float32, error) {
	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	body := map[string]interface{}{"input": texts, "model": model}
	if err := o.postJSON(ctx, o.baseURL+"/embeddings", body, &apiResp); err != nil {
		return nil, err
	}

	// data is ordered by index, but don't rely on it
	vectors := make([][]float32, len(texts))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return vectors, nil
}

func (o *OpenAIProvider) Dimension() int {
	return OpenAIDimension
}

func (o *OpenAIProvider) Provider() string {
	return ProviderOpenAI
}

func (o *OpenAIProvider) Model() string {
	return o.model
}

func (o *OpenAIProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider produces deterministic feature-hashed vectors from word and
// character-trigram features. It needs no network and keeps lexically close
// names close in cosine space, which is enough for development and tests.
type LocalProvider struct {
	model string
}

// NewLocalProvider creates a new local embedder
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{model: DefaultLocalModel}
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	vector := hashEmbedding(req.Text, LocalDimension)
	return &Embedding{
		Vector:    vector,
		Dimension: LocalDimension,
		Provider:  ProviderLocal,
		Model:     l.model,
		Hash:      ComputeHash(l.model, req.Text),
	}, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) Dimension() int {
	return LocalDimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

func hashEmbedding(text string, dim int) []float32 {
	vector := make([]float32, dim)
	add := func(feature string, weight float32) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum32()
		idx := int(sum % uint32(dim))
		if sum&(1<<31) != 0 {
			weight = -weight
		}
		vector[idx] += weight
	}

	for _, word := range strings.Fields(NormalizeText(text)) {
		add("w:"+word, 1)
		padded := " " + word + " "
		for i := 0; i+3 <= len(padded); i++ {
			add("t:"+padded[i:i+3], 0.5)
		}
	}
	return NormalizeVector(vector)
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
