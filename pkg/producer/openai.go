package producer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/reelworks/reel/pkg/models"
)

// OpenAIProducer is the live adapter for OpenAI-backed producers: chat
// completions for text artifacts and image generation for image artifacts.
// Input bindings are mapped onto the request through the job's sdk field
// mapping.
type OpenAIProducer struct {
	client openai.Client
}

// NewOpenAIProducer creates the adapter. apiKey falls back to the SDK's
// environment lookup when empty.
func NewOpenAIProducer(apiKey string) *OpenAIProducer {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIProducer{client: openai.NewClient(opts...)}
}

// Produce dispatches one job. The model name decides the endpoint: image
// models generate one image per produced artifact, everything else runs a
// single chat completion whose text becomes the primary output.
func (p *OpenAIProducer) Produce(ctx context.Context, req *Request) (*Result, error) {
	prompt, err := p.buildPrompt(ctx, req)
	if err != nil {
		return failure(req.Job.ID, err, false), nil
	}

	if strings.Contains(req.Job.ProviderModel, "image") || strings.HasPrefix(req.Job.ProviderModel, "dall-e") {
		return p.produceImage(ctx, req, prompt)
	}
	return p.produceText(ctx, req, prompt)
}

// buildPrompt renders the job's bound input values into a prompt. The sdk
// field mapping renames binding keys; fan-in collections are concatenated in
// order.
func (p *OpenAIProducer) buildPrompt(ctx context.Context, req *Request) (string, error) {
	jobCtx := req.Job.Context
	if jobCtx == nil {
		return "", fmt.Errorf("job %s has no context bindings", req.Job.ID)
	}

	var b strings.Builder
	for _, key := range sortedKeys(jobCtx.Bindings) {
		id := jobCtx.Bindings[key]
		field := key
		if mapped, ok := jobCtx.SDKFields[key]; ok {
			field = mapped
		}
		if v, ok := req.Inputs.GetByCanonicalID(id); ok {
			fmt.Fprintf(&b, "%s: %v\n", field, v)
			continue
		}
		data, _, err := req.Artefacts.ExpectBlob(ctx, id)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", id, err)
		}
		fmt.Fprintf(&b, "%s: %s\n", field, string(data))
	}
	for _, key := range sortedKeys(jobCtx.FanIn) {
		for i, id := range jobCtx.FanIn[key] {
			data, _, err := req.Artefacts.ExpectBlob(ctx, id)
			if err != nil {
				return "", fmt.Errorf("resolve %s: %w", id, err)
			}
			fmt.Fprintf(&b, "%s[%d]: %s\n", key, i, string(data))
		}
	}
	return b.String(), nil
}

func (p *OpenAIProducer) produceText(ctx context.Context, req *Request, prompt string) (*Result, error) {
	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Job.ProviderModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return failure(req.Job.ID, err, isRateLimited(err)), nil
	}
	if len(completion.Choices) == 0 {
		return failure(req.Job.ID, fmt.Errorf("empty completion"), true), nil
	}

	text := completion.Choices[0].Message.Content
	result := &Result{JobID: req.Job.ID, Status: models.ArtefactSucceeded}
	for _, artefactID := range req.Job.Produces {
		result.Artefacts = append(result.Artefacts, &ProducedArtefact{
			ArtefactID: artefactID,
			Status:     models.ArtefactSucceeded,
			Blob:       &BlobData{Data: []byte(text), MimeType: "text/plain"},
		})
	}
	return result, nil
}

func (p *OpenAIProducer) produceImage(ctx context.Context, req *Request, prompt string) (*Result, error) {
	image, err := p.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(req.Job.ProviderModel),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	})
	if err != nil {
		return failure(req.Job.ID, err, isRateLimited(err)), nil
	}
	if len(image.Data) == 0 {
		return failure(req.Job.ID, fmt.Errorf("empty image response"), true), nil
	}
	data, err := base64.StdEncoding.DecodeString(image.Data[0].B64JSON)
	if err != nil {
		return failure(req.Job.ID, fmt.Errorf("decode image: %w", err), false), nil
	}

	result := &Result{JobID: req.Job.ID, Status: models.ArtefactSucceeded}
	for _, artefactID := range req.Job.Produces {
		result.Artefacts = append(result.Artefacts, &ProducedArtefact{
			ArtefactID: artefactID,
			Status:     models.ArtefactSucceeded,
			Blob:       &BlobData{Data: data, MimeType: "image/png"},
		})
	}
	return result, nil
}

func failure(jobID string, err error, recoverable bool) *Result {
	kind := "ProviderError"
	if isRateLimited(err) {
		kind = "RateLimited"
	}
	return &Result{
		JobID:  jobID,
		Status: models.ArtefactFailed,
		Diagnostics: &models.Diagnostics{
			Kind:        kind,
			Message:     err.Error(),
			Recoverable: recoverable,
			Provider:    "openai",
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
