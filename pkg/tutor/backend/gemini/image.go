package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// ErrNoImage is returned when the model answered without image data.
var ErrNoImage = errors.New("model returned no image")

// contentGenerator is the subset of genai.Models used for illustrations.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// ImageGenerator renders learning-material illustrations and returns them as
// data URIs. It satisfies material.ImageGenerator.
type ImageGenerator struct {
	models      contentGenerator
	model       string
	aspectRatio string
}

func NewImageGenerator(client *genai.Client, cfg Config) *ImageGenerator {
	cfg = cfg.withDefaults()
	return &ImageGenerator{models: client.Models, model: cfg.ImageModel, aspectRatio: cfg.AspectRatio}
}

func (g *ImageGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("image prompt is empty")
	}
	contents := []*genai.Content{genai.NewContentFromText(illustrationPrompt(prompt), genai.RoleUser)}
	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityImage)},
		ImageConfig:        &genai.ImageConfig{AspectRatio: g.aspectRatio},
	})
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}
	return dataURIFromResponse(resp)
}

func illustrationPrompt(prompt string) string {
	return "A clear, friendly educational illustration for a student, no text labels: " + prompt
}

func dataURIFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrNoImage
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mime := part.InlineData.MIMEType
			if !strings.HasPrefix(mime, "image/") {
				continue
			}
			return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(part.InlineData.Data), nil
		}
	}
	return "", ErrNoImage
}
