// Package gemini connects tutoring sessions to the Gemini Live API and
// generates learning-material illustrations with Gemini image models.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultLiveModel  = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultImageModel = "gemini-2.5-flash-image"
	DefaultVoice      = "Puck"
)

// Config selects the backend and credentials. Project and Location are only
// used with Vertex AI.
type Config struct {
	APIKey   string
	Vertex   bool
	Project  string
	Location string

	LiveModel  string
	ImageModel string
	Voice      string
	Language   string
	// AspectRatio applies to generated illustrations.
	AspectRatio string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.LiveModel) == "" {
		c.LiveModel = DefaultLiveModel
	}
	if strings.TrimSpace(c.ImageModel) == "" {
		c.ImageModel = DefaultImageModel
	}
	if strings.TrimSpace(c.Voice) == "" {
		c.Voice = DefaultVoice
	}
	if strings.TrimSpace(c.AspectRatio) == "" {
		c.AspectRatio = "16:9"
	}
	return c
}

// NewClient builds a genai client for cfg.
func NewClient(ctx context.Context, cfg Config) (*genai.Client, error) {
	cc := &genai.ClientConfig{Backend: genai.BackendGeminiAPI, APIKey: strings.TrimSpace(cfg.APIKey)}
	if cfg.Vertex {
		cc = &genai.ClientConfig{
			Backend:  genai.BackendVertexAI,
			Project:  strings.TrimSpace(cfg.Project),
			Location: strings.TrimSpace(cfg.Location),
		}
		if cc.Project == "" || cc.Location == "" {
			return nil, fmt.Errorf("vertex backend requires project and location")
		}
	} else if cc.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}
