package turn

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
)

// ModelsConfig holds what is needed to build both chat models.
type ModelsConfig struct {
	APIKey    string
	BaseURL   string
	Router    model.RouterModelConfig
	Responder model.ResponderModelConfig
}

// ChatModels holds the routing and reply-generation chat models.
type ChatModels struct {
	Router        *gemini.ChatModel
	Responder     *gemini.ChatModel
	RouterName    string
	ResponderName string
}

// NewChatModels creates both models on a shared Gemini client. The router is
// built without a thinking budget so routing decisions stay cheap and fast.
func NewChatModels(ctx context.Context, cfg ModelsConfig) (*ChatModels, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}

	router, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Router.Model,
		Temperature: &cfg.Router.Temperature,
		MaxTokens:   &cfg.Router.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("create router model: %w", err)
	}

	responder, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Responder.Model,
		Temperature: &cfg.Responder.Temperature,
		MaxTokens:   &cfg.Responder.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr(int32(2000)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create responder model: %w", err)
	}

	return &ChatModels{
		Router:        router,
		Responder:     responder,
		RouterName:    cfg.Router.Model,
		ResponderName: cfg.Responder.Model,
	}, nil
}
