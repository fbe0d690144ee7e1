// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/gatehouse/services/gatehouse/datatypes"
)

// FixSuggester proposes a correction for a failed apply.
//
// Implementations return a short human-readable suggestion. For config
// patches the applier additionally looks for a JSON object of corrected
// dotted-path values inside the suggestion and retries with it once.
type FixSuggester interface {
	SuggestFix(ctx context.Context, proposal *datatypes.Proposal, applyErr error) (string, error)
}

const fixSystemPrompt = "You review failed configuration and code changes for an " +
	"automated change pipeline. Given the change and the error it produced, reply " +
	"with a short correction. When the failed change is a config patch, include a " +
	"JSON object mapping corrected dotted key paths to values."

// OpenAIFixer asks a chat model for apply-failure corrections.
type OpenAIFixer struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIFixer builds a fixer from OPENAI_API_KEY / OPENAI_MODEL,
// falling back to the mounted secret when the env var is absent.
func NewOpenAIFixer(logger *slog.Logger) (*OpenAIFixer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY not set and secret %s unavailable: %w", secretPath, err)
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
	}
	if model == "" {
		model = "gpt-4o-mini"
		logger.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	return &OpenAIFixer{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger.With("component", "fixer"),
	}, nil
}

// SuggestFix sends the failed change and its error to the model and
// returns the model's correction.
func (f *OpenAIFixer) SuggestFix(ctx context.Context, p *datatypes.Proposal, applyErr error) (string, error) {
	prompt, err := fixPrompt(p, applyErr)
	if err != nil {
		return "", err
	}

	f.logger.Debug("requesting fix suggestion", "proposal_id", p.ID, "model", f.model)
	resp, err := f.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: f.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fixSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature:         0.2,
		MaxCompletionTokens: 512,
	})
	if err != nil {
		return "", fmt.Errorf("fix suggestion call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func fixPrompt(p *datatypes.Proposal, applyErr error) (string, error) {
	change, err := p.Change()
	if err != nil {
		return "", fmt.Errorf("decoding change for fix prompt: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Change: %s\n", change.Describe())
	fmt.Fprintf(&b, "Reason given: %s\n", p.Reason)
	fmt.Fprintf(&b, "Apply error: %v\n", applyErr)

	if cc, ok := change.(datatypes.ConfigChange); ok {
		set, err := json.Marshal(cc.Set)
		if err == nil {
			fmt.Fprintf(&b, "Original values: %s\n", set)
		}
	}
	return b.String(), nil
}
