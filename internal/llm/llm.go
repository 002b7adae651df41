// Package llm generates commit messages with the Anthropic API.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxDiffBytes bounds the diff sent with a request.
const maxDiffBytes = 12000

// CommitRequest describes the pending change to summarize.
type CommitRequest struct {
	Agent string
	Task  string
	Files []string
	Diff  string
}

// Client wraps the Anthropic API for commit message generation.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildCommitPrompt constructs the system and user prompts for a commit
// message.
func buildCommitPrompt(req CommitRequest) (system string, user string) {
	system = `You write git commit messages for changes made by an AI coding agent. Return ONLY the commit message text.

Rules:
- First line: imperative summary, at most 72 characters, no trailing period
- Optionally a blank line followed by up to 5 short bullet lines describing notable changes
- Do not mention that an AI wrote the change
- No markdown fencing, no quotes around the message`

	var sb strings.Builder
	if req.Task != "" {
		sb.WriteString("Task: ")
		sb.WriteString(req.Task)
		sb.WriteString("\n")
	}
	if len(req.Files) > 0 {
		sb.WriteString("Changed files:\n")
		for _, f := range req.Files {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}
	if req.Diff != "" {
		diff := req.Diff
		if len(diff) > maxDiffBytes {
			diff = diff[:maxDiffBytes] + "\n[diff truncated]"
		}
		sb.WriteString("\nDiff:\n")
		sb.WriteString(diff)
	}
	user = sb.String()
	return
}

// CommitMessage asks the model for a commit message describing req.
func (c *Client) CommitMessage(ctx context.Context, req CommitRequest) (string, error) {
	systemPrompt, userPrompt := buildCommitPrompt(req)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	text = cleanMessage(text)
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}

// cleanMessage strips markdown fencing and surrounding quotes and caps the
// subject line.
func cleanMessage(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		} else {
			text = ""
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	text = strings.Trim(text, "\"'`")
	subject, body, hasBody := strings.Cut(text, "\n")
	subject = strings.TrimSuffix(strings.TrimSpace(subject), ".")
	if len(subject) > 72 {
		subject = strings.TrimSpace(subject[:72])
	}
	if hasBody && strings.TrimSpace(body) != "" {
		return subject + "\n" + strings.TrimRight(body, " \n")
	}
	return subject
}
