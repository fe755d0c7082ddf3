package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kbassist-backend/models"
	"kbassist-backend/service"

	"github.com/google/generative-ai-go/genai"
)

// DefaultChatModel is used when no chat model name is configured
const DefaultChatModel = "gemini-1.5-flash"

// ChatModel completes conversations with a Gemini generative model
type ChatModel struct {
	client *genai.Client
	name   string
}

// NewChatModel creates a chat model on top of an existing client
func NewChatModel(client *genai.Client, name string) *ChatModel {
	if name == "" {
		name = DefaultChatModel
	}
	return &ChatModel{client: client, name: name}
}

// prompt is a conversation split into the shape the Gemini chat API expects
type prompt struct {
	system  string
	history []*genai.Content
	message string
}

// buildPrompt maps turns onto Gemini roles. System turns become the system
// instruction, consecutive turns of one role are merged, model turns ahead of
// the first user turn are dropped, and the final user turn is sent as the new
// message.
func buildPrompt(turns []models.Turn) (*prompt, error) {
	if len(turns) == 0 {
		return nil, errors.New("no turns to send")
	}
	last := turns[len(turns)-1]
	if last.Role != models.RoleUser {
		return nil, fmt.Errorf("last turn must be from the user, got %s", last.Role)
	}

	p := &prompt{message: last.Content}
	var system []string
	for _, turn := range turns[:len(turns)-1] {
		var role string
		switch turn.Role {
		case models.RoleSystem:
			system = append(system, turn.Content)
			continue
		case models.RoleUser:
			role = "user"
		case models.RoleAssistant:
			role = "model"
		default:
			return nil, fmt.Errorf("unsupported role %s", turn.Role)
		}

		if n := len(p.history); n > 0 && p.history[n-1].Role == role {
			p.history[n-1].Parts = append(p.history[n-1].Parts, genai.Text(turn.Content))
			continue
		}
		p.history = append(p.history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(turn.Content)}})
	}
	// chat history must open with a user turn
	for len(p.history) > 0 && p.history[0].Role == "model" {
		p.history = p.history[1:]
	}
	p.system = strings.Join(system, "\n\n")
	return p, nil
}

// Complete sends the conversation and returns the reply text
func (m *ChatModel) Complete(ctx context.Context, turns []models.Turn, opts service.ChatOptions) (string, error) {
	p, err := buildPrompt(turns)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrGeneration, err)
	}

	model := m.client.GenerativeModel(m.name)
	model.SetTemperature(float32(opts.Temperature))
	if opts.MaxReplyUnits > 0 {
		model.SetMaxOutputTokens(int32(opts.MaxReplyUnits))
	}
	if p.system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.system)}}
	}

	cs := model.StartChat()
	cs.History = p.history

	resp, err := cs.SendMessage(ctx, genai.Text(p.message))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrGeneration, err)
	}

	text, err := responseText(resp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrGeneration, err)
	}
	return text, nil
}

// responseText concatenates the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("API returned no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("API candidate has no parts (finish reason: %s)", candidate.FinishReason)
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", errors.New("API returned empty content")
	}
	return b.String(), nil
}
