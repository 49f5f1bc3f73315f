package usage

import (
	"fmt"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/tiktoken-go/tokenizer"
)

// Tokens added by the chat format around every message, and once to prime the reply.
const (
	tokensPerMessage = 3
	tokensPerReply   = 3
)

func codecFor(model string) (tokenizer.Codec, error) {
	if c, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
		return c, nil
	}
	c, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("error creating tokenizer: %w", err)
	}
	return c, nil
}

// CountTokens counts the tokens of text with the model's encoding. Models the tokenizer doesn't know are
// counted with cl100k_base.
func CountTokens(model, text string) (int, error) {
	codec, err := codecFor(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("error encoding text: %w", err)
	}
	return len(ids), nil
}

// PromptTokens estimates the input tokens of sending messages to model.
func PromptTokens(model string, messages []models.ChatMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	codec, err := codecFor(model)
	if err != nil {
		return 0, err
	}

	total := tokensPerReply
	for _, msg := range messages {
		for _, text := range []string{string(msg.Role), msg.Content} {
			ids, _, err := codec.Encode(text)
			if err != nil {
				return 0, fmt.Errorf("error encoding message: %w", err)
			}
			total += len(ids)
		}
		total += tokensPerMessage
	}
	return total, nil
}
