package diagnosis

import (
	"context"

	"github.com/tmc/langchaingo/llms"
)

// ChatModel is the part of a langchaingo model a ChatProvider calls.
type ChatModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// ChatProvider diagnoses through a chat model served by ollama or an
// OpenAI-compatible endpoint. Its file parsing tolerates answers that
// ignore the comma-separated format.
type ChatProvider struct {
	llm            ChatModel
	failureContext string
	caller         caller
}

// NewChatProvider creates a provider over a langchaingo model.
func NewChatProvider(llm ChatModel, name, failureContext string, opts ...Option) *ChatProvider {
	return &ChatProvider{
		llm:            llm,
		failureContext: failureContext,
		caller:         newCaller(name, newSettings(opts)),
	}
}

// Name implements Provider.
func (p *ChatProvider) Name() string { return p.caller.name }

// IdentifyFiles implements Provider.
func (p *ChatProvider) IdentifyFiles(ctx context.Context) ([]string, error) {
	text, err := p.generate(ctx, "identify_files", InstructionIdentifyFiles, p.failureContext)
	if err != nil {
		return nil, err
	}
	files := ParseFileListLenient(StripThinking(text))
	if len(files) == 0 {
		return nil, ErrNoFileIdentified
	}
	return files, nil
}

// ProposeFix implements Provider.
func (p *ChatProvider) ProposeFix(ctx context.Context, fileContext string) (string, error) {
	text, err := p.generate(ctx, "propose_fix", InstructionProposeFix, fixPrompt(p.failureContext, fileContext))
	if err != nil {
		return "", err
	}
	return StripThinking(text), nil
}

func (p *ChatProvider) generate(ctx context.Context, op, instruction, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, mustInstruction(instruction)),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	return p.caller.call(ctx, op, func(ctx context.Context) (string, error) {
		resp, err := p.llm.GenerateContent(ctx, messages)
		if err != nil {
			return "", err
		}
		if resp == nil || len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Content, nil
	})
}
