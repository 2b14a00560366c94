package diagnosis

import (
	"context"

	"google.golang.org/genai"
)

// GeminiModels is the part of the genai client a GeminiProvider calls.
type GeminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiProvider diagnoses through the Gemini API.
type GeminiProvider struct {
	models         GeminiModels
	model          string
	failureContext string
	caller         caller
}

// NewGeminiProvider creates a provider over an existing genai models handle.
func NewGeminiProvider(models GeminiModels, model, failureContext string, opts ...Option) *GeminiProvider {
	name := "gemini:" + model
	return &GeminiProvider{
		models:         models,
		model:          model,
		failureContext: failureContext,
		caller:         newCaller(name, newSettings(opts)),
	}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return p.caller.name }

// IdentifyFiles implements Provider.
func (p *GeminiProvider) IdentifyFiles(ctx context.Context) ([]string, error) {
	text, err := p.generate(ctx, "identify_files", InstructionIdentifyFiles, p.failureContext)
	if err != nil {
		return nil, err
	}
	files := ParseFileList(StripThinking(text))
	if len(files) == 0 {
		return nil, ErrNoFileIdentified
	}
	return files, nil
}

// ProposeFix implements Provider.
func (p *GeminiProvider) ProposeFix(ctx context.Context, fileContext string) (string, error) {
	text, err := p.generate(ctx, "propose_fix", InstructionProposeFix, fixPrompt(p.failureContext, fileContext))
	if err != nil {
		return "", err
	}
	return StripThinking(text), nil
}

func (p *GeminiProvider) generate(ctx context.Context, op, instruction, prompt string) (string, error) {
	system := mustInstruction(instruction)
	return p.caller.call(ctx, op, func(ctx context.Context) (string, error) {
		resp, err := p.models.GenerateContent(ctx, p.model,
			genai.Text(prompt),
			&genai.GenerateContentConfig{
				SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			},
		)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	})
}
