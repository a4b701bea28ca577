package agentloop

// Profile pairs a model with the tool registry and system prompt sent on
// every request.
type Profile struct {
	provider string
	model    string
	registry *ToolRegistry
	prompt   string
}

// NewProfile returns a profile for model served by provider. codeDir is the
// sandbox directory name the prompt tells the model about.
func NewProfile(provider, model string, registry *ToolRegistry, codeDir string) *Profile {
	return &Profile{
		provider: provider,
		model:    model,
		registry: registry,
		prompt:   BuildSystemPrompt(codeDir),
	}
}

func (p *Profile) ID() string                  { return p.provider }
func (p *Profile) ModelID() string             { return p.model }
func (p *Profile) ToolRegistry() *ToolRegistry { return p.registry }
func (p *Profile) SystemPrompt() string        { return p.prompt }

// Tools returns the tool definitions for the request.
func (p *Profile) Tools() []ToolDefinition {
	return p.registry.Definitions()
}
