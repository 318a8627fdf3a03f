package providers

import (
	"strings"

	"github.com/jschibelli/ai-create-assistant/internal/shared/apierr"
)

// catalog maps model identifiers to their static metadata
type catalog map[string]ModelInfo

func (c catalog) lookup(provider, model string) (ModelInfo, error) {
	info, ok := c[model]
	if !ok {
		return ModelInfo{}, apierr.Configuration("model %q is not in the %s catalog", model, provider)
	}
	info.Name = model
	return info, nil
}

// requirePrompt rejects prompts that contain nothing to complete.
func requirePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return apierr.Validation("prompt must not be empty")
	}
	return nil
}
