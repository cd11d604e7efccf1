package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

var (
	//go:embed template/system.txt
	systemRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	System string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		System: strings.TrimSpace(systemRaw),
	}
}

func (p PromptSet) Validate() error {
	if p.System == "" {
		return fmt.Errorf("%w: system prompt", contractx.ErrPromptMissing)
	}
	return nil
}
