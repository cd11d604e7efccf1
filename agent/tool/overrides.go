package tool

import (
	"fmt"
	"strings"
	"time"

	configx "github.com/tanpawarit/agentloop/pkg/config"
)

// Overrides is the on-disk shape of TOOLS_FILE:
//
//	tools:
//	  web_search:
//	    timeout: 10s
//	    max_attempts: 2
//	  log_expense:
//	    idempotent: false
type Overrides struct {
	Tools map[string]Override `yaml:"tools"`
}

type Override struct {
	Timeout     string `yaml:"timeout"`
	Idempotent  *bool  `yaml:"idempotent"`
	MaxAttempts int    `yaml:"max_attempts"`
}

func LoadOverrides(path string) (Overrides, error) {
	out, err := configx.LoadYAML[Overrides](path)
	if err != nil {
		return Overrides{}, fmt.Errorf("tool overrides: %w", err)
	}
	return *out, nil
}

func ParseOverrides(raw []byte) (Overrides, error) {
	out, err := configx.ParseYAML[Overrides](raw)
	if err != nil {
		return Overrides{}, fmt.Errorf("tool overrides: %w", err)
	}
	return *out, nil
}

// ApplyOverrides must run before Freeze. Unknown tool names are an error so a
// typo in the file does not silently keep the defaults.
func (r *Registry) ApplyOverrides(ov Overrides) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	for name, o := range ov.Tools {
		e, ok := r.tools[strings.TrimSpace(name)]
		if !ok {
			return fmt.Errorf("tool overrides: unknown tool %q", name)
		}
		if o.Timeout != "" {
			d, err := time.ParseDuration(o.Timeout)
			if err != nil || d <= 0 {
				return fmt.Errorf("tool overrides: %s: invalid timeout %q", name, o.Timeout)
			}
			e.desc.Timeout = d
		}
		if o.Idempotent != nil {
			e.desc.Idempotent = *o.Idempotent
		}
		if o.MaxAttempts < 0 {
			return fmt.Errorf("tool overrides: %s: max_attempts must be >= 0", name)
		}
		if o.MaxAttempts > 0 {
			e.desc.MaxAttempts = o.MaxAttempts
		}
	}
	return nil
}
