package policy

import (
	"github.com/padwerk/xtalk/internal/config"
	"github.com/padwerk/xtalk/internal/pipeline"
)

// Runner is the external process-execution capability the exec policy
// invokes. Spawn must not block the caller; a hung command must never stall
// event delivery.
type Runner interface {
	Spawn(command []string) error
}

// Deps carries external capabilities into policy construction.
type Deps struct {
	Runner Runner
}

// Build constructs the named policy from its configuration section.
// Unknown names and invalid sections are fatal ConfigErrors.
func Build(name string, cfg *config.Config, deps Deps) (pipeline.Policy, error) {
	switch name {
	case "crosstalk":
		return NewCrosstalk(cfg.Crosstalk)
	case "choke":
		return NewChoke(cfg.Choke)
	case "amplify":
		return NewAmplify(cfg.Amplify)
	case "exec":
		return NewExec(cfg.Exec, deps.Runner)
	case "replay":
		return NewReplay(cfg.Replay)
	case "time":
		return NewTimeCheck(cfg.Time)
	case "replace":
		return NewReplace(cfg.Replace)
	default:
		return nil, config.NewConfigError(name, "", "unknown policy")
	}
}

// BuildAll constructs the configured pipeline in order. The first
// construction error aborts the whole pipeline.
func BuildAll(cfg *config.Config, deps Deps) ([]pipeline.Policy, error) {
	policies := make([]pipeline.Policy, 0, len(cfg.Pipeline))
	for _, name := range cfg.Pipeline {
		p, err := Build(name, cfg, deps)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}
