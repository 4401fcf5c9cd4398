// Package sandbox classifies and executes shell commands under the
// configured command policy, with tiered timeouts and process-group
// termination.
package sandbox

import (
	"strings"

	"github.com/bit-shift-io/construct/internal/config"
)

// Classification is the policy verdict for a command.
type Classification int

const (
	Allowed Classification = iota
	Ask
	Blocked
)

func (c Classification) String() string {
	switch c {
	case Allowed:
		return "allowed"
	case Ask:
		return "ask"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Tier is the timeout class assigned to a command.
type Tier int

const (
	TierShort Tier = iota
	TierMedium
	TierLong
)

func (t Tier) String() string {
	switch t {
	case TierShort:
		return "short"
	case TierMedium:
		return "medium"
	case TierLong:
		return "long"
	default:
		return "unknown"
	}
}

// Policy classifies commands from the configured lists. It holds no
// execution state; Classify is a pure lookup.
type Policy struct {
	allowed     map[string]bool
	ask         map[string]bool
	blocked     map[string]bool
	longRunning map[string]bool
	def         Classification
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.CommandsConfig) *Policy {
	def := Ask
	switch cfg.Default {
	case "allowed", "allow":
		def = Allowed
	case "blocked", "block":
		def = Blocked
	}
	return &Policy{
		allowed:     toSet(cfg.Allowed),
		ask:         toSet(cfg.Ask),
		blocked:     toSet(cfg.Blocked),
		longRunning: toSet(cfg.LongRunning),
		def:         def,
	}
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, v := range list {
		m[v] = true
	}
	return m
}

// Classify returns the verdict and timeout tier for a command line.
// When an executable appears in multiple lists the most restrictive
// verdict wins: blocked over ask over allowed.
func (p *Policy) Classify(commandLine string) (Classification, Tier) {
	binary := Executable(commandLine)
	if binary == "" {
		return Allowed, TierShort
	}

	tier := TierShort
	if p.longRunning[binary] {
		tier = TierLong
	} else if p.allowed[binary] || p.ask[binary] {
		tier = TierMedium
	}

	switch {
	case p.blocked[binary]:
		return Blocked, tier
	case p.ask[binary]:
		return Ask, tier
	case p.allowed[binary]:
		return Allowed, tier
	default:
		return p.def, tier
	}
}

// Executable extracts the binary name a command line runs, looking
// through a sudo prefix.
func Executable(commandLine string) string {
	parts := strings.Fields(commandLine)
	if len(parts) == 0 {
		return ""
	}
	if parts[0] == "sudo" && len(parts) > 1 {
		return parts[1]
	}
	return parts[0]
}
