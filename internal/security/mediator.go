// Package security decides whether mutating tool invocations may proceed,
// using a layered policy: sub-agent tool lists, yolo mode, persisted
// allow/deny rules, and interactive escalation.
package security

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/logging"
)

// RuleSource is the persistence interface for permission rules,
// implemented by store.RuleStore.
type RuleSource interface {
	List() ([]domain.PermissionRule, error)
	Add(rule domain.PermissionRule) error
}

// PolicyContext carries the per-turn policy state threaded through the agent
// loop: the active sub-agent profile, the yolo flag, interactivity, and
// session-scoped rules accumulated from prompt answers.
type PolicyContext struct {
	SubAgent    *domain.SubAgentProfile
	Yolo        bool
	Interactive bool

	mu           sync.Mutex
	sessionRules []domain.PermissionRule
}

// AddSessionRule records a rule that lives only for this process.
func (p *PolicyContext) AddSessionRule(rule domain.PermissionRule) {
	rule.Scope = domain.ScopeSession
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionRules = append(p.sessionRules, rule)
}

// SessionRules returns a snapshot of the session-scoped rules.
func (p *PolicyContext) SessionRules() []domain.PermissionRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.PermissionRule, len(p.sessionRules))
	copy(out, p.sessionRules)
	return out
}

// Mediator makes per-call policy decisions.
type Mediator struct {
	rules    RuleSource
	prompter Prompter
	log      *logging.Logger
}

// NewMediator creates a mediator. prompter may be nil for strictly
// non-interactive operation.
func NewMediator(rules RuleSource, prompter Prompter, log *logging.Logger) *Mediator {
	return &Mediator{rules: rules, prompter: prompter, log: log.Sub("security")}
}

// Authorize decides whether a mutating tool call may proceed. command is the
// call's command-string rendering: the raw shell command for bash, the
// target path for file tools. A nil return means allow; otherwise the error
// explains the denial and is fed back to the model as a tool result.
func (m *Mediator) Authorize(ctx context.Context, toolName, command string, pol *PolicyContext) error {
	if pol == nil {
		pol = &PolicyContext{}
	}

	// 1–2. Sub-agent tool lists outrank everything.
	if pol.SubAgent.Denies(toolName) {
		return fmt.Errorf("tool %q denied by sub-agent %q", toolName, pol.SubAgent.Name)
	}
	if pol.SubAgent.Allows(toolName) {
		return nil
	}

	// 3. Yolo mode bypasses prompting entirely.
	if pol.Yolo {
		return nil
	}

	// 4. For bash, match the command against rules. Deny outranks allow.
	if toolName == "bash" {
		switch m.matchRules(command, pol) {
		case domain.DecisionDeny:
			m.log.Warn().Str("command", command).Msg("command denied by rule")
			return fmt.Errorf("command %q denied by permission rule", command)
		case domain.DecisionAllow:
			return nil
		}
	}

	// 5. Escalate to the user, or fall back to the deterministic
	// non-interactive policy: deny.
	if !pol.Interactive || m.prompter == nil {
		return fmt.Errorf("%s %q requires interactive approval; denied in non-interactive mode", toolName, command)
	}

	return m.prompt(ctx, toolName, command, pol)
}

// matchRules checks session and persistent rules. Returns DecisionDeny,
// DecisionAllow, or "" when nothing matches.
func (m *Mediator) matchRules(command string, pol *PolicyContext) string {
	rules := pol.SessionRules()
	if persisted, err := m.rules.List(); err == nil {
		rules = append(rules, persisted...)
	} else {
		m.log.Error().Err(err).Msg("loading permission rules")
	}

	decision := ""
	for _, r := range rules {
		if !Matches(r.Pattern, command) {
			continue
		}
		if r.Decision == domain.DecisionDeny {
			return domain.DecisionDeny
		}
		decision = domain.DecisionAllow
	}
	return decision
}

// Matches reports whether a rule pattern matches a command: verbatim
// equality, or "<base> *" matching any command whose first token is <base>.
func Matches(pattern, command string) bool {
	if pattern == command {
		return true
	}
	if base, ok := strings.CutSuffix(pattern, " *"); ok {
		return FirstToken(command) == base
	}
	return false
}

// FirstToken returns the first whitespace-separated token of a command.
func FirstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// WildcardPattern builds "<base> *" for a command.
func WildcardPattern(command string) string {
	return FirstToken(command) + " *"
}

// HasArguments reports whether the command carries anything beyond its base.
func HasArguments(command string) bool {
	return len(strings.Fields(command)) > 1
}

func (m *Mediator) prompt(ctx context.Context, toolName, command string, pol *PolicyContext) error {
	req := PromptRequest{
		ToolName: toolName,
		Command:  command,
	}
	if toolName == "bash" && HasArguments(command) {
		req.OfferWildcard = true
		req.Wildcard = WildcardPattern(command)
	}

	choice, err := m.prompter.Ask(ctx, req)
	if err != nil {
		m.log.Warn().Err(err).Str("command", command).Msg("prompt failed, denying")
		return fmt.Errorf("%s %q denied: %v", toolName, command, err)
	}

	switch choice {
	case ChoiceAllowOnce:
		return nil

	case ChoiceAllowRemember:
		m.persist(domain.PermissionRule{Pattern: command, Decision: domain.DecisionAllow})
		return nil

	case ChoiceAllowWildcard:
		if !req.OfferWildcard {
			return fmt.Errorf("%s %q denied by user", toolName, command)
		}
		m.persist(domain.PermissionRule{Pattern: req.Wildcard, Decision: domain.DecisionAllow})
		return nil

	default:
		m.persist(domain.PermissionRule{Pattern: command, Decision: domain.DecisionDeny})
		return fmt.Errorf("%s %q denied by user", toolName, command)
	}
}

func (m *Mediator) persist(rule domain.PermissionRule) {
	rule.Scope = domain.ScopePersistent
	if err := m.rules.Add(rule); err != nil {
		m.log.Error().Err(err).Str("pattern", rule.Pattern).Msg("persisting rule")
	}
}
