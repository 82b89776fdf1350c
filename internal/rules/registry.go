package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Registry owns the rule set. Rules are compiled once on creation and the
// compiled snapshot is swapped whenever status or threshold changes, so
// readers never observe a partially updated rule.
type Registry struct {
	mu        sync.RWMutex
	rules     map[string]*entry
	seq       int64
	evaluator *Evaluator
	now       func() time.Time
}

type entry struct {
	mu       sync.Mutex
	compiled *CompiledRule
	triggers int64
}

// NewRegistry creates an empty registry that compiles rules with ev.
func NewRegistry(ev *Evaluator) *Registry {
	return &Registry{
		rules:     make(map[string]*entry),
		evaluator: ev,
		now:       time.Now,
	}
}

// Evaluator returns the evaluator rules are compiled with.
func (r *Registry) Evaluator() *Evaluator {
	return r.evaluator
}

// Create validates and stores a new rule and returns its id. An empty id is
// replaced by a generated one. Missing status defaults to Active.
func (r *Registry) Create(rule *domain.Rule) (string, error) {
	if rule == nil {
		return "", fmt.Errorf("%w: rule is required", domain.ErrConfiguration)
	}
	rule = rule.Clone()
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Status == "" {
		rule.Status = domain.RuleActive
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = r.now().UTC()
	}
	rule.TriggerCount = 0

	compiled, err := r.validate(rule)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[rule.ID]; exists {
		return "", fmt.Errorf("%w: %s", domain.ErrDuplicateID, rule.ID)
	}
	r.seq++
	compiled.Rule.Sequence = r.seq
	r.rules[rule.ID] = &entry{compiled: compiled}

	return rule.ID, nil
}

// Restore loads a persisted rule, keeping its sequence and trigger count.
func (r *Registry) Restore(rule *domain.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrConfiguration)
	}
	rule = rule.Clone()

	compiled, err := r.validate(rule)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, rule.ID)
	}
	if rule.Sequence > r.seq {
		r.seq = rule.Sequence
	} else if rule.Sequence == 0 {
		r.seq++
		compiled.Rule.Sequence = r.seq
	}
	r.rules[rule.ID] = &entry{compiled: compiled, triggers: rule.TriggerCount}
	return nil
}

func (r *Registry) validate(rule *domain.Rule) (*CompiledRule, error) {
	if strings.TrimSpace(rule.Name) == "" {
		return nil, fmt.Errorf("%w: rule name is required", domain.ErrConfiguration)
	}
	if !domain.ValidThreshold(rule.RiskThreshold) {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidThreshold, rule.RiskThreshold)
	}
	if rule.Status != domain.RuleActive && rule.Status != domain.RuleDisabled {
		return nil, fmt.Errorf("%w: unknown rule status %q", domain.ErrConfiguration, rule.Status)
	}
	return r.evaluator.Compile(rule)
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.rules[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, id)
	}
	return e, nil
}

// SetStatus enables or disables a rule and returns the updated rule. The
// change is visible to the next scoring call.
func (r *Registry) SetStatus(id string, status domain.RuleStatus) (*domain.Rule, error) {
	if status != domain.RuleActive && status != domain.RuleDisabled {
		return nil, fmt.Errorf("%w: unknown rule status %q", domain.ErrConfiguration, status)
	}
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = e.compiled.WithStatus(status)
	return e.snapshot(), nil
}

// AdjustThreshold changes a rule's risk threshold. Values outside 0-100 are
// rejected with ErrInvalidThreshold and leave the rule unchanged.
func (r *Registry) AdjustThreshold(id string, threshold int) (*domain.Rule, error) {
	if !domain.ValidThreshold(threshold) {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidThreshold, threshold)
	}
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = e.compiled.WithThreshold(threshold)
	return e.snapshot(), nil
}

// IncrementTriggerCount bumps a rule's trigger counter and returns the new
// value. Only the scoring engine calls it.
func (r *Registry) IncrementTriggerCount(id string) (int64, error) {
	e, err := r.lookup(id)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers++
	return e.triggers, nil
}

// Get returns a copy of the rule with the given id.
func (r *Registry) Get(id string) (*domain.Rule, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// snapshot must be called with e.mu held.
func (e *entry) snapshot() *domain.Rule {
	rule := e.compiled.Rule.Clone()
	rule.TriggerCount = e.triggers
	return rule
}

// ListActive returns copies of the active rules in creation order.
func (r *Registry) ListActive() []*domain.Rule {
	return r.List(RuleFilter{Status: domain.RuleActive})
}

// RuleFilter narrows List. Zero fields match everything.
type RuleFilter struct {
	Status    domain.RuleStatus
	RiskLevel domain.RiskLevel

	// Search matches name, description or author, case-insensitively.
	Search string
}

func (f RuleFilter) match(rule *domain.Rule) bool {
	if f.Status != "" && rule.Status != f.Status {
		return false
	}
	if f.RiskLevel != "" && rule.RiskLevel() != f.RiskLevel {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(rule.Name), q) &&
			!strings.Contains(strings.ToLower(rule.Description), q) &&
			!strings.Contains(strings.ToLower(rule.CreatedBy), q) {
			return false
		}
	}
	return true
}

// List returns copies of the rules matching f in creation order.
func (r *Registry) List(f RuleFilter) []*domain.Rule {
	var out []*domain.Rule
	for _, e := range r.entries() {
		e.mu.Lock()
		rule := e.snapshot()
		e.mu.Unlock()
		if f.match(rule) {
			out = append(out, rule)
		}
	}
	sortRules(out)
	return out
}

// Snapshot returns the compiled form of every rule, active or not, in
// creation order. Compiled rules are immutable.
func (r *Registry) Snapshot() []*CompiledRule {
	entries := r.entries()
	out := make([]*CompiledRule, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.compiled)
		e.mu.Unlock()
	}
	SortCompiled(out)
	return out
}

// Active returns the compiled active rules in creation order.
func (r *Registry) Active() []*CompiledRule {
	all := r.Snapshot()
	active := all[:0]
	for _, cr := range all {
		if cr.Rule.Status == domain.RuleActive {
			active = append(active, cr)
		}
	}
	return active
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.rules))
	for _, e := range r.rules {
		out = append(out, e)
	}
	return out
}

func sortRules(rules []*domain.Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].Before(rules[j]) })
}

// SortCompiled orders compiled rules by creation.
func SortCompiled(rules []*CompiledRule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].Rule.Before(rules[j].Rule) })
}
