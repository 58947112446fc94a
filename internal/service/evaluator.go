// Package service contains the application services: policy evaluation,
// the approval coordinator, and the guard orchestrator.
package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/agentguard/agentguard/internal/adapter/outbound/cel"
	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/policy"
)

// defaultCacheSize bounds the decision cache.
const defaultCacheSize = 1000

// CompiledRule is a policy rule prepared for repeated evaluation:
// regex operands compiled once, the optional CEL condition compiled to
// a program. A rule whose regex failed to compile keeps a nil pattern
// and never matches.
type CompiledRule struct {
	Rule     *policy.Rule
	Patterns map[int]*regexp.Regexp // condition index -> compiled regex
	Program  cel.Program
}

// CompiledPolicy is an immutable evaluation snapshot. Rules are sorted
// by descending priority; equal priorities keep document order.
type CompiledPolicy struct {
	Policy *policy.Policy
	Rules  []CompiledRule
	// cacheable is false when any rule conditions on evaluation time or
	// carries a CEL expression, since those can change outcome between
	// identical calls.
	cacheable bool
}

// Evaluator matches tool calls against a compiled policy. The decision
// cache is keyed by tool name plus parameter/identity hash.
type Evaluator struct {
	celEval *celeval.Evaluator
	cache   *decisionCache
	logger  *slog.Logger
	now     func() time.Time
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) EvaluatorOption {
	return func(e *Evaluator) {
		e.cache = newDecisionCache(size)
	}
}

// NewEvaluator creates an evaluator with an empty decision cache.
func NewEvaluator(logger *slog.Logger, opts ...EvaluatorOption) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	celEval, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	e := &Evaluator{
		celEval: celEval,
		cache:   newDecisionCache(defaultCacheSize),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Compile prepares a policy for evaluation. Rule ordering is resolved
// here once: descending priority, stable for ties. An invalid CEL
// expression is a compile error; an invalid regex operand is not, the
// condition just never matches (logged at compile time).
func (e *Evaluator) Compile(p *policy.Policy) (*CompiledPolicy, error) {
	rules := make([]CompiledRule, 0, len(p.Rules))
	cacheable := true
	for i := range p.Rules {
		rule := &p.Rules[i]
		cr := CompiledRule{Rule: rule}
		for ci, cond := range rule.Conditions {
			if cond.Operator != policy.OpRegex {
				continue
			}
			pattern, ok := cond.Value.(string)
			if !ok {
				e.logger.Warn("regex condition value is not a string",
					"rule", rule.Name, "condition", ci)
				continue
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				e.logger.Warn("invalid regex pattern in rule condition",
					"rule", rule.Name, "pattern", pattern, "error", err)
				continue
			}
			if cr.Patterns == nil {
				cr.Patterns = make(map[int]*regexp.Regexp)
			}
			cr.Patterns[ci] = re
		}
		if rule.CEL != "" {
			if err := e.celEval.ValidateExpression(rule.CEL); err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
			prg, err := e.celEval.Compile(rule.CEL)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
			cr.Program = prg
			cacheable = false
		}
		if ruleUsesTimestamp(rule) {
			cacheable = false
		}
		rules = append(rules, cr)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Rule.Priority > rules[j].Rule.Priority
	})

	return &CompiledPolicy{Policy: p, Rules: rules, cacheable: cacheable}, nil
}

// ruleUsesTimestamp reports whether any condition field resolves under
// the evaluation timestamp.
func ruleUsesTimestamp(rule *policy.Rule) bool {
	for _, cond := range rule.Conditions {
		if cond.Field == "timestampIso" {
			return true
		}
	}
	return false
}

// Evaluate matches the call against the compiled policy. First matching
// rule in priority order wins; no match falls through to the policy
// default action.
func (e *Evaluator) Evaluate(cp *CompiledPolicy, call *guard.ToolCall) policy.Decision {
	var cacheKey uint64
	if cp.cacheable {
		cacheKey = computeCacheKey(call)
		if decision, ok := e.cache.Get(cacheKey); ok {
			return decision
		}
	}

	evalCtx := *policy.NewEvaluationContext(cp.Policy, call, e.now())
	root := evalCtx.Root()

	for _, cr := range cp.Rules {
		matched, err := e.ruleMatches(cr, root, evalCtx)
		if err != nil {
			e.logger.Debug("rule condition did not evaluate cleanly",
				"rule", cr.Rule.Name, "error", err)
		}
		if !matched {
			continue
		}
		decision := policy.Decision{
			Action:      cr.Rule.Action,
			MatchedRule: cr.Rule,
			Reason:      fmt.Sprintf("Matched rule: %s", cr.Rule.Name),
		}
		if cp.cacheable {
			e.cache.Put(cacheKey, decision)
		}
		return decision
	}

	decision := policy.Decision{
		Action: cp.Policy.DefaultAction,
		Reason: "No matching rules found",
	}
	if cp.cacheable {
		e.cache.Put(cacheKey, decision)
	}
	return decision
}

// ruleMatches requires every condition to hold, and the CEL expression
// (when present) to evaluate true. A rule with no conditions and no
// expression matches everything.
func (e *Evaluator) ruleMatches(cr CompiledRule, root map[string]any, evalCtx policy.EvaluationContext) (bool, error) {
	var firstErr error
	for ci, cond := range cr.Rule.Conditions {
		if cond.Operator == policy.OpRegex {
			re := cr.Patterns[ci]
			if re == nil {
				return false, firstErr
			}
			value, ok := policy.LookupPath(root, cond.Field)
			if !ok {
				return false, firstErr
			}
			s, ok := value.(string)
			if !ok || !re.MatchString(s) {
				return false, firstErr
			}
			continue
		}
		ok, err := cond.Matches(root)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !ok {
			return false, firstErr
		}
	}
	if cr.Program != nil {
		ok, err := e.celEval.Evaluate(cr.Program, evalCtx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return false, firstErr
		}
		return ok, firstErr
	}
	return true, firstErr
}

// ClearCache empties the decision cache. Called on policy reload.
func (e *Evaluator) ClearCache() {
	e.cache.Clear()
}

// CacheSize returns the number of cached decisions.
func (e *Evaluator) CacheSize() int {
	return e.cache.Size()
}

// computeCacheKey hashes the identity-bearing parts of a tool call.
// Parameters and metadata go through JSON for determinism.
func computeCacheKey(call *guard.ToolCall) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(call.ToolName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(call.AgentID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(call.SessionID)
	_, _ = h.Write([]byte{0})
	if len(call.Parameters) > 0 {
		paramsJSON, _ := json.Marshal(call.Parameters)
		_, _ = h.Write(paramsJSON)
	}
	_, _ = h.Write([]byte{0})
	if len(call.Metadata) > 0 {
		metaJSON, _ := json.Marshal(call.Metadata)
		_, _ = h.Write(metaJSON)
	}
	return h.Sum64()
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key      uint64
	decision policy.Decision
	prev     *lruEntry
	next     *lruEntry
}

// decisionCache is a bounded LRU of evaluation results. Thread-safe
// with Mutex (both Get and Put mutate LRU order).
type decisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

func newDecisionCache(maxSize int) *decisionCache {
	return &decisionCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached decision, promoting the entry on hit.
func (c *decisionCache) Get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return policy.Decision{}, false
}

// Put stores a decision, evicting the least recently used entry at
// capacity.
func (c *decisionCache) Put(key uint64, decision policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

func (c *decisionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *decisionCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *decisionCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *decisionCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *decisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}
