package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/open-policy-agent/opa/rego"
)

// PolicyContext carries the caller identity that every episodic policy
// evaluation is run against: who is asking, which client is asking on
// their behalf, and whatever claims came off their bearer token.
type PolicyContext struct {
	UserID    string                 `json:"user_id"`
	ClientID  string                 `json:"client_id"`
	JWTClaims map[string]interface{} `json:"jwt_claims"`
}

// policyName identifies one of the three Rego documents an episodic
// deployment can override. The string value is also the expected
// filename stem ("<name>.rego") inside a configured policy directory.
type policyName string

const (
	policyAuthz      policyName = "authz"
	policyAttributes policyName = "attributes"
	policyFilter     policyName = "filter"
)

// queryPath is the fully-qualified Rego document each policy is
// evaluated as. authz and attributes resolve to a single rule;
// filter resolves to the whole memories.filter package document, since
// that package composes namespace_prefix and attribute_filter as two
// separate complete rules.
var queryPath = map[policyName]string{
	policyAuthz:      "data.memories.authz.allow",
	policyAttributes: "data.memories.attributes.attributes",
	policyFilter:     "data.memories.filter",
}

// Built-in Rego sources used for any policy not overridden by a file in
// the configured policy directory.
var defaultPolicySource = map[policyName]string{
	policyAuthz: `
package memories.authz

import future.keywords.if
import future.keywords.in

default allow = false

# A caller may only touch their own user/<user_id>/... subtree.
allow if {
	input.namespace[0] == "user"
	input.namespace[1] == input.context.user_id
}
`,
	policyAttributes: `
package memories.attributes

import future.keywords.if

# Lift the namespace root and owning subject out of the key path so
# they can be stored as plaintext policy_attributes and used as search
# filters without decrypting the value.
default attributes = {}

attributes = {"namespace": input.namespace[0], "sub": input.namespace[1]} if {
	count(input.namespace) >= 2
}
`,
	policyFilter: `
package memories.filter

import future.keywords.if
import future.keywords.in

# Admins search unconstrained. Everyone else is narrowed to their own
# user/<user_id> subtree: a prefix already inside it is left alone, a
# prefix outside (or absent) is replaced with the subtree root.
namespace_prefix := input.namespace_prefix if {
	is_admin
}
namespace_prefix := input.namespace_prefix if {
	not is_admin
	starts_with(input.namespace_prefix, user_prefix)
}
namespace_prefix := user_prefix if {
	not is_admin
	not starts_with(input.namespace_prefix, user_prefix)
}

user_prefix := ["user", input.context.user_id]

starts_with(ns, prefix) if {
	count(prefix) == 0
}
starts_with(ns, prefix) if {
	count(ns) >= count(prefix)
	not mismatch(ns, prefix)
}

mismatch(ns, prefix) if {
	some i
	i < count(prefix)
	ns[i] != prefix[i]
}

is_admin if {
	"admin" in input.context.jwt_claims.roles
}

attribute_filter := {} if {
	is_admin
}
attribute_filter := {"namespace": "user", "sub": input.context.user_id} if {
	not is_admin
}
`,
}

// compiledPolicy pairs a policy's source text with its prepared query,
// so Bundle() can hand back what is actually running rather than what
// was last requested.
type compiledPolicy struct {
	source string
	query  rego.PreparedEvalQuery
}

// PolicyEngine evaluates the three OPA policies that gate episodic
// memory access:
//
//  1. authz     — may this operation touch this (namespace, key)?
//  2. attributes — what plaintext policy_attributes does this write carry?
//  3. filter     — how should a search's namespace_prefix and attribute
//     filter be narrowed for this caller?
//
// Policies are swapped as a unit under mu so a reader never observes a
// torn combination (e.g. a new authz policy paired with a stale filter
// policy).
type PolicyEngine struct {
	mu       sync.RWMutex
	policies map[policyName]compiledPolicy
}

// PolicyBundle is the source text of the three episodic policies, as
// exposed to operators for inspection or hot-reload via ReplaceBundle.
type PolicyBundle struct {
	Authz      string `json:"authz"`
	Attributes string `json:"attributes"`
	Filter     string `json:"filter"`
}

// NewPolicyEngine builds a PolicyEngine. When policyDir is empty, or a
// given file is missing from it, the corresponding built-in default is
// used instead.
func NewPolicyEngine(ctx context.Context, policyDir string) (*PolicyEngine, error) {
	e := &PolicyEngine{}
	policies, err := loadPolicies(ctx, policyDir)
	if err != nil {
		return nil, err
	}
	e.policies = policies
	return e, nil
}

// Reload recompiles all three policies from policyDir and swaps them
// in atomically. An error leaves the engine serving whatever it was
// serving before the call.
func (e *PolicyEngine) Reload(ctx context.Context, policyDir string) error {
	policies, err := loadPolicies(ctx, policyDir)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.policies = policies
	e.mu.Unlock()
	return nil
}

// Bundle returns the source text currently being served.
func (e *PolicyEngine) Bundle() PolicyBundle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return PolicyBundle{
		Authz:      e.policies[policyAuthz].source,
		Attributes: e.policies[policyAttributes].source,
		Filter:     e.policies[policyFilter].source,
	}
}

// ReplaceBundle compiles the given source text for all three policies
// and, only if every one of them compiles, swaps them in together.
func (e *PolicyEngine) ReplaceBundle(ctx context.Context, bundle PolicyBundle) error {
	sources := map[policyName]string{
		policyAuthz:      strings.TrimSpace(bundle.Authz),
		policyAttributes: strings.TrimSpace(bundle.Attributes),
		policyFilter:     strings.TrimSpace(bundle.Filter),
	}
	for name, src := range sources {
		if src == "" {
			return fmt.Errorf("episodic: %s policy source is required", name)
		}
	}

	policies, err := compilePolicies(ctx, sources)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies = policies
	e.mu.Unlock()
	return nil
}

// loadPolicies resolves source text for each policy (file on disk, or
// built-in default) and compiles all three.
func loadPolicies(ctx context.Context, policyDir string) (map[policyName]compiledPolicy, error) {
	sources := make(map[policyName]string, len(defaultPolicySource))
	for name, fallback := range defaultPolicySource {
		sources[name] = resolvePolicySource(policyDir, name, fallback)
	}
	return compilePolicies(ctx, sources)
}

// resolvePolicySource reads "<name>.rego" out of policyDir, falling
// back to the built-in default (and logging a warning) if policyDir is
// unset or the file is absent.
func resolvePolicySource(policyDir string, name policyName, fallback string) string {
	if policyDir == "" {
		return fallback
	}
	path := filepath.Join(policyDir, string(name)+".rego")
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("episodic: policy file not found, using built-in default", "policy", name, "path", path, "err", err)
		return fallback
	}
	return string(data)
}

// compilePolicies prepares an evaluation query for each entry in
// sources. It fails closed: if any one policy fails to compile, none
// of the three is returned, so a bad edit to one file can't silently
// disable the other two.
func compilePolicies(ctx context.Context, sources map[policyName]string) (map[policyName]compiledPolicy, error) {
	out := make(map[policyName]compiledPolicy, len(sources))
	for name, src := range sources {
		path, ok := queryPath[name]
		if !ok {
			return nil, fmt.Errorf("episodic: unknown policy %q", name)
		}
		r := rego.New(
			rego.Query(path),
			rego.Module(string(name)+".rego", src),
		)
		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("episodic: compile %s policy: %w", name, err)
		}
		out[name] = compiledPolicy{source: src, query: pq}
	}
	return out, nil
}

// snapshot returns the currently active policy map. The map value
// itself is never mutated in place — Reload/ReplaceBundle always
// install a freshly built map — so callers may range over or index
// the returned snapshot without holding the lock.
func (e *PolicyEngine) snapshot() map[policyName]compiledPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policies
}

// IsAllowed evaluates the authz policy for a single operation against
// a (namespace, key) pair, returning true only if the policy's allow
// rule is satisfied.
func (e *PolicyEngine) IsAllowed(ctx context.Context, operation string, namespace []string, key string, pc PolicyContext) (bool, error) {
	q := e.snapshot()[policyAuthz].query

	results, err := q.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"operation": operation,
		"namespace": namespace,
		"key":       key,
		"context":   policyContextToMap(pc),
	}))
	if err != nil {
		return false, fmt.Errorf("episodic: authz eval: %w", err)
	}
	allow, _ := firstExpression(results).(bool)
	return allow, nil
}

// ExtractAttributes evaluates the attribute extraction policy and
// returns the plaintext policy_attributes to persist alongside a
// write. An empty result is returned (not an error) when the policy
// has no opinion on this key.
func (e *PolicyEngine) ExtractAttributes(ctx context.Context, namespace []string, key string, value, attributes map[string]interface{}) (map[string]interface{}, error) {
	q := e.snapshot()[policyAttributes].query

	results, err := q.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"namespace":  namespace,
		"key":        key,
		"value":      value,
		"attributes": attributes,
	}))
	if err != nil {
		return nil, fmt.Errorf("episodic: attribute extraction eval: %w", err)
	}
	extracted, _ := firstExpression(results).(map[string]interface{})
	if extracted == nil {
		extracted = map[string]interface{}{}
	}
	return extracted, nil
}

// InjectFilter evaluates the search filter injection policy and
// returns the effective namespace_prefix and attribute_filter (merged
// on top of the caller-supplied filter, policy keys winning on
// collision) a search should run with.
func (e *PolicyEngine) InjectFilter(ctx context.Context, nsPrefix []string, filter map[string]interface{}, pc PolicyContext) ([]string, map[string]interface{}, error) {
	q := e.snapshot()[policyFilter].query

	results, err := q.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"namespace_prefix": nsPrefix,
		"filter":           filter,
		"context":          policyContextToMap(pc),
	}))
	if err != nil {
		return nsPrefix, filter, fmt.Errorf("episodic: filter injection eval: %w", err)
	}
	doc, _ := firstExpression(results).(map[string]interface{})
	if doc == nil {
		return nsPrefix, filter, nil
	}

	effectivePrefix := nsPrefix
	if raw, ok := doc["namespace_prefix"]; ok {
		effectivePrefix = toStringSlice(raw)
	}

	merged := make(map[string]interface{}, len(filter))
	for k, v := range filter {
		merged[k] = v
	}
	if af, ok := doc["attribute_filter"].(map[string]interface{}); ok {
		for k, v := range af {
			merged[k] = v
		}
	}
	return effectivePrefix, merged, nil
}

func firstExpression(results rego.ResultSet) interface{} {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}
	return results[0].Expressions[0].Value
}

func policyContextToMap(pc PolicyContext) map[string]interface{} {
	claims := pc.JWTClaims
	if claims == nil {
		claims = map[string]interface{}{}
	}
	return map[string]interface{}{
		"user_id":    pc.UserID,
		"client_id":  pc.ClientID,
		"jwt_claims": claims,
	}
}

func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

// ParseAttributeFilter decodes a flat JSON attribute filter from a
// search request body. It performs no validation beyond well-formed
// JSON; BuildSQLFilter ignores comparison keys it doesn't recognize.
func ParseAttributeFilter(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var filter map[string]interface{}
	if err := json.Unmarshal(raw, &filter); err != nil {
		return nil, fmt.Errorf("episodic: invalid attribute filter: %w", err)
	}
	return filter, nil
}

// BuildSQLFilter renders an attribute filter into a parameterized SQL
// predicate over the policy_attributes JSONB column, plus its
// positional args in $N order. Each key accepts a bare scalar
// (equality), {"in": [...]} (set membership), or a numeric comparison
// via "gt"/"gte"/"lt"/"lte". Unrecognized comparison keys are ignored
// rather than rejected, since the policy layer is expected to control
// which keys ever reach here.
func BuildSQLFilter(filter map[string]interface{}) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}

	var clauses []string
	var args []interface{}
	addClause := func(clause string, a interface{}) {
		args = append(args, a)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	for key, val := range filter {
		ident := escapeSQLIdent(key)
		ops, isCompound := val.(map[string]interface{})
		if !isCompound {
			addClause("policy_attributes->>'"+ident+"' = $%d", jsonScalar(val))
			continue
		}

		if members := toInterfaceSlice(ops["in"]); len(members) > 0 {
			placeholders := make([]string, len(members))
			for i, m := range members {
				args = append(args, jsonScalar(m))
				placeholders[i] = fmt.Sprintf("$%d", len(args))
			}
			clauses = append(clauses, fmt.Sprintf("policy_attributes->>'%s' = ANY(ARRAY[%s])", ident, strings.Join(placeholders, ",")))
		}

		for op, rhs := range ops {
			sqlOp, recognized := comparisonOperators[op]
			if !recognized {
				continue
			}
			addClause("(policy_attributes->>'"+ident+"')::numeric "+sqlOp+" $%d", rhs)
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

var comparisonOperators = map[string]string{
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

func jsonScalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return strings.Trim(string(b), `"`)
	}
}

func toInterfaceSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func escapeSQLIdent(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
