package episodic

import (
	"context"
	"fmt"
	"testing"

	"github.com/open-policy-agent/opa/rego"
)

// assertionsRego exercises the three built-in policies directly against
// the Rego engine, independent of the Go PolicyEngine wrapper, so a
// change to the embedded policy text is caught even if every Go-level
// call site still compiles.
const assertionsRego = `
package memories.tests

import future.keywords.if

test_owner_may_write_own_subtree if {
	data.memories.authz.allow with input as {
		"operation": "write",
		"namespace": ["user", "alice", "prefs"],
		"key": "theme",
		"context": {"user_id": "alice", "client_id": "agent-1", "jwt_claims": {"roles": []}},
	}
}

test_reader_may_not_read_other_subject if {
	not data.memories.authz.allow with input as {
		"operation": "read",
		"namespace": ["user", "bob", "prefs"],
		"key": "theme",
		"context": {"user_id": "alice", "client_id": "agent-1", "jwt_claims": {"roles": []}},
	}
}

test_non_user_namespace_root_denied if {
	not data.memories.authz.allow with input as {
		"operation": "write",
		"namespace": ["org", "alice", "prefs"],
		"key": "theme",
		"context": {"user_id": "alice", "client_id": "agent-1", "jwt_claims": {"roles": []}},
	}
}

test_attributes_lift_namespace_and_subject if {
	data.memories.attributes.attributes with input as {
		"namespace": ["user", "alice", "notes"],
		"key": "k1",
		"value": {"text": "hello"},
		"attributes": {"foo": "bar"},
	} == {"namespace": "user", "sub": "alice"}
}

test_filter_narrows_bare_prefix_to_subject if {
	result := data.memories.filter with input as {
		"namespace_prefix": ["user"],
		"filter": {},
		"context": {"user_id": "alice", "jwt_claims": {"roles": []}},
	}
	result.namespace_prefix == ["user", "alice"]
	result.attribute_filter == {"namespace": "user", "sub": "alice"}
}

test_filter_leaves_already_narrow_prefix_alone if {
	result := data.memories.filter with input as {
		"namespace_prefix": ["user", "alice", "notes"],
		"filter": {},
		"context": {"user_id": "alice", "jwt_claims": {"roles": []}},
	}
	result.namespace_prefix == ["user", "alice", "notes"]
	result.attribute_filter == {"namespace": "user", "sub": "alice"}
}

test_filter_ignores_caller_supplied_filter_keys if {
	result := data.memories.filter with input as {
		"namespace_prefix": ["user", "alice"],
		"filter": {"topic": "python"},
		"context": {"user_id": "alice", "jwt_claims": {"roles": []}},
	}
	result.namespace_prefix == ["user", "alice"]
	result.attribute_filter == {"namespace": "user", "sub": "alice"}
}

test_admin_search_is_unconstrained if {
	result := data.memories.filter with input as {
		"namespace_prefix": ["user"],
		"filter": {},
		"context": {"user_id": "alice", "jwt_claims": {"roles": ["admin"]}},
	}
	result.namespace_prefix == ["user"]
	result.attribute_filter == {}
}
`

func TestBuiltinPoliciesSatisfyTheirOwnAssertions(t *testing.T) {
	modules := map[string]string{
		"authz.rego":      defaultPolicySource[policyAuthz],
		"attributes.rego": defaultPolicySource[policyAttributes],
		"filter.rego":     defaultPolicySource[policyFilter],
		"tests.rego":      assertionsRego,
	}

	rules := []string{
		"test_owner_may_write_own_subtree",
		"test_reader_may_not_read_other_subject",
		"test_non_user_namespace_root_denied",
		"test_attributes_lift_namespace_and_subject",
		"test_filter_narrows_bare_prefix_to_subject",
		"test_filter_leaves_already_narrow_prefix_alone",
		"test_filter_ignores_caller_supplied_filter_keys",
		"test_admin_search_is_unconstrained",
	}

	for _, rule := range rules {
		rule := rule
		t.Run(rule, func(t *testing.T) {
			if !evalBooleanRule(t, modules, "data.memories.tests."+rule) {
				t.Fatalf("rego assertion failed: %s", rule)
			}
		})
	}
}

func evalBooleanRule(t *testing.T, modules map[string]string, query string) bool {
	t.Helper()

	opts := []func(*rego.Rego){rego.Query(query)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	results, err := rego.New(opts...).Eval(context.Background())
	if err != nil {
		t.Fatalf("eval %s: %v", query, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		t.Fatalf("eval %s: no result", query)
	}
	v, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		t.Fatalf("eval %s: expected bool, got %T", query, results[0].Expressions[0].Value)
	}
	return v
}

func TestPolicyEngineEvaluatesDefaults(t *testing.T) {
	ctx := context.Background()
	engine, err := NewPolicyEngine(ctx, "")
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}

	pc := PolicyContext{UserID: "alice", ClientID: "agent-1"}

	allowed, err := engine.IsAllowed(ctx, "write", []string{"user", "alice", "prefs"}, "theme", pc)
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if !allowed {
		t.Fatalf("expected owner write to be allowed")
	}

	allowed, err = engine.IsAllowed(ctx, "read", []string{"user", "bob", "prefs"}, "theme", pc)
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if allowed {
		t.Fatalf("expected cross-subject read to be denied")
	}

	attrs, err := engine.ExtractAttributes(ctx, []string{"user", "alice", "notes"}, "k1", map[string]interface{}{"text": "hi"}, nil)
	if err != nil {
		t.Fatalf("ExtractAttributes: %v", err)
	}
	if attrs["namespace"] != "user" || attrs["sub"] != "alice" {
		t.Fatalf("unexpected extracted attributes: %v", attrs)
	}

	prefix, filter, err := engine.InjectFilter(ctx, []string{"user"}, map[string]interface{}{}, pc)
	if err != nil {
		t.Fatalf("InjectFilter: %v", err)
	}
	if fmt.Sprint(prefix) != fmt.Sprint([]string{"user", "alice"}) {
		t.Fatalf("unexpected narrowed prefix: %v", prefix)
	}
	if filter["sub"] != "alice" {
		t.Fatalf("unexpected attribute filter: %v", filter)
	}
}

func TestBuildSQLFilter(t *testing.T) {
	clause, args := BuildSQLFilter(map[string]interface{}{"namespace": "user"})
	if clause != "policy_attributes->>'namespace' = $1" {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if len(args) != 1 || args[0] != "user" {
		t.Fatalf("unexpected args: %v", args)
	}

	clause, args = BuildSQLFilter(map[string]interface{}{"score": map[string]interface{}{"gte": 5}})
	if clause != "(policy_attributes->>'score')::numeric >= $1" {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if len(args) != 1 || args[0] != 5 {
		t.Fatalf("unexpected args: %v", args)
	}
}
