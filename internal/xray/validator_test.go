package xray

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qamesh/xrayql/internal/errs"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()

	v, err := NewValidator(0)
	require.NoError(t, err)

	return v
}

// --- Accepted queries ---

func TestValidate_AcceptsWhitelistedQuery(t *testing.T) {
	v := newTestValidator(t)

	err := v.Validate(`query ($jql: String!) { getTests(jql: $jql, limit: 1) { results { issueId } } }`, nil)
	assert.NoError(t, err)
}

func TestValidate_AcceptsMutation(t *testing.T) {
	v := newTestValidator(t)

	query := `mutation CreateTest($jira: JSON!) {
		createTest(jira: $jira, testType: { name: "Manual" }) {
			test { issueId jira(fields: ["key"]) }
			warnings
		}
	}`
	assert.NoError(t, v.Validate(query, nil))
}

func TestValidate_AcceptsAliases(t *testing.T) {
	v := newTestValidator(t)

	// The alias identifier is skipped; the aliased field is checked.
	assert.NoError(t, v.Validate(`query { first: getTests(jql: "a", limit: 1) { total } }`, nil))

	verr := v.Validate(`query { first: notAllowed { total } }`, nil)
	require.Error(t, verr)
	assert.Equal(t, errs.KindQueryRejected, errs.KindOf(verr))
}

func TestValidate_ArgumentNamesAreNotFields(t *testing.T) {
	v := newTestValidator(t)

	// jql and limit only exist as argument names, never whitelisted as
	// fields, and must not be rejected.
	assert.NoError(t, v.Validate(`query { getTests(jql: "key = TEST-1", limit: 1) { total } }`, nil))
}

func TestValidate_AcceptsFragments(t *testing.T) {
	v := newTestValidator(t)

	query := `
		query { getTests(jql: "x", limit: 1) { results { ...TestFields } } }
		fragment TestFields on Test { issueId testType { name } }
	`
	assert.NoError(t, v.Validate(query, nil))
}

// --- Rejections ---

func TestValidate_RejectsEmptyQuery(t *testing.T) {
	v := newTestValidator(t)

	verr := v.Validate("   ", nil)
	require.Error(t, verr)
	assert.Equal(t, errs.KindQueryRejected, errs.KindOf(verr))
}

func TestValidate_RejectsIntrospection(t *testing.T) {
	v := newTestValidator(t)

	for _, query := range []string{
		`query { __schema { types { name } } }`,
		`query { __type(name: "Test") { name } }`,
		`query { getTests(jql: "x", limit: 1) { results { __typename } } }`,
	} {
		verr := v.Validate(query, nil)
		require.Error(t, verr, "query should be rejected: %s", query)
		assert.Equal(t, errs.KindQueryRejected, errs.KindOf(verr))
		assert.Contains(t, verr.Error(), "not allowed")
	}
}

func TestValidate_RejectsUnknownField(t *testing.T) {
	v := newTestValidator(t)

	verr := v.Validate(`query { getUsers { id } }`, nil)
	require.Error(t, verr)
	assert.Equal(t, errs.KindQueryRejected, errs.KindOf(verr))
	assert.Contains(t, verr.Error(), "getUsers")
}

func TestValidate_RejectsExcessiveDepth(t *testing.T) {
	v, errNew := NewValidator(3)
	require.NoError(t, errNew)

	// Depth 4: query { getTests { results { jira { key } } } }
	verr := v.Validate(`query { getTests(jql: "x", limit: 1) { results { jira { key } } } }`, nil)
	require.Error(t, verr)
	assert.Equal(t, errs.KindQueryRejected, errs.KindOf(verr))
	assert.Contains(t, verr.Error(), "depth")

	// Depth 3 passes under the same limit.
	assert.NoError(t, v.Validate(`query { getTests(jql: "x", limit: 1) { results { issueId } } }`, nil))
}

func TestValidate_RejectsUnbalancedQuery(t *testing.T) {
	v := newTestValidator(t)

	verr := v.Validate(`query { getTests(jql: "x", limit: 1) { total }`, nil)
	require.Error(t, verr)
	assert.Equal(t, errs.KindQueryRejected, errs.KindOf(verr))
}

func TestValidate_IgnoresFieldLikeTextInStrings(t *testing.T) {
	v := newTestValidator(t)

	// "__schema" appears only inside a string literal, which is data,
	// not a selection.
	assert.NoError(t, v.Validate(`query { getTests(jql: "summary ~ \"__schema stuff\"", limit: 1) { total } }`, nil))
}

// --- Variable checks ---

func TestValidate_RejectsScriptMarkupInVariables(t *testing.T) {
	v := newTestValidator(t)

	query := `query ($jql: String!) { getTests(jql: $jql, limit: 1) { total } }`

	for _, value := range []string{
		`<script>alert(1)</script>`,
		`JAVASCRIPT:alert(1)`,
		`<img onerror=alert(1)>`,
	} {
		verr := v.Validate(query, map[string]any{"jql": value})
		require.Error(t, verr, "variable should be rejected: %s", value)
		assert.Equal(t, errs.KindQueryRejected, errs.KindOf(verr))
	}
}

func TestValidate_RejectsNestedScriptMarkup(t *testing.T) {
	v := newTestValidator(t)

	query := `query ($jql: String!) { getTests(jql: $jql, limit: 1) { total } }`
	vars := map[string]any{
		"jql": "key = TEST-1",
		"extra": map[string]any{
			"list": []any{"fine", "<iframe src=x>"},
		},
	}

	verr := v.Validate(query, vars)
	require.Error(t, verr)
	assert.Equal(t, errs.KindQueryRejected, errs.KindOf(verr))
}

func TestValidate_AcceptsBenignVariables(t *testing.T) {
	v := newTestValidator(t)

	query := `query ($jql: String!) { getTests(jql: $jql, limit: 1) { total } }`
	vars := map[string]any{
		"jql":   `key = "PROJ-123"`,
		"count": 5,
		"flags": []any{"a", "b"},
	}

	assert.NoError(t, v.Validate(query, vars))
}

// --- Whitelist loading ---

func TestNewValidator_LoadsEmbeddedWhitelist(t *testing.T) {
	v := newTestValidator(t)

	for _, field := range []string{"getTests", "getTestSets", "getCoverableIssues", "results", "issueId"} {
		_, ok := v.fields[field]
		assert.True(t, ok, "expected %q on the whitelist", field)
	}
}

func TestNewValidator_DefaultDepth(t *testing.T) {
	v := newTestValidator(t)
	assert.Equal(t, defaultMaxQueryDepth, v.maxDepth)

	deep := `query ` + strings.Repeat("{ getTests ", defaultMaxQueryDepth+1) + strings.Repeat("}", defaultMaxQueryDepth+1)
	verr := v.Validate(deep, nil)
	require.Error(t, verr)
	assert.Contains(t, verr.Error(), "depth")
}
