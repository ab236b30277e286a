package xray

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/qamesh/xrayql/internal/errs"
)

// ResourceType is a caller-supplied hint for which entity kind an
// identifier most likely belongs to. It reorders the lookup chain but
// never restricts it.
type ResourceType string

const (
	ResourceUnknown       ResourceType = ""
	ResourceTest          ResourceType = "TEST"
	ResourceTestSet       ResourceType = "TEST_SET"
	ResourceTestExecution ResourceType = "TEST_EXECUTION"
	ResourceTestPlan      ResourceType = "TEST_PLAN"
	ResourcePrecondition  ResourceType = "PRECONDITION"
)

// QueryExecutor is the gateway surface the resolver depends on.
// Implemented by Client.
type QueryExecutor interface {
	Execute(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error)
}

// lookup is one branch of the fallback chain: a named, typed query
// that maps a Jira key to an internal issue id, or reports a miss.
type lookup struct {
	name  string
	field string
}

func (l lookup) query() string {
	return fmt.Sprintf(`query ($jql: String!) { %s(jql: $jql, limit: 1) { results { issueId } } }`, l.field)
}

var (
	lookupTests          = lookup{name: "tests", field: "getTests"}
	lookupTestSets       = lookup{name: "test sets", field: "getTestSets"}
	lookupTestExecutions = lookup{name: "test executions", field: "getTestExecutions"}
	lookupTestPlans      = lookup{name: "test plans", field: "getTestPlans"}
	lookupIssues         = lookup{name: "generic issues", field: "getCoverableIssues"}
)

// lookupChain returns the ordered fallback chain for a hint. The hinted
// resource type is tried first; the remaining types follow in a fixed
// default order.
func lookupChain(hint ResourceType) []lookup {
	switch hint {
	case ResourceTest:
		return []lookup{lookupTests, lookupTestSets, lookupTestExecutions, lookupTestPlans, lookupIssues}
	case ResourceTestSet:
		return []lookup{lookupTestSets, lookupTests, lookupTestExecutions, lookupTestPlans, lookupIssues}
	case ResourceTestExecution:
		return []lookup{lookupTestExecutions, lookupTests, lookupTestSets, lookupTestPlans, lookupIssues}
	case ResourceTestPlan:
		return []lookup{lookupTestPlans, lookupTests, lookupTestSets, lookupTestExecutions, lookupIssues}
	case ResourcePrecondition:
		return []lookup{lookupTests, lookupIssues, lookupTestSets, lookupTestExecutions, lookupTestPlans}
	default:
		return []lookup{lookupTests, lookupTestSets, lookupTestExecutions, lookupTestPlans, lookupIssues}
	}
}

// Resolver maps human-readable Jira keys (for example "PROJ-123") to
// the internal numeric issue ids the GraphQL API expects. Resolved
// mappings are cached in a bounded LRU; entries carry no TTL and are
// dropped only by eviction or an explicit ClearCache.
type Resolver struct {
	exec   QueryExecutor
	cache  *lru.Cache[string, string]
	logger *slog.Logger

	// inflight collapses concurrent resolutions of the same uncached
	// key into one walk of the chain.
	inflight singleflight.Group
}

// defaultResolverCacheSize bounds the resolution cache when no capacity
// is configured.
const defaultResolverCacheSize = 4096

// NewResolver creates a Resolver issuing lookups through exec.
// cacheSize <= 0 selects the default capacity.
func NewResolver(exec QueryExecutor, cacheSize int, logger *slog.Logger) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = defaultResolverCacheSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating resolution cache: %w", err)
	}

	return &Resolver{exec: exec, cache: cache, logger: logger}, nil
}

// isNumeric reports whether s is non-empty and purely ASCII digits.
func isNumeric(s string) bool {
	if s == "" {
		return false
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}

// Resolve maps identifier to an internal id. Purely numeric
// identifiers and separator-free identifiers are assumed already
// internal and pass through without a network call. Human keys walk the
// fallback chain ordered by hint; the first branch returning a result
// wins and is cached. Per-branch failures are swallowed as "try the
// next branch"; only full exhaustion fails.
func (r *Resolver) Resolve(ctx context.Context, identifier string, hint ResourceType) (string, error) {
	if isNumeric(identifier) {
		return identifier, nil
	}

	if !strings.Contains(identifier, "-") {
		return identifier, nil
	}

	if id, ok := r.cache.Get(identifier); ok {
		return id, nil
	}

	v, err, _ := r.inflight.Do(identifier, func() (any, error) {
		if id, ok := r.cache.Get(identifier); ok {
			return id, nil
		}

		id, err := r.walkChain(ctx, identifier, hint)
		if err != nil {
			return "", err
		}

		r.cache.Add(identifier, id)

		return id, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (r *Resolver) walkChain(ctx context.Context, identifier string, hint ResourceType) (string, error) {
	vars := map[string]any{
		"jql": fmt.Sprintf("key = %q", identifier),
	}

	for _, l := range lookupChain(hint) {
		raw, err := r.exec.Execute(ctx, l.query(), vars)
		if err != nil {
			r.logger.Debug("lookup branch failed, trying next",
				slog.String("identifier", identifier),
				slog.String("branch", l.name),
				slog.String("error", err.Error()),
			)

			continue
		}

		id := gjson.GetBytes(raw, "data."+l.field+".results.0.issueId")
		if id.Exists() && id.String() != "" {
			return id.String(), nil
		}
	}

	return "", errs.Newf(errs.KindResolution, "no resource type recognized identifier %q", identifier)
}

// ResolveMany resolves each identifier in input order, sequentially,
// preserving order in the output. The first unresolvable identifier
// fails the whole call.
func (r *Resolver) ResolveMany(ctx context.Context, identifiers []string, hint ResourceType) ([]string, error) {
	ids := make([]string, 0, len(identifiers))

	for _, identifier := range identifiers {
		id, err := r.Resolve(ctx, identifier, hint)
		if err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// ClearCache drops all cached resolutions. Subsequent resolves repeat
// the fallback chain.
func (r *Resolver) ClearCache() {
	r.cache.Purge()
}
