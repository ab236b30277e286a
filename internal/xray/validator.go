package xray

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/qamesh/xrayql/internal/errs"
)

//go:embed whitelist.yaml
var whitelistYAML []byte

// defaultMaxQueryDepth bounds selection-set nesting when no explicit
// depth is configured. Deep queries multiply server-side cost.
const defaultMaxQueryDepth = 10

// scriptMarkers are substrings that mark a variable value as carrying
// script-like content. This is a shallow string check on values, not a
// re-parse of the query.
var scriptMarkers = []string{
	"<script",
	"</script",
	"javascript:",
	"vbscript:",
	"onerror=",
	"onload=",
	"onclick=",
	"<iframe",
	"data:text/html",
}

// graphqlKeywords never count as fields during query scanning.
var graphqlKeywords = map[string]struct{}{
	"query":        {},
	"mutation":     {},
	"subscription": {},
	"fragment":     {},
	"on":           {},
	"true":         {},
	"false":        {},
	"null":         {},
}

// Validator accepts or rejects GraphQL queries before they reach the
// wire. It rejects introspection, fields outside the whitelist,
// selection sets nested beyond the depth limit, and variable values
// carrying script-like markup. It performs no rewriting and holds no
// state across calls beyond its whitelist and depth configuration.
type Validator struct {
	fields   map[string]struct{}
	maxDepth int
}

type whitelistFile struct {
	Fields []string `yaml:"fields"`
}

// NewValidator builds a Validator from the embedded field whitelist.
// maxDepth <= 0 selects the default depth limit.
func NewValidator(maxDepth int) (*Validator, error) {
	var wl whitelistFile
	if err := yaml.Unmarshal(whitelistYAML, &wl); err != nil {
		return nil, fmt.Errorf("parsing field whitelist: %w", err)
	}

	if len(wl.Fields) == 0 {
		return nil, fmt.Errorf("field whitelist is empty")
	}

	if maxDepth <= 0 {
		maxDepth = defaultMaxQueryDepth
	}

	fields := make(map[string]struct{}, len(wl.Fields))
	for _, f := range wl.Fields {
		fields[f] = struct{}{}
	}

	return &Validator{fields: fields, maxDepth: maxDepth}, nil
}

// Validate checks query and variables against the whitelist, depth
// limit, and variable markup rules. A nil error means the query may be
// sent unchanged; any violation is a query-rejected error naming the
// rule.
func (v *Validator) Validate(query string, variables map[string]any) error {
	if strings.TrimSpace(query) == "" {
		return errs.New(errs.KindQueryRejected, "query is empty")
	}

	fields, depth, err := scanQuery(query)
	if err != nil {
		return errs.Wrap(errs.KindQueryRejected, "query could not be scanned", err)
	}

	if depth > v.maxDepth {
		return errs.Newf(errs.KindQueryRejected, "query nesting depth %d exceeds the maximum of %d", depth, v.maxDepth)
	}

	for _, f := range fields {
		if strings.HasPrefix(f, "__") {
			return errs.Newf(errs.KindQueryRejected, "introspection field %q is not allowed", f)
		}

		if _, ok := v.fields[f]; !ok {
			return errs.Newf(errs.KindQueryRejected, "field %q is not on the allowed field list", f)
		}
	}

	if err := checkVariables(variables); err != nil {
		return err
	}

	return nil
}

// checkVariables walks variable values recursively and rejects string
// values containing script-like markup.
func checkVariables(value any) error {
	switch val := value.(type) {
	case nil:
		return nil
	case string:
		lower := strings.ToLower(val)
		for _, marker := range scriptMarkers {
			if strings.Contains(lower, marker) {
				return errs.Newf(errs.KindQueryRejected, "variable value contains disallowed markup %q", marker)
			}
		}
	case map[string]any:
		for _, nested := range val {
			if err := checkVariables(nested); err != nil {
				return err
			}
		}
	case []any:
		for _, nested := range val {
			if err := checkVariables(nested); err != nil {
				return err
			}
		}
	}

	return nil
}

// scanQuery extracts selection-set field names and the maximum nesting
// depth from a GraphQL document. It is a light lexical scan, not a full
// parse: identifiers inside argument lists, variable definitions,
// aliases, directives, operation names, and fragment spreads are
// skipped, so only names actually selected as fields are returned.
func scanQuery(query string) (fields []string, maxDepth int, err error) {
	src := []byte(query)

	var (
		parenDepth int
		braceDepth int
		// expectName swallows the identifier following an operation or
		// fragment keyword, or a fragment spread / type condition.
		expectName bool
	)

	for i := 0; i < len(src); i++ {
		c := src[i]

		switch {
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case c == '"':
			end, serr := skipString(src, i)
			if serr != nil {
				return nil, 0, serr
			}
			i = end

		case c == '(':
			parenDepth++
			expectName = false

		case c == ')':
			parenDepth--
			if parenDepth < 0 {
				return nil, 0, fmt.Errorf("unbalanced parentheses")
			}

		case c == '{':
			// An anonymous operation's selection set can follow the
			// bare keyword directly.
			expectName = false

			if parenDepth == 0 {
				braceDepth++
				if braceDepth > maxDepth {
					maxDepth = braceDepth
				}
			}

		case c == '}':
			if parenDepth == 0 {
				braceDepth--
				if braceDepth < 0 {
					return nil, 0, fmt.Errorf("unbalanced braces")
				}
			}

		case c == '$':
			// Variable reference: skip the identifier.
			i = skipIdentifier(src, i+1) - 1

		case c == '@':
			// Directive name: skip it.
			i = skipIdentifier(src, i+1) - 1
			expectName = false

		case c == '.' && i+2 < len(src) && src[i+1] == '.' && src[i+2] == '.':
			// Fragment spread or inline fragment: the next identifier
			// is a fragment name or the "on" keyword, never a field.
			expectName = true
			i += 2

		case isIdentStart(c):
			end := skipIdentifier(src, i)
			word := string(src[i:end])
			i = end - 1

			if expectName {
				// "on" introduces a type condition: the type name that
				// follows must be swallowed as well.
				expectName = word == "on"

				continue
			}

			if _, kw := graphqlKeywords[word]; kw {
				if word == "query" || word == "mutation" || word == "subscription" || word == "fragment" || word == "on" {
					expectName = true
				}

				continue
			}

			// Inside argument lists: argument names and enum values.
			if parenDepth > 0 {
				continue
			}

			// An identifier directly followed by ':' is an alias; the
			// aliased field follows and is checked on its own.
			if nextSignificant(src, end) == ':' {
				continue
			}

			fields = append(fields, word)
		}
	}

	if braceDepth != 0 {
		return nil, 0, fmt.Errorf("unbalanced braces")
	}

	if parenDepth != 0 {
		return nil, 0, fmt.Errorf("unbalanced parentheses")
	}

	return fields, maxDepth, nil
}

// skipString returns the index of the closing quote of the string
// starting at src[start] (which must be '"'). Handles both regular
// strings with escapes and triple-quoted block strings.
func skipString(src []byte, start int) (int, error) {
	// Block string.
	if start+2 < len(src) && src[start+1] == '"' && src[start+2] == '"' {
		for i := start + 3; i+2 < len(src); i++ {
			if src[i] == '"' && src[i+1] == '"' && src[i+2] == '"' {
				return i + 2, nil
			}
		}

		return 0, fmt.Errorf("unterminated block string")
	}

	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case '"':
			return i, nil
		case '\n':
			return 0, fmt.Errorf("unterminated string")
		}
	}

	return 0, fmt.Errorf("unterminated string")
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// skipIdentifier returns the index just past the identifier starting at
// src[start].
func skipIdentifier(src []byte, start int) int {
	i := start
	for i < len(src) && isIdentPart(src[i]) {
		i++
	}

	return i
}

// nextSignificant returns the first non-whitespace byte at or after
// src[i], or 0 at end of input.
func nextSignificant(src []byte, i int) byte {
	for ; i < len(src); i++ {
		switch src[i] {
		case ' ', '\t', '\n', '\r', ',':
		default:
			return src[i]
		}
	}

	return 0
}
