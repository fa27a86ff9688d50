package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PII heuristics. Deliberately loose: a quality gate prefers a false
// positive over leaking a social security number.
var (
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`)
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

func registerBuiltins(ex *Executor) {
	ex.Register("non_empty", checkNonEmpty)
	ex.Register("min_length", checkMinLength)
	ex.Register("max_length", checkMaxLength)
	ex.Register("contains", checkContains)
	ex.Register("matches", checkMatches)
	ex.Register("valid_json", checkValidJSON)
	ex.Register("schema", checkSchema)
	ex.Register("no_pii", checkNoPII)
	ex.Register("cost_within_budget", checkCostBudget)
}

func checkNonEmpty(_ context.Context, _ Check, qctx Context) (bool, string, error) {
	if strings.TrimSpace(qctx.Output) == "" {
		return false, "output is empty", nil
	}
	return true, "", nil
}

func checkMinLength(_ context.Context, check Check, qctx Context) (bool, string, error) {
	min, ok := configInt(check.Config, "min", "min_length", "length")
	if !ok {
		return false, "", fmt.Errorf("quality: min_length requires a numeric min")
	}
	if len(qctx.Output) < min {
		return false, fmt.Sprintf("output length %d below minimum %d", len(qctx.Output), min), nil
	}
	return true, "", nil
}

func checkMaxLength(_ context.Context, check Check, qctx Context) (bool, string, error) {
	max, ok := configInt(check.Config, "max", "max_length", "length")
	if !ok {
		return false, "", fmt.Errorf("quality: max_length requires a numeric max")
	}
	if len(qctx.Output) > max {
		return false, fmt.Sprintf("output length %d exceeds maximum %d", len(qctx.Output), max), nil
	}
	return true, "", nil
}

func checkContains(_ context.Context, check Check, qctx Context) (bool, string, error) {
	needle, _ := check.Config["substring"].(string)
	if needle == "" {
		return false, "", fmt.Errorf("quality: contains requires a substring")
	}
	if !strings.Contains(qctx.Output, needle) {
		return false, fmt.Sprintf("output does not contain %q", needle), nil
	}
	return true, "", nil
}

func checkMatches(_ context.Context, check Check, qctx Context) (bool, string, error) {
	pattern, _ := check.Config["pattern"].(string)
	if pattern == "" {
		return false, "", fmt.Errorf("quality: matches requires a pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, "", fmt.Errorf("quality: invalid pattern %q: %w", pattern, err)
	}
	if !re.MatchString(qctx.Output) {
		return false, fmt.Sprintf("output does not match %q", pattern), nil
	}
	return true, "", nil
}

func checkValidJSON(_ context.Context, _ Check, qctx Context) (bool, string, error) {
	if !json.Valid([]byte(qctx.Output)) {
		return false, "output is not valid JSON", nil
	}
	return true, "", nil
}

// checkSchema validates JSON output against a JSON Schema supplied inline in
// the check config under "schema".
func checkSchema(_ context.Context, check Check, qctx Context) (bool, string, error) {
	schemaVal, ok := check.Config["schema"]
	if !ok {
		return false, "", fmt.Errorf("quality: schema check requires a schema")
	}
	schemaJSON, err := json.Marshal(schemaVal)
	if err != nil {
		return false, "", fmt.Errorf("quality: serialize schema: %w", err)
	}
	compiled, err := jsonschema.CompileString("gate.schema.json", string(schemaJSON))
	if err != nil {
		return false, "", fmt.Errorf("quality: compile schema: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(qctx.Output), &doc); err != nil {
		return false, "output is not valid JSON", nil
	}
	if err := compiled.Validate(doc); err != nil {
		return false, fmt.Sprintf("schema violation: %v", err), nil
	}
	return true, "", nil
}

func checkNoPII(_ context.Context, _ Check, qctx Context) (bool, string, error) {
	switch {
	case ssnPattern.MatchString(qctx.Output):
		return false, "output contains an SSN-like pattern", nil
	case creditCardPattern.MatchString(qctx.Output):
		return false, "output contains a credit-card-like pattern", nil
	case emailPattern.MatchString(qctx.Output):
		return false, "output contains an email address", nil
	}
	return true, "", nil
}

// checkCostBudget compares the run's accumulated cost (metadata "cost_usd")
// against the check's "budget_usd".
func checkCostBudget(_ context.Context, check Check, qctx Context) (bool, string, error) {
	budget, ok := configFloat(check.Config, "budget_usd", "budget")
	if !ok {
		return false, "", fmt.Errorf("quality: cost_within_budget requires budget_usd")
	}
	cost, _ := toFloat(qctx.Metadata["cost_usd"])
	if cost > budget {
		return false, fmt.Sprintf("cost $%.4f exceeds budget $%.4f", cost, budget), nil
	}
	return true, "", nil
}

func configInt(cfg map[string]interface{}, keys ...string) (int, bool) {
	for _, k := range keys {
		if f, ok := toFloat(cfg[k]); ok {
			return int(f), true
		}
	}
	return 0, false
}

func configFloat(cfg map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := toFloat(cfg[k]); ok {
			return f, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
