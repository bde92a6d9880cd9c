package core

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// DefaultEnvironment is assumed when the caller does not configure one.
const DefaultEnvironment = "development"

// anonymousUserID stands in for an absent user ID so rollout bucketing
// stays deterministic for logged-out subjects.
const anonymousUserID = "anonymous"

// Evaluate decides the effective boolean state of flag for the given
// context and environment. It never panics and never returns an error;
// every malformed input resolves to a deny.
func Evaluate(flag Flag, context EvaluationContext, environment string) bool {
	return EvaluateAt(flag, context, environment, time.Now())
}

// EvaluateAt is Evaluate with an explicit clock. The checks run in order:
// expiry, environment, targeting rules (AND), rollout bucket, then the
// flag's base Enabled value. The first failing check wins.
func EvaluateAt(flag Flag, context EvaluationContext, environment string, now time.Time) bool {
	if flag.ExpiresAt != nil && flag.ExpiresAt.Before(now) {
		return false
	}

	if len(flag.Environments) > 0 {
		if environment == "" {
			environment = DefaultEnvironment
		}
		if !containsString(flag.Environments, environment) {
			return false
		}
	}

	if len(flag.Rules) > 0 {
		attrs := context.attributes()
		for _, rule := range flag.Rules {
			if !evaluateRule(rule, attrs) {
				return false
			}
		}
	}

	if flag.Rollout != nil && *flag.Rollout < 100 {
		if Bucket(context.UserID, flag.Key) >= *flag.Rollout {
			return false
		}
	}

	return flag.Enabled
}

// EvaluateAll evaluates every flag in flags against one context.
func EvaluateAll(flags map[string]Flag, context EvaluationContext, environment string) map[string]bool {
	results := make(map[string]bool, len(flags))
	now := time.Now()
	for key, flag := range flags {
		results[key] = EvaluateAt(flag, context, environment, now)
	}
	return results
}

// Bucket maps a user/flag pair onto a stable integer in [0, 99]. The hash
// is the classic 32-bit rolling string hash (h = h*31 + code) over the
// UTF-16 code units of userID+flagKey, matching what JavaScript SDKs
// compute with charCodeAt, so buckets agree across client platforms.
func Bucket(userID, flagKey string) int {
	if userID == "" {
		userID = anonymousUserID
	}

	var h int32
	for _, code := range utf16.Encode([]rune(userID + flagKey)) {
		h = h*31 + int32(code)
	}

	// abs in 64 bits: -h overflows int32 when h is math.MinInt32.
	wide := int64(h)
	if wide < 0 {
		wide = -wide
	}
	return int(wide % 100)
}

func evaluateRule(rule Rule, attributes map[string]any) bool {
	value, ok := resolveAttribute(attributes, rule.Attribute)
	if !ok || value == nil {
		return false
	}

	switch rule.Operator {
	case OperatorEquals:
		return valuesEqual(value, rule.Value)
	case OperatorContains:
		return strings.Contains(stringify(value), stringify(rule.Value))
	case OperatorStartsWith:
		return strings.HasPrefix(stringify(value), stringify(rule.Value))
	case OperatorEndsWith:
		return strings.HasSuffix(stringify(value), stringify(rule.Value))
	case OperatorIn:
		return valueIn(value, rule.Value)
	case OperatorGreaterThan:
		left, right, ok := bothNumeric(value, rule.Value)
		return ok && left > right
	case OperatorLessThan:
		left, right, ok := bothNumeric(value, rule.Value)
		return ok && left < right
	default:
		return false
	}
}

// resolveAttribute walks a dot-separated path through nested maps.
func resolveAttribute(attributes map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = attributes
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// stringify renders a value the way a loosely typed client would before a
// substring comparison. JSON-decoded numbers arrive as float64, so whole
// floats print without a fractional part.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		if n, ok := asInt64(value); ok {
			return strconv.FormatInt(n, 10)
		}
		if n, ok := asUint64(value); ok {
			return strconv.FormatUint(n, 10)
		}
		return ""
	}
}

func bothNumeric(left, right any) (float64, float64, bool) {
	l, ok := asNumber(left)
	if !ok {
		return 0, 0, false
	}
	r, ok := asNumber(right)
	if !ok {
		return 0, 0, false
	}
	return l, r, true
}

// asNumber coerces numbers and numeric strings to float64.
func asNumber(value any) (float64, bool) {
	if f, ok := asFloat64(value); ok {
		return f, true
	}
	if n, ok := asInt64(value); ok {
		return float64(n), true
	}
	if n, ok := asUint64(value); ok {
		return float64(n), true
	}
	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func valueIn(value any, ruleValue any) bool {
	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false
	}

	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true
		}
	}

	return false
}

func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
