package nodeflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/nodeflow/nodeflow/internal/plugin"
	"github.com/nodeflow/nodeflow/model"
)

// Built-in node types.
const (
	NodeTypeDelay         = "delay"
	NodeTypeCondition     = "condition"
	NodeTypeStartFlow     = "start-flow"
	NodeTypeManualTrigger = "manual-trigger"
	NodeTypeFlowMerge     = "flow-merge"
)

const maxSuggestionDistance = 3

// NodeExecutor runs a node type over its merged input.
type NodeExecutor interface {
	Execute(ctx context.Context, nodeType string, input map[string]interface{}) (model.NodeResult, error)
}

// BuiltinFunc is a node handler registered under one node type.
type BuiltinFunc func(ctx context.Context, input map[string]interface{}) (model.NodeResult, error)

// ExecutorRegistry routes node types to the plugin first and to built-in handlers when the plugin
// reports the type as unknown.
type ExecutorRegistry struct {
	plugin   NodeExecutor
	builtins map[string]BuiltinFunc
	maxDelay time.Duration
}

// NewExecutorRegistry registers the built-in handlers. p may be nil when no plugin is configured.
func NewExecutorRegistry(p NodeExecutor, maxDelay time.Duration) *ExecutorRegistry {
	r := &ExecutorRegistry{
		plugin:   p,
		builtins: make(map[string]BuiltinFunc),
		maxDelay: maxDelay,
	}
	r.Register(NodeTypeDelay, passThrough)
	r.Register(NodeTypeCondition, evaluateCondition)
	r.Register(NodeTypeStartFlow, passThrough)
	r.Register(NodeTypeManualTrigger, passThrough)
	r.Register(NodeTypeFlowMerge, passThrough)
	return r
}

func (r *ExecutorRegistry) Register(nodeType string, fn BuiltinFunc) {
	r.builtins[nodeType] = fn
}

// IsBuiltin reports whether nodeType has a built-in handler. Built-in results are always final.
func (r *ExecutorRegistry) IsBuiltin(nodeType string) bool {
	_, ok := r.builtins[nodeType]
	return ok
}

func (r *ExecutorRegistry) Execute(ctx context.Context, nodeType string, input map[string]interface{}) (model.NodeResult, error) {
	if r.plugin != nil {
		result, err := r.plugin.Execute(ctx, nodeType, input)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, plugin.ErrUnknownNodeType) && !errors.Is(err, ErrUnknownNodeType) {
			return result, err
		}
	}

	fn, ok := r.builtins[nodeType]
	if !ok {
		return model.NodeResult{}, &UnknownNodeTypeError{NodeType: nodeType, Suggestion: r.suggest(nodeType)}
	}
	return fn(ctx, input)
}

// DelayFor returns how long the queue should hold a node before running it. Only delay nodes wait,
// and never longer than the configured maximum.
func (r *ExecutorRegistry) DelayFor(nodeType string, input map[string]interface{}) time.Duration {
	if nodeType != NodeTypeDelay {
		return 0
	}
	var seconds float64
	for _, key := range []string{"seconds", "delay", "duration"} {
		if v, ok := toFloat(input[key]); ok {
			seconds = v
			break
		}
	}
	if seconds <= 0 {
		return 0
	}
	d := time.Duration(seconds * float64(time.Second))
	if r.maxDelay > 0 && d > r.maxDelay {
		return r.maxDelay
	}
	return d
}

func (r *ExecutorRegistry) suggest(nodeType string) string {
	names := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestDistance := "", maxSuggestionDistance+1
	for _, name := range names {
		d := levenshtein.DistanceForStrings([]rune(strings.ToLower(nodeType)), []rune(name), levenshtein.DefaultOptions)
		if d < bestDistance {
			best, bestDistance = name, d
		}
	}
	return best
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// passThrough forwards its input unchanged. The "input" port is also exposed as "output".
func passThrough(_ context.Context, input map[string]interface{}) (model.NodeResult, error) {
	output := maps.Clone(input)
	if output == nil {
		output = map[string]interface{}{}
	}
	if v, ok := input["input"]; ok {
		output["output"] = v
	}
	return model.NodeResult{Success: true, Output: output}, nil
}

// evaluateCondition tests input["input"] with the operator in input["condition"] (or "operator")
// against input["value"]. The input is forwarded on the "true" or "false" port and the verdict is
// written to "result".
func evaluateCondition(_ context.Context, input map[string]interface{}) (model.NodeResult, error) {
	operator, _ := input["condition"].(string)
	if operator == "" {
		operator, _ = input["operator"].(string)
	}
	if operator == "" {
		operator = "exists"
	}

	subject := input["input"]
	var verdict bool
	switch strings.ToLower(operator) {
	case "exists":
		verdict = !isEmptyValue(subject)
	case "empty":
		verdict = isEmptyValue(subject)
	case "contains":
		verdict = containsValue(subject, input["value"])
	case "equals":
		verdict = fmt.Sprint(subject) == fmt.Sprint(input["value"])
	default:
		return model.NodeResult{Success: false, Error: fmt.Sprintf("unsupported condition: %s", operator)},
			fmt.Errorf("unsupported condition: %s", operator)
	}

	output := map[string]interface{}{"result": verdict}
	if verdict {
		output["true"] = subject
	} else {
		output["false"] = subject
	}
	return model.NodeResult{Success: true, Output: output}, nil
}

func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	default:
		return false
	}
}

func containsValue(subject, needle interface{}) bool {
	if subject == nil || needle == nil {
		return false
	}
	if items, ok := subject.([]interface{}); ok {
		for _, item := range items {
			if fmt.Sprint(item) == fmt.Sprint(needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(fmt.Sprint(subject), fmt.Sprint(needle))
}
