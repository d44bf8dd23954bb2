package nodeflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/model"
)

func TestExecutorRegistry_PluginResultReturnedVerbatim(t *testing.T) {
	plugin := &fakeExecutor{handler: func(string, map[string]interface{}) (model.NodeResult, error) {
		return model.NodeResult{Success: true, TaskID: "ext-1", Output: map[string]interface{}{"status": "submitted"}}, nil
	}}
	r := NewExecutorRegistry(plugin, time.Minute)

	result, err := r.Execute(context.Background(), "video-generation", map[string]interface{}{"prompt": "waves"})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", result.TaskID)
	assert.Equal(t, "waves", plugin.Calls()[0].Input["prompt"])
}

func TestExecutorRegistry_UnknownTypeFallsThroughToBuiltin(t *testing.T) {
	plugin := &fakeExecutor{}
	r := NewExecutorRegistry(plugin, time.Minute)

	result, err := r.Execute(context.Background(), NodeTypeStartFlow, map[string]interface{}{"input": "hello"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Output["output"])
	assert.Equal(t, "hello", result.Output["input"])
	assert.Len(t, plugin.Calls(), 1)
}

func TestExecutorRegistry_PluginFailureIsNotMasked(t *testing.T) {
	plugin := &fakeExecutor{handler: func(string, map[string]interface{}) (model.NodeResult, error) {
		return model.NodeResult{}, errors.New("model overloaded")
	}}
	r := NewExecutorRegistry(plugin, time.Minute)

	_, err := r.Execute(context.Background(), "image-generation", nil)
	require.Error(t, err)
	assert.Equal(t, "model overloaded", err.Error())
}

func TestExecutorRegistry_UnknownTypeWithSuggestion(t *testing.T) {
	r := NewExecutorRegistry(nil, time.Minute)

	_, err := r.Execute(context.Background(), "condtion", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownNodeType))

	var unknown *UnknownNodeTypeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, NodeTypeCondition, unknown.Suggestion)
	assert.Contains(t, err.Error(), "did you mean condition?")

	_, err = r.Execute(context.Background(), "speech-to-text", nil)
	require.True(t, errors.As(err, &unknown))
	assert.Empty(t, unknown.Suggestion)
}

func TestExecutorRegistry_DelayFor(t *testing.T) {
	r := NewExecutorRegistry(nil, 60*time.Second)

	tests := []struct {
		name     string
		nodeType string
		input    map[string]interface{}
		expected time.Duration
	}{
		{name: "seconds", nodeType: NodeTypeDelay, input: map[string]interface{}{"seconds": float64(5)}, expected: 5 * time.Second},
		{name: "string value", nodeType: NodeTypeDelay, input: map[string]interface{}{"delay": "2.5"}, expected: 2500 * time.Millisecond},
		{name: "capped", nodeType: NodeTypeDelay, input: map[string]interface{}{"duration": 600}, expected: 60 * time.Second},
		{name: "negative", nodeType: NodeTypeDelay, input: map[string]interface{}{"seconds": -3}, expected: 0},
		{name: "missing", nodeType: NodeTypeDelay, input: nil, expected: 0},
		{name: "other node", nodeType: "image-generation", input: map[string]interface{}{"seconds": 5}, expected: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.DelayFor(tt.nodeType, tt.input))
		})
	}
}

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]interface{}
		verdict bool
	}{
		{name: "exists by default", input: map[string]interface{}{"input": "value"}, verdict: true},
		{name: "exists on empty string", input: map[string]interface{}{"condition": "exists", "input": ""}, verdict: false},
		{name: "empty on missing", input: map[string]interface{}{"condition": "empty"}, verdict: true},
		{name: "empty on list", input: map[string]interface{}{"condition": "empty", "input": []interface{}{}}, verdict: true},
		{name: "contains substring", input: map[string]interface{}{"operator": "contains", "input": "a red fox", "value": "fox"}, verdict: true},
		{name: "contains list item", input: map[string]interface{}{"condition": "contains", "input": []interface{}{"a", "b"}, "value": "c"}, verdict: false},
		{name: "equals numbers", input: map[string]interface{}{"condition": "equals", "input": float64(3), "value": float64(3)}, verdict: true},
		{name: "equals mismatch", input: map[string]interface{}{"condition": "equals", "input": "yes", "value": "no"}, verdict: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluateCondition(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, result.Output["result"])
			if tt.verdict {
				assert.Contains(t, result.Output, "true")
				assert.NotContains(t, result.Output, "false")
			} else {
				assert.Contains(t, result.Output, "false")
				assert.NotContains(t, result.Output, "true")
			}
		})
	}
}

func TestEvaluateCondition_UnsupportedOperator(t *testing.T) {
	result, err := evaluateCondition(context.Background(), map[string]interface{}{"condition": "matches"})
	require.Error(t, err)
	assert.False(t, result.Success)
}
