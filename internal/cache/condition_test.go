package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluator_Eval(t *testing.T) {
	t.Parallel()

	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	input := ConditionInput{
		Method:  "GET",
		Path:    "/api/assets",
		Query:   map[string]string{"cache": "yes"},
		Status:  200,
		Headers: map[string]string{"content-type": "application/json"},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"status match", `response.status == 200`, true},
		{"status mismatch", `response.status >= 500`, false},
		{"method and path", `request.method == 'GET' && request.path.startsWith('/api/')`, true},
		{"query parameter", `request.query['cache'] == 'yes'`, true},
		{"response header", `response.headers['content-type'] == 'application/json'`, true},
		{"combined", `response.status == 200 && request.query['cache'] == 'yes'`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := e.Eval(tt.expr, input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluator_CompileError(t *testing.T) {
	t.Parallel()

	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	assert.Error(t, e.Compile(`response.status ==`))
	assert.NoError(t, e.Compile(`response.status == 200`))
}

func TestConditionEvaluator_NonBooleanResult(t *testing.T) {
	t.Parallel()

	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	_, err = e.Eval(`response.status`, ConditionInput{Status: 200})
	assert.ErrorContains(t, err, "boolean")
}

func TestConditionEvaluator_ReusesPrograms(t *testing.T) {
	t.Parallel()

	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	const expr = `response.status == 200`
	require.NoError(t, e.Compile(expr))

	e.mu.RLock()
	_, cached := e.programs[expr]
	e.mu.RUnlock()
	assert.True(t, cached)

	got, err := e.Eval(expr, ConditionInput{Status: 200})
	require.NoError(t, err)
	assert.True(t, got)
}
