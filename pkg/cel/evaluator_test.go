package cel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateExpression(t *testing.T) {
	evaluator, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		wantErr    bool
	}{
		{
			name:       "valid bool expression",
			expression: `value != ""`,
			wantErr:    false,
		},
		{
			name:       "valid expression using dimension",
			expression: `dimension == "province" && value.size() > 2`,
			wantErr:    false,
		},
		{
			name:       "non-bool output",
			expression: `value + "x"`,
			wantErr:    true,
		},
		{
			name:       "syntax error",
			expression: `value ==`,
			wantErr:    true,
		},
		{
			name:       "unknown variable",
			expression: `region == "NCR"`,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := evaluator.ValidateExpression(tt.expression)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	evaluator, err := NewEvaluator()
	require.NoError(t, err)

	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		dimension  string
		value      string
		want       bool
		wantErr    bool
	}{
		{
			name:       "empty expression admits everything",
			expression: "",
			dimension:  "province",
			value:      "NCR",
			want:       true,
		},
		{
			name:       "non-empty filter admits",
			expression: `value != ""`,
			dimension:  "province",
			value:      "Cebu",
			want:       true,
		},
		{
			name:       "non-empty filter rejects",
			expression: `value != ""`,
			dimension:  "province",
			value:      "",
			want:       false,
		},
		{
			name:       "prefix filter",
			expression: `value.startsWith("N")`,
			dimension:  "province",
			value:      "NCR",
			want:       true,
		},
		{
			name:       "dimension-aware filter",
			expression: `dimension == "channel" || value == "NCR"`,
			dimension:  "province",
			value:      "NCR",
			want:       true,
		},
		{
			name:       "compile failure surfaces",
			expression: `value ==`,
			dimension:  "province",
			value:      "NCR",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Admit(ctx, tt.expression, tt.dimension, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdmitCachesPrograms(t *testing.T) {
	evaluator, err := NewEvaluator()
	require.NoError(t, err)

	ctx := context.Background()
	expression := `value.size() >= 3`

	for i := 0; i < 3; i++ {
		ok, err := evaluator.Admit(ctx, expression, "province", "NCR")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	evaluator.mu.RLock()
	defer evaluator.mu.RUnlock()
	assert.Len(t, evaluator.programs, 1)
}
