package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_EvaluateBool(t *testing.T) {
	engine := NewEngine()

	env := map[string]any{
		"actor":    map[string]any{"id": "alice", "role": "admin"},
		"resource": map[string]any{"owner": "alice", "status": "enabled"},
	}

	tests := []struct {
		name    string
		source  string
		want    bool
		wantErr error
	}{
		{name: "member comparison", source: `actor.id == resource.owner`, want: true},
		{name: "boolean operators", source: `actor.role == "admin" && resource.status != "disabled"`, want: true},
		{name: "in operator", source: `actor.role in ["viewer", "editor"]`, want: false},
		{name: "undefined variable is nil", source: `ctx == nil`, want: true},
		{name: "non boolean result", source: `actor.id`, wantErr: ErrNotBoolean},
		{name: "empty source", source: ``, wantErr: ErrEmptyExpression},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.EvaluateBool(tt.source, env)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_CachesPrograms(t *testing.T) {
	engine := NewEngine()

	for range 3 {
		_, err := engine.Evaluate(`1 + 1`, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, engine.Size())

	_, err := engine.Compile(`1 +`)
	require.Error(t, err)
	assert.Equal(t, 1, engine.Size())
}
