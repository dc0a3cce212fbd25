package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/server/policy"
)

func TestFallbackAction(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AccessConfig
		want *policy.Action
	}{
		{
			name: "unset drops the connection",
			cfg:  config.AccessConfig{},
			want: nil,
		},
		{
			name: "defer gets a temporary reply",
			cfg:  config.AccessConfig{FallbackAction: "defer"},
			want: &policy.Action{Verb: "DEFER", Argument: "4.3.0 Policy service temporarily unavailable"},
		},
		{
			name: "reject gets a permanent reply",
			cfg:  config.AccessConfig{FallbackAction: "REJECT", FallbackArgument: "try later"},
			want: &policy.Action{Verb: "REJECT", Argument: "5.3.0 try later"},
		},
		{
			name: "numeric verb keeps the exact reply code",
			cfg:  config.AccessConfig{FallbackAction: "451", FallbackEnhancedCode: "4.7.1", FallbackArgument: "rule store down"},
			want: &policy.Action{Verb: "451", Argument: "4.7.1 rule store down"},
		},
		{
			name: "verbs without a reply pass the argument through",
			cfg:  config.AccessConfig{FallbackAction: "DUNNO"},
			want: &policy.Action{Verb: "DUNNO"},
		},
		{
			name: "line breaks in the text are folded",
			cfg:  config.AccessConfig{FallbackAction: "DEFER_IF_PERMIT", FallbackArgument: "store\r\nunavailable"},
			want: &policy.Action{Verb: "DEFER_IF_PERMIT", Argument: "4.3.0 store unavailable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FallbackAction(&tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if got != nil {
				_, err := policy.EncodeAction(*got)
				assert.NoError(t, err)
			}
		})
	}
}

func TestFallbackActionErrors(t *testing.T) {
	for _, cfg := range []config.AccessConfig{
		{FallbackAction: "DEFER", FallbackEnhancedCode: "5.3.0"},
		{FallbackAction: "451", FallbackEnhancedCode: "4.3"},
		{FallbackAction: "DEFER", FallbackEnhancedCode: "x.y.z"},
		{FallbackAction: "REJECT", FallbackEnhancedCode: "3.0.0"},
	} {
		_, err := FallbackAction(&cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}
