package topic

import (
	"testing"

	"github.com/cuemby/aico-slmf/pkg/ferr"
	"github.com/stretchr/testify/require"
)

func TestValidateCanonical(t *testing.T) {
	require.NoError(t, ValidateCanonical("conversation/user/input/v1"))
	require.True(t, ferr.Is(ValidateCanonical(""), ferr.SchemaError))
	require.True(t, ferr.Is(ValidateCanonical("conversation/"), ferr.SchemaError))
	require.True(t, ferr.Is(ValidateCanonical("Conversation/User"), ferr.SchemaError))
	require.True(t, ferr.Is(ValidateCanonical("a//b"), ferr.SchemaError))
}

func TestCanonicalizeLegacyDotNotation(t *testing.T) {
	require.Equal(t, "a/b/c", Canonicalize("a.b.c"))
	require.Equal(t, "a/b/c", Canonicalize("a/b/c"))
}

func TestTransportPrefixMatch(t *testing.T) {
	require.True(t, TransportPrefixMatch("", "anything/at/all"))
	require.True(t, TransportPrefixMatch("conversation/", "conversation/user/input/v1"))
	require.False(t, TransportPrefixMatch("conversation/", "memory/store/request"))
}

func TestPatternMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "anything/goes", true},
		{"**", "anything/goes", true},
		{"", "anything/goes", true},
		{"conversation/", "conversation/user/input/v1", true},
		{"conversation/", "memory/store/request", false},
		{"conversation/user/input/v1", "conversation/user/input/v1", true},
		{"conversation/user/input/v1", "conversation/user/input/v2", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, MatchPattern(c.pattern, c.topic), "pattern=%s topic=%s", c.pattern, c.topic)
	}
}

func TestParsePatternTransportFilter(t *testing.T) {
	require.Equal(t, "", ParsePattern("*").TransportFilter())
	require.Equal(t, "conversation/", ParsePattern("conversation/").TransportFilter())
}
