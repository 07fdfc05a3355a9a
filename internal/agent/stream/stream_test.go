package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"http://master:8080":      "ws://master:8080/ws/agent",
		"https://lattice.example": "wss://lattice.example/ws/agent",
		"http://master:8080/":     "ws://master:8080/ws/agent",
		"https://host/base":       "wss://host/base/ws/agent",
	}
	for in, want := range cases {
		got, err := wsURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
