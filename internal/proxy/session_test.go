package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSessionPath(t *testing.T) {
	tests := []struct {
		path      string
		sessionID string
		forwarded string
	}{
		{"/_session/agent-a/v1/messages", "agent-a", "/v1/messages"},
		{"/_session/a.b_c-d/api/generate", "a.b_c-d", "/api/generate"},
		{"/_session/agent-a", "agent-a", "/"},
		{"/_session/agent-a/", "agent-a", "/"},
		{"/v1/messages", "", "/v1/messages"},
		{"/_session//v1/messages", "", "/_session//v1/messages"},
		{"/_session/bad!id/v1/messages", "", "/_session/bad!id/v1/messages"},
	}
	for _, tt := range tests {
		id, fwd := SplitSessionPath(tt.path)
		assert.Equal(t, tt.sessionID, id, "path %s", tt.path)
		assert.Equal(t, tt.forwarded, fwd, "path %s", tt.path)
	}
}

func TestSplitSessionPathLengthLimit(t *testing.T) {
	long := strings.Repeat("x", 129)
	id, fwd := SplitSessionPath("/_session/" + long + "/v1/messages")
	assert.Empty(t, id)
	assert.Equal(t, "/_session/"+long+"/v1/messages", fwd)
}
