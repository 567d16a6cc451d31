package export

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmtap/llmtap/internal/model"
	"github.com/llmtap/llmtap/internal/store"
)

func seedStore(t *testing.T, n int) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{StoreChunks: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	base := time.Now().UTC()
	for k := 0; k < n; k++ {
		i := &model.Interaction{
			ID:        model.NewID(),
			SessionID: "sess-1",
			StartedAt: base.Add(time.Duration(k) * time.Second),
			Provider:  model.ProviderOpenAI,
			Method:    "POST",
			Path:      "/v1/chat/completions",
			Model:     "gpt-4o",
		}
		st.CreateInteraction(i)
		st.AppendChunk(model.StreamChunk{
			ID: model.NewID(), InteractionID: i.ID, Seq: 0,
			ReceivedAt: base, EventType: "chunk", Raw: []byte("data: {}\n\n"),
		})
		i.ChunkCount = 1
		i.StatusCode = 200
		i.ReconstructedText = "hi"
		st.FinalizeInteraction(i)
	}
	require.NoError(t, st.Sync(context.Background()))
	return st
}

func TestCollectWithChunks(t *testing.T) {
	st := seedStore(t, 3)

	got, err := Collect(context.Background(), st, store.Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, i := range got {
		assert.Len(t, i.Chunks, 1)
	}

	limited, err := Collect(context.Background(), st, store.Filter{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := Collect(context.Background(), st, store.Filter{Provider: "ollama"}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWriteJSON(t *testing.T) {
	st := seedStore(t, 2)
	got, err := Collect(context.Background(), st, store.Filter{}, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, got))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.NotEmpty(t, decoded[0]["chunks"], "JSON export embeds chunks")
}

func TestWriteJSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, nil))
	assert.Equal(t, "[]", strings.TrimSpace(buf.String()))
}

func TestWriteJSONL(t *testing.T) {
	st := seedStore(t, 2)
	got, err := Collect(context.Background(), st, store.Filter{}, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, got, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		assert.NotContains(t, decoded, "chunks", "compact JSONL elides chunks")
	}

	buf.Reset()
	require.NoError(t, WriteJSONL(&buf, got, true))
	assert.Contains(t, buf.String(), `"chunks"`)
}
