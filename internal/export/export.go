// Package export serializes stored interactions for offline analysis.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/llmtap/llmtap/internal/model"
	"github.com/llmtap/llmtap/internal/store"
)

// Collect loads up to limit interactions matching the filter, each with
// its chunks, newest first. A limit of 0 means everything.
func Collect(ctx context.Context, st *store.Store, f store.Filter, limit int) ([]*model.Interaction, error) {
	const page = 200

	var out []*model.Interaction
	for offset := 0; ; offset += page {
		batch, err := st.ListInteractions(ctx, f, page, offset)
		if err != nil {
			return nil, err
		}
		for _, i := range batch {
			full, err := st.GetInteraction(ctx, i.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, full)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if len(batch) < page {
			return out, nil
		}
	}
}

// WriteJSON writes interactions as one indented JSON array with embedded
// chunks.
func WriteJSON(w io.Writer, interactions []*model.Interaction) error {
	if interactions == nil {
		interactions = []*model.Interaction{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(interactions); err != nil {
		return fmt.Errorf("encoding interactions: %w", err)
	}
	return nil
}

// WriteJSONL writes one interaction per line. Chunks are elided unless
// verbose is set, keeping lines small enough for line-oriented tooling.
func WriteJSONL(w io.Writer, interactions []*model.Interaction, verbose bool) error {
	enc := json.NewEncoder(w)
	for _, i := range interactions {
		if !verbose && i.Chunks != nil {
			trimmed := *i
			trimmed.Chunks = nil
			i = &trimmed
		}
		if err := enc.Encode(i); err != nil {
			return fmt.Errorf("encoding interaction %s: %w", i.ID, err)
		}
	}
	return nil
}
