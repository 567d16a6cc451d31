// Package store persists interactions and stream chunks in SQLite.
//
// All writes flow through a single writer goroutine fed by a bounded
// command queue, so rows for one interaction land in the order the proxy
// produced them and the hot path never blocks on fsync. Reads go straight
// to the pooled database handle; WAL mode keeps them concurrent with the
// writer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"

	"github.com/llmtap/llmtap/internal/model"
)

const writeQueueSize = 1024

var dialect = goqu.Dialect("sqlite3")

// Store owns the SQLite database. Open starts the writer goroutine;
// Close drains it and closes the handle.
type Store struct {
	db          *sql.DB
	writes      chan writeOp
	writerDone  chan struct{}
	storeChunks bool
}

type writeOp struct {
	fn   func(db *sql.DB) error
	done chan error // nil for fire-and-forget ops
}

// Options control persistence behavior.
type Options struct {
	// StoreChunks false skips per-chunk rows; interactions still record
	// their chunk counts and reconstructed content.
	StoreChunks bool
}

// Open opens (creating if needed) the database at path and applies
// pending migrations. Pragmas ride on the DSN so every pooled connection
// gets them, not just the one that ran a PRAGMA statement.
func Open(path string, opts Options) (*Store, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:          db,
		writes:      make(chan writeOp, writeQueueSize),
		writerDone:  make(chan struct{}),
		storeChunks: opts.StoreChunks,
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	defer close(s.writerDone)
	for op := range s.writes {
		err := op.fn(s.db)
		if op.done != nil {
			op.done <- err
		}
	}
}

// enqueue submits a write. A full queue blocks the caller rather than
// dropping records.
func (s *Store) enqueue(fn func(db *sql.DB) error) {
	s.writes <- writeOp{fn: fn}
}

// Sync blocks until every write enqueued before the call has committed.
func (s *Store) Sync(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case s.writes <- writeOp{fn: func(*sql.DB) error { return nil }, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the write queue, stops the writer, and closes the database.
func (s *Store) Close() error {
	close(s.writes)
	<-s.writerDone
	return s.db.Close()
}

// requestPayload and responsePayload are the JSON documents stored in the
// request_json / response_json columns: everything about an interaction
// that has no scalar column of its own.
type requestPayload struct {
	ClientAddr      string            `json:"client_addr,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            []byte            `json:"body,omitempty"`
	SystemPrompt    string            `json:"system_prompt,omitempty"`
	Messages        json.RawMessage   `json:"messages,omitempty"`
	Tools           json.RawMessage   `json:"tools,omitempty"`
	Images          []model.ImageMeta `json:"image_metadata,omitempty"`
	StreamRequested bool              `json:"stream_requested"`
}

type responsePayload struct {
	Headers           map[string]string   `json:"headers,omitempty"`
	Body              []byte              `json:"body,omitempty"`
	ReconstructedText string              `json:"reconstructed_text,omitempty"`
	ToolCalls         json.RawMessage     `json:"tool_calls,omitempty"`
	FinishReason      string              `json:"finish_reason,omitempty"`
	Usage             *model.Usage        `json:"usage,omitempty"`
	Cost              *model.CostEstimate `json:"cost_estimate,omitempty"`
}

func marshalRequest(i *model.Interaction) ([]byte, error) {
	return json.Marshal(requestPayload{
		ClientAddr:      i.ClientAddr,
		Headers:         i.RequestHeaders,
		Body:            i.RequestBody,
		SystemPrompt:    i.SystemPrompt,
		Messages:        i.Messages,
		Tools:           i.Tools,
		Images:          i.Images,
		StreamRequested: i.StreamRequested,
	})
}

func marshalResponse(i *model.Interaction) ([]byte, error) {
	return json.Marshal(responsePayload{
		Headers:           i.ResponseHeaders,
		Body:              i.ResponseBody,
		ReconstructedText: i.ReconstructedText,
		ToolCalls:         i.ToolCalls,
		FinishReason:      i.FinishReason,
		Usage:             i.Usage,
		Cost:              i.Cost,
	})
}

// CreateInteraction inserts the parent row as soon as the request side is
// parsed, so chunk rows appended while the response streams always have a
// parent to reference.
func (s *Store) CreateInteraction(i *model.Interaction) {
	reqJSON, err := marshalRequest(i)
	if err != nil {
		reqJSON = nil
	}
	id := i.ID
	sessionID := nullStr(i.SessionID)
	startedAt := i.StartedAt.UTC().Format(time.RFC3339Nano)
	provider := string(i.Provider)
	method, path, mdl := i.Method, i.Path, nullStr(i.Model)

	s.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO interactions
				(id, session_id, started_at, provider, method, path, model, request_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, sessionID, startedAt, provider, method, path, mdl, reqJSON)
		return err
	})
}

// AppendChunk records one stream chunk. No-op when chunk storage is off.
func (s *Store) AppendChunk(c model.StreamChunk) {
	if !s.storeChunks {
		return
	}
	id, interactionID, seq := c.ID, c.InteractionID, c.Seq
	receivedAt := c.ReceivedAt.UTC().Format(time.RFC3339Nano)
	eventType := c.EventType
	raw := c.Raw
	decoded := []byte(c.Decoded)

	s.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO stream_chunks
				(id, interaction_id, seq, received_at, event_type, raw, decoded_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, interactionID, seq, receivedAt, eventType, raw, decoded)
		return err
	})
}

// FinalizeInteraction writes the completed record over the parent row.
// After this lands the interaction is immutable.
func (s *Store) FinalizeInteraction(i *model.Interaction) {
	respJSON, err := marshalResponse(i)
	if err != nil {
		respJSON = nil
	}
	reqJSON, err := marshalRequest(i)
	if err != nil {
		reqJSON = nil
	}

	var completedAt any
	if !i.CompletedAt.IsZero() {
		completedAt = i.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	var status any
	if i.StatusCode != 0 {
		status = i.StatusCode
	}
	var prompt, completion, total any
	if i.Usage != nil {
		prompt, completion, total = i.Usage.PromptTokens, i.Usage.CompletionTokens, i.Usage.Total()
	}
	var cost any
	if i.Cost != nil {
		cost = i.Cost.TotalCost
	}
	mdl := nullStr(i.Model)
	errText := nullStr(i.Error)
	ttfb := nullFloat(i.TTFBMillis)
	ttft := nullFloat(i.TTFTMillis)
	latency := i.TotalLatencyMs
	streaming := i.Streaming
	chunkCount := i.ChunkCount
	id := i.ID

	s.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`
			UPDATE interactions SET
				completed_at = ?, model = ?, status_code = ?,
				prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
				cost_estimate = ?, ttfb_ms = ?, ttft_ms = ?, total_latency_ms = ?,
				chunk_count = ?, error = ?, streaming = ?,
				request_json = ?, response_json = ?
			WHERE id = ?`,
			completedAt, mdl, status,
			prompt, completion, total,
			cost, ttfb, ttft, latency,
			chunkCount, errText, streaming,
			reqJSON, respJSON, id)
		return err
	})
}

// DeleteAll removes every interaction (chunks cascade) and returns the
// number of interactions deleted. Synchronous: used by the admin DELETE
// endpoint and the save command's fresh-database mode.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	if err := s.Sync(ctx); err != nil {
		return 0, err
	}
	done := make(chan error, 1)
	var deleted int64
	select {
	case s.writes <- writeOp{fn: func(db *sql.DB) error {
		res, err := db.Exec(`DELETE FROM interactions`)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	}, done: done}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case err := <-done:
		return deleted, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Filter narrows list queries. Zero values match everything.
type Filter struct {
	Provider  string
	Model     string
	SessionID string
}

var listColumns = []any{
	"id", "session_id", "started_at", "completed_at", "provider", "method",
	"path", "model", "status_code", "prompt_tokens", "completion_tokens",
	"total_tokens", "cost_estimate", "ttfb_ms", "ttft_ms", "total_latency_ms",
	"chunk_count", "error", "streaming", "request_json", "response_json",
}

// ListInteractions returns interactions newest-first. Chunks are not
// loaded; use GetInteraction for the full record.
func (s *Store) ListInteractions(ctx context.Context, f Filter, limit, offset int) ([]*model.Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	ds := dialect.From("interactions").
		Select(listColumns...).
		Order(goqu.C("started_at").Desc(), goqu.C("id").Desc()).
		Limit(uint(limit)).
		Offset(uint(offset))
	if f.Provider != "" {
		ds = ds.Where(goqu.C("provider").Eq(f.Provider))
	}
	if f.Model != "" {
		ds = ds.Where(goqu.C("model").Eq(f.Model))
	}
	if f.SessionID != "" {
		ds = ds.Where(goqu.C("session_id").Eq(f.SessionID))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing interactions: %w", err)
	}
	defer rows.Close()

	var out []*model.Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// GetInteraction loads one interaction with its chunks in sequence order.
// Returns (nil, nil) when the id does not exist.
func (s *Store) GetInteraction(ctx context.Context, id string) (*model.Interaction, error) {
	ds := dialect.From("interactions").
		Select(listColumns...).
		Where(goqu.C("id").Eq(id))
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building get query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading interaction %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	i, err := scanInteraction(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	chunks, err := s.loadChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	i.Chunks = chunks
	return i, nil
}

func (s *Store) loadChunks(ctx context.Context, interactionID string) ([]model.StreamChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, interaction_id, seq, received_at, event_type, raw, decoded_json
		FROM stream_chunks WHERE interaction_id = ? ORDER BY seq`,
		interactionID)
	if err != nil {
		return nil, fmt.Errorf("loading chunks for %s: %w", interactionID, err)
	}
	defer rows.Close()

	var out []model.StreamChunk
	for rows.Next() {
		var c model.StreamChunk
		var receivedAt string
		var decoded []byte
		if err := rows.Scan(&c.ID, &c.InteractionID, &c.Seq, &receivedAt,
			&c.EventType, &c.Raw, &decoded); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		if len(decoded) > 0 {
			c.Decoded = json.RawMessage(decoded)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListSessions materializes the session view: a group-by over every
// interaction carrying a session id.
func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	ds := dialect.From("interactions").
		Select(
			goqu.C("session_id"),
			goqu.L("COUNT(*)").As("n"),
			goqu.L("MIN(started_at)").As("first_seen"),
			goqu.L("MAX(started_at)").As("last_seen"),
			goqu.L("GROUP_CONCAT(DISTINCT provider)").As("providers"),
			goqu.L("GROUP_CONCAT(DISTINCT model)").As("models"),
			goqu.L("COALESCE(SUM(total_latency_ms), 0)").As("latency"),
		).
		Where(goqu.C("session_id").IsNotNull()).
		GroupBy(goqu.C("session_id")).
		Order(goqu.L("MAX(started_at)").Desc())

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building sessions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var first, last string
		var providers, models sql.NullString
		if err := rows.Scan(&sess.SessionID, &sess.InteractionCount,
			&first, &last, &providers, &models, &sess.TotalLatencyMs); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
		sess.LastSeen, _ = time.Parse(time.RFC3339Nano, last)
		sess.Providers = splitConcat(providers)
		sess.Models = splitConcat(models)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Stats computes the aggregate snapshot across all interactions.
func (s *Store) Stats(ctx context.Context) (*model.Stats, error) {
	st := &model.Stats{
		ByProvider: map[string]int{},
		ByModel:    map[string]int{},
	}

	var errored int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(CASE WHEN error IS NOT NULL OR status_code >= 400 THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(total_latency_ms), 0)
		FROM interactions`,
	).Scan(&st.TotalInteractions, &st.TotalTokens, &errored, &st.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("computing totals: %w", err)
	}
	if st.TotalInteractions > 0 {
		st.ErrorRate = float64(errored) / float64(st.TotalInteractions)
	}

	if err := s.countGroup(ctx, "provider", 0, st.ByProvider); err != nil {
		return nil, err
	}
	// Model counts are capped: a long-running capture can see hundreds of
	// model strings and the stats view only needs the busiest ones.
	if err := s.countGroup(ctx, "model", 10, st.ByModel); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) countGroup(ctx context.Context, column string, limit uint, into map[string]int) error {
	ds := dialect.From("interactions").
		Select(goqu.C(column), goqu.L("COUNT(*)").As("n")).
		Where(goqu.C(column).IsNotNull()).
		GroupBy(goqu.C(column)).
		Order(goqu.L("COUNT(*)").Desc())
	if limit > 0 {
		ds = ds.Limit(limit)
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("building %s counts: %w", column, err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("counting by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scanning %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (*model.Interaction, error) {
	var (
		i                        model.Interaction
		sessionID, completedAt   sql.NullString
		mdl, errText             sql.NullString
		status                   sql.NullInt64
		prompt, completion       sql.NullInt64
		total                    sql.NullInt64
		cost, ttfb, ttft         sql.NullFloat64
		latency                  sql.NullFloat64
		startedAt                string
		streaming                bool
		provider                 string
		reqJSON, respJSON        []byte
	)
	if err := row.Scan(&i.ID, &sessionID, &startedAt, &completedAt, &provider,
		&i.Method, &i.Path, &mdl, &status, &prompt, &completion, &total,
		&cost, &ttfb, &ttft, &latency, &i.ChunkCount, &errText, &streaming,
		&reqJSON, &respJSON); err != nil {
		return nil, fmt.Errorf("scanning interaction: %w", err)
	}

	i.SessionID = sessionID.String
	i.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		i.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
	}
	i.Provider = model.Provider(provider)
	i.Model = mdl.String
	i.StatusCode = int(status.Int64)
	i.Error = errText.String
	i.Streaming = streaming
	i.TotalLatencyMs = latency.Float64
	if ttfb.Valid {
		v := ttfb.Float64
		i.TTFBMillis = &v
	}
	if ttft.Valid {
		v := ttft.Float64
		i.TTFTMillis = &v
	}

	if len(reqJSON) > 0 {
		var req requestPayload
		if err := json.Unmarshal(reqJSON, &req); err == nil {
			i.ClientAddr = req.ClientAddr
			i.RequestHeaders = req.Headers
			i.RequestBody = req.Body
			i.SystemPrompt = req.SystemPrompt
			i.Messages = req.Messages
			i.Tools = req.Tools
			i.Images = req.Images
			i.StreamRequested = req.StreamRequested
		}
	}
	if len(respJSON) > 0 {
		var resp responsePayload
		if err := json.Unmarshal(respJSON, &resp); err == nil {
			i.ResponseHeaders = resp.Headers
			i.ResponseBody = resp.Body
			i.ReconstructedText = resp.ReconstructedText
			i.ToolCalls = resp.ToolCalls
			i.FinishReason = resp.FinishReason
			i.Usage = resp.Usage
			i.Cost = resp.Cost
		}
	}
	return &i, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func splitConcat(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	start := 0
	for idx := 0; idx <= len(v.String); idx++ {
		if idx == len(v.String) || v.String[idx] == ',' {
			if idx > start {
				out = append(out, v.String[start:idx])
			}
			start = idx + 1
		}
	}
	return out
}
