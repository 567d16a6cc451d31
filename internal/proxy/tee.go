package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/llmtap/llmtap/internal/model"
	"github.com/llmtap/llmtap/internal/provider"
)

// relayBufSize bounds each upstream read so backpressure propagates and a
// slow parser can never hold more than one buffer of stream data.
const relayBufSize = 64 << 10

// relayState is the per-request plumbing shared between the handler and
// the relay loop: the idle watchdog, the upstream cancel, and the client's
// context for telling a disconnect apart from an upstream fault.
type relayState struct {
	clientCtx context.Context
	cancel    context.CancelFunc
	watchdog  *time.Timer
	idle      time.Duration
	timedOut  atomic.Bool
	start     time.Time
}

type relayResult struct {
	body      []byte
	chunkSeq  int
	ttftMs    *float64
	errKind   string // empty on clean EOF
	errDetail string
}

// relay copies the upstream body downstream in bounded reads. Each buffer
// is written and flushed to the client before it is parsed or queued for
// storage, so forwarding latency never waits on capture. A nil accumulator
// relays raw bytes only (non-streaming and passthrough responses).
func (h *Handler) relay(rc *relayState, w http.ResponseWriter, upstream io.Reader, acc provider.Accumulator, inter *model.Interaction) relayResult {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufSize)
	var out bytes.Buffer
	var res relayResult

	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if rc.watchdog != nil {
				rc.watchdog.Reset(rc.idle)
			}
			chunk := buf[:n]
			out.Write(chunk)

			_, werr := w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
			if acc != nil {
				h.recordEvents(rc, acc.Feed(chunk), inter, &res)
			}
			if werr != nil {
				// Client went away mid-stream: stop upstream promptly but
				// keep what was already received.
				res.errKind = "client_disconnect"
				res.errDetail = werr.Error()
				rc.cancel()
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			switch {
			case rc.timedOut.Load(), errors.Is(err, context.DeadlineExceeded):
				res.errKind = "upstream_timeout"
			case rc.clientCtx.Err() != nil:
				res.errKind = "client_disconnect"
			default:
				res.errKind = "upstream_protocol"
			}
			res.errDetail = err.Error()
			break
		}
	}

	if acc != nil {
		h.recordEvents(rc, acc.Flush(), inter, &res)
	}
	res.body = out.Bytes()
	return res
}

// recordEvents turns decoded frames into stream chunks. Sequence numbers
// follow receive order; time-to-first-token is stamped on the first frame
// carrying content.
func (h *Handler) recordEvents(rc *relayState, events []provider.Event, inter *model.Interaction, res *relayResult) {
	for _, ev := range events {
		if res.ttftMs == nil && ev.DeltaText != "" {
			t := msSince(rc.start)
			res.ttftMs = &t
		}
		h.store.AppendChunk(model.StreamChunk{
			ID:            model.NewID(),
			InteractionID: inter.ID,
			Seq:           res.chunkSeq,
			ReceivedAt:    time.Now().UTC(),
			EventType:     ev.Type,
			Raw:           ev.Raw,
			Decoded:       ev.Decoded,
		})
		res.chunkSeq++
	}
}
