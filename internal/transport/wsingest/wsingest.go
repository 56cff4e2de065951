// Package wsingest accepts audio streams over websockets.
//
// A client connects to /v1/stream, sends a JSON [Hello] as its first text
// message and then one binary message per audio frame. Outbound events are
// written back on the same connection as JSON text messages. When the
// connection cannot take an event, an optional fallback transport (for
// example a webhook) gets it instead.
package wsingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/internal/outbound"
	"github.com/MrWong99/turnstile/internal/resilience"
	"github.com/MrWong99/turnstile/internal/session"
	"github.com/MrWong99/turnstile/pkg/audio"
)

const (
	defaultHelloTimeout = 10 * time.Second
	defaultDrainTimeout = time.Minute
	defaultReadLimit    = 1 << 20
)

// Config tunes a [Handler]. The zero value is usable.
type Config struct {
	// Fallbacks are tried in order for events the websocket could not
	// deliver. Optional.
	Fallbacks []outbound.Transport

	// CircuitBreaker is applied to each outbound transport.
	CircuitBreaker resilience.CircuitBreakerConfig

	// PushTimeout bounds one websocket write. Zero uses
	// [outbound.DefaultTimeout].
	PushTimeout time.Duration

	// HelloTimeout bounds the wait for the hello message.
	HelloTimeout time.Duration

	// DrainTimeout bounds how long queued turns may run after the client
	// left.
	DrainTimeout time.Duration

	// ReadLimit is the largest accepted message in bytes.
	ReadLimit int64

	// OriginPatterns are passed to [websocket.AcceptOptions]. Empty allows
	// same-origin requests only.
	OriginPatterns []string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Handler serves the ingest websocket.
type Handler struct {
	streams *session.Manager
	cfg     Config
}

// New returns a Handler opening its streams on m.
func New(m *session.Manager, cfg Config) *Handler {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Handler{streams: m, cfg: cfg}
}

// Register adds the ingest routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream", h.ServeStream)
	mux.HandleFunc("GET /v1/streams", h.ServeList)
}

// ServeList writes the open streams as JSON.
func (h *Handler) ServeList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"streams": h.streams.List()})
}

// ServeStream upgrades the request and runs one stream until the client
// disconnects or the stream is closed by the server.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	ctx := r.Context()
	log := observe.Logger(ctx).With("remote", r.RemoteAddr)

	f, hello, err := h.readHello(ctx, conn)
	if err != nil {
		log.Info("rejecting stream", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, truncateReason(err.Error()))
		return
	}

	var dec *audio.OpusDecoder
	if f.opus {
		if dec, err = audio.NewOpusDecoder(f.sampleRate, f.channels); err != nil {
			log.Info("rejecting stream", "err", err)
			_ = conn.Close(websocket.StatusUnsupportedData, truncateReason(err.Error()))
			return
		}
	}

	transports := []outbound.Transport{outbound.NewPush(conn, h.cfg.PushTimeout)}
	transports = append(transports, h.cfg.Fallbacks...)
	out, err := outbound.New(outbound.Config{CircuitBreaker: h.cfg.CircuitBreaker, Metrics: h.cfg.Metrics}, transports...)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "outbound unavailable")
		return
	}

	stream, err := h.streams.Open(ctx, hello.SessionID, out)
	if err != nil {
		log.Warn("stream not opened", "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "server unavailable")
		return
	}
	log = log.With("stream", stream.ID(), "session", stream.SessionID())
	log.Info("stream connected",
		"sample_rate", f.sampleRate, "channels", f.channels, "encoding", hello.Encoding, "opus", f.opus)

	status, reason := h.pump(ctx, log, conn, stream, f, dec)

	// Let queued turns finish; their events still go out through whatever
	// transport is left.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.DrainTimeout)
	if err := h.streams.Release(drainCtx, stream.ID()); err != nil {
		log.Warn("stream drain incomplete", "err", err)
	}
	cancel()
	_ = conn.Close(status, reason)
}

// readHello waits for the first text message.
func (h *Handler) readHello(ctx context.Context, conn *websocket.Conn) (format, Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.HelloTimeout)
	defer cancel()

	var hello Hello
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return format{}, Hello{}, err
	}
	f, err := hello.parse()
	return f, hello, err
}

// pump reads frames until the connection or the stream ends and returns the
// close status to send.
func (h *Handler) pump(ctx context.Context, log *slog.Logger, conn *websocket.Conn, stream *session.Stream, f format, dec *audio.OpusDecoder) (websocket.StatusCode, string) {
	var index uint64
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info("stream disconnected")
			default:
				log.Info("stream read ended", "err", err)
			}
			return websocket.StatusNormalClosure, ""
		}
		if typ != websocket.MessageBinary {
			log.Debug("ignoring text message after hello", "bytes", len(data))
			continue
		}

		raw := f.raw(data, index)
		if dec != nil {
			raw, err = dec.Decode(data, index)
			if err != nil {
				h.cfg.Metrics.RecordFrameError(ctx, "opus")
				log.Debug("dropping undecodable opus packet", "index", index, "err", err)
				index++
				continue
			}
		}
		index++

		if err := stream.Ingest(ctx, raw); err != nil {
			if errors.Is(err, session.ErrStreamClosed) {
				return websocket.StatusGoingAway, "server shutting down"
			}
			log.Debug("frame ingested with errors", "err", err)
		}
	}
}

// truncateReason keeps a close reason within the 123 bytes a close frame
// can carry.
func truncateReason(s string) string {
	const max = 123
	if len(s) <= max {
		return s
	}
	return s[:max]
}
