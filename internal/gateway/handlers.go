// Package gateway is the HTTP surface of the notification gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notifygw/internal/metrics"
	"notifygw/internal/outbox"
	"notifygw/internal/render"
	"notifygw/internal/session"
	"notifygw/internal/status"
	"notifygw/pkg/logx"
)

const (
	DefaultSendTimeout  = 60 * time.Second
	DefaultMaxBodyBytes = 64 << 10

	errMissingParams = "Missing required parameters"
)

// Session is the connection supervisor as seen by the handlers.
type Session interface {
	IsUsable() bool
	Send(ctx context.Context, recipient, body string) (string, error)
	Snapshot() session.Status
	Restart()
}

// Challenges exposes the published authentication artifacts.
type Challenges interface {
	Visual() (png []byte, issuedAt time.Time, ok bool)
	PairingCode() (code string, issuedAt time.Time, ok bool)
	Pending() bool
	Stale(now time.Time) bool
}

type Config struct {
	SendTimeout  time.Duration
	MaxBodyBytes int64
}

type Handler struct {
	sess  Session
	queue *outbox.Queue
	pub   Challenges
	norm  render.Normalizer
	log   logx.Logger
	cfg   Config
}

func NewHandler(cfg Config, sess Session, queue *outbox.Queue, pub Challenges, norm render.Normalizer, log logx.Logger) *Handler {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{sess: sess, queue: queue, pub: pub, norm: norm, log: log.With(logx.String("comp", "gateway")), cfg: cfg}
}

type healthResponse struct {
	Status     string `json:"status"`
	Connected  bool   `json:"connected"`
	Uptime     string `json:"uptime"`
	QueueSize  int    `json:"queueSize"`
	RetryCount int    `json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.sess.Snapshot()
	connected := st.State == session.Connected
	var up time.Duration
	if connected && !st.ConnectedAt.IsZero() {
		up = time.Since(st.ConnectedAt)
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     st.StateName,
		Connected:  connected,
		Uptime:     status.FormatUptime(up),
		QueueSize:  h.queue.Len(),
		RetryCount: st.RetryCount,
		LastError:  st.LastError,
	})
}

func (h *Handler) QRStatus(w http.ResponseWriter, r *http.Request) {
	_, _, qr := h.pub.Visual()
	_, _, code := h.pub.PairingCode()
	writeJSON(w, http.StatusOK, map[string]any{
		"qrAvailable":          qr,
		"pairingCodeAvailable": code,
		"connected":            h.sess.IsUsable(),
		"stale":                h.pub.Stale(time.Now()),
	})
}

func (h *Handler) QRImage(w http.ResponseWriter, r *http.Request) {
	png, issuedAt, ok := h.pub.Visual()
	if !ok {
		writeError(w, http.StatusNotFound, "No QR code available")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", issuedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) PairingCode(w http.ResponseWriter, r *http.Request) {
	code, issuedAt, ok := h.pub.PairingCode()
	if !ok {
		writeError(w, http.StatusNotFound, "No pairing code available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairingCode": code, "issuedAt": issuedAt.UTC()})
}

func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	h.log.Warn("operator restart requested", logx.String("remote", r.RemoteAddr))
	h.sess.Restart()
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "status": h.sess.Snapshot().StateName})
}

// Send delivers a raw message without templating.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, errMissingParams)
		return
	}
	h.dispatch(w, r, req.To, req.Message, render.Raw)
}

// Notify returns the handler for a templated notification kind.
func (h *Handler) Notify(kind render.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if !h.decode(w, r, &raw) {
			return
		}
		fields := toFields(raw)
		missing, err := render.Missing(kind, fields)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(missing) > 0 {
			h.log.Debug("notification rejected", logx.String("kind", string(kind)), logx.Any("missing", missing))
			writeError(w, http.StatusBadRequest, errMissingParams)
			return
		}
		body, err := render.Render(kind, fields)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.dispatch(w, r, fields["phone"], body, kind)
	}
}

// dispatch sends directly when the session is usable and queues otherwise.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, phone, body string, kind render.Kind) {
	recipient := h.norm.Normalize(phone)
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "Invalid phone number")
		return
	}
	log := h.log.With(logx.String("kind", string(kind)), logx.String("to", recipient))

	if h.sess.IsUsable() {
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.SendTimeout)
		id, err := h.sess.Send(ctx, recipient, body)
		cancel()
		switch {
		case err == nil:
			metrics.MessagesSent.WithLabelValues("direct").Inc()
			log.Info("message sent", logx.String("message_id", id))
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": id})
			return
		case errors.Is(err, session.ErrNotConnected):
			// Lost the session between the check and the send.
		default:
			metrics.MessagesFailed.Inc()
			log.Warn("direct send failed; queued for retry", logx.Err(err))
			m := outbox.NewMessage(recipient, body, string(kind))
			m.Attempts = 1
			if qerr := h.queue.Enqueue(m); qerr != nil {
				h.queueFull(w, log)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"success": false, "queued": true, "error": err.Error()})
			return
		}
	}

	if err := h.queue.Enqueue(outbox.NewMessage(recipient, body, string(kind))); err != nil {
		h.queueFull(w, log)
		return
	}
	log.Info("session not connected; message queued", logx.Int("queue_size", h.queue.Len()))
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": true, "message": "Session not connected; message queued for delivery"})
}

func (h *Handler) queueFull(w http.ResponseWriter, log logx.Logger) {
	log.Warn("outbound queue full; message rejected")
	writeError(w, http.StatusServiceUnavailable, "Outbound queue is full, try again later")
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, h.cfg.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func toFields(raw map[string]any) render.Fields {
	out := make(render.Fields, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
