package gateway

import (
	"net/http"
	"net/http/pprof"
	"runtime/debug"
	"strconv"

	"notifygw/internal/metrics"
	"notifygw/internal/render"
	"notifygw/pkg/logx"
)

type RouterOptions struct {
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
}

func Router(h *Handler, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /qr-status", h.QRStatus)
	mux.HandleFunc("GET /qr.png", h.QRImage)
	mux.HandleFunc("GET /pairing-code", h.PairingCode)

	mux.HandleFunc("POST /api/send", h.Send)
	mux.HandleFunc("POST /api/notify-task", h.Notify(render.TaskAssigned))
	mux.HandleFunc("POST /api/notify-reminder", h.Notify(render.Reminder))
	mux.HandleFunc("POST /api/notify-admin", h.Notify(render.AdminBroadcast))
	mux.HandleFunc("POST /api/notify-task-status", h.Notify(render.StatusChanged))
	mux.HandleFunc("POST /api/notify-task-completion", h.Notify(render.TaskCompleted))
	mux.HandleFunc("POST /api/notify-task-revocation", h.Notify(render.CompletionRevoked))
	mux.HandleFunc("POST /api/restart", h.Restart)

	mux.Handle("GET /metrics", metrics.Handler())

	if opts.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return instrument(recoverer(mux, h.log))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func recoverer(next http.Handler, log logx.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Error("handler panicked", logx.String("path", r.URL.Path), logx.Any("panic", v), logx.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}
