package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

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

// Middleware records mutating requests and denied or failed reads. Failures to
// write the audit log are logged and never fail the request.
func Middleware(auditLog Logger, logger *observability.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			if !shouldRecord(r, rec.status) {
				return
			}
			event := newEvent(r, rec.status, time.Since(start))
			if err := auditLog.Log(r.Context(), event); err != nil {
				logger.WithError(err).WithField("action", event.Action).Error("failed to write audit event")
			}
		})
	}
}

func shouldRecord(r *http.Request, status int) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return true
	}
	return status >= 400
}

func newEvent(r *http.Request, status int, elapsed time.Duration) *Event {
	action := r.Method + " " + r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			action = r.Method + " " + tpl
		}
	}

	event := &Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Action:     action,
		Status:     StatusFor(status),
		StatusCode: status,
		RequestID:  observability.GetRequestID(r.Context()),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Path:       r.URL.Path,
		DurationMS: elapsed.Milliseconds(),
	}
	vars := mux.Vars(r)
	if owner, err := strconv.ParseInt(vars["owner"], 10, 64); err == nil {
		event.OwnerID = &owner
	}
	event.ResourceID = vars["id"]
	return event
}
