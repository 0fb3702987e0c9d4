package response

import (
	"fmt"
	"net/http"
	"runtime/debug"

	commonerrors "github.com/mb6226/iranvault/pkg/errors"
	"github.com/mb6226/iranvault/pkg/logger"
)

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// RecoveryMiddleware converts a handler panic into a logged 500 response.
// Nothing is written if the handler already started the response.
func RecoveryMiddleware(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w}
		defer func() {
			if v := recover(); v != nil {
				if log != nil {
					log.WithContext(r.Context()).Errorf("panic recovered", map[string]interface{}{
						"panic":     fmt.Sprint(v),
						"requestId": RequestIDFromRequest(r),
						"stack":     string(debug.Stack()),
					})
				}
				if !wrapped.wroteHeader {
					WriteErrorCode(wrapped, r, commonerrors.CodeInternal, "internal server error")
				}
			}
		}()
		next.ServeHTTP(wrapped, r)
	})
}
