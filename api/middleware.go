package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/vocdoni/securevote/log"
)

// DisabledLogging turns off request and response logging.
var DisabledLogging = false

// requestLogger logs every request and its outcome at debug level. JSON
// bodies are included, truncated to maxBody bytes; other bodies are left out.
// Paths starting with one of skip are not logged.
func requestLogger(maxBody int, skip ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if DisabledLogging || log.Level() != log.LogLevelDebug || hasAnyPrefix(r.URL.Path, skip) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			body, err := peekBody(r, maxBody)
			if err != nil {
				ErrMalformedBody.Withf("could not read body: %v", err).Write(w)
				return
			}
			log.Debugw("api request",
				"id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"url", r.URL.String(),
				"body", body)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Debugw("api response",
				"id", middleware.GetReqID(r.Context()),
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"took", time.Since(start).String())
		})
	}
}

// peekBody reads the request body and puts it back for the handler. It
// returns the body for logging if it is JSON.
func peekBody(r *http.Request, max int) (string, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return "", nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	if !json.Valid(data) {
		return "", nil
	}
	s := strings.ReplaceAll(string(data), "\"", "")
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s, nil
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
