// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/slopewatch/core/logger"
)

// Envelope is the body of every response of the REST api
type Envelope struct {
	Success   bool           `json:"success"`
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	Data      any            `json:"data,omitempty"`
	Error     map[string]any `json:"error,omitempty"`
	Timestamp string         `json:"timestamp"`
	TraceID   string         `json:"traceId"`
}

// TimeFormat is the format of all timestamps written by the api, RFC3339 in UTC with milliseconds
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime formats t in UTC with TimeFormat
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Ok writes data wrapped in a success envelope
func Ok(w http.ResponseWriter, r *http.Request, data any) {
	write(w, r, http.StatusOK, Envelope{
		Success: true,
		Code:    http.StatusOK,
		Message: "ok",
		Data:    data,
	})
}

// Fail writes err as an error envelope. Unclassified errors are logged and reported as internal
// without exposing their message.
func Fail(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Internal(err)
	}
	rlog := logger.FromContext(r.Context())
	if e.Kind == KindInternal || e.Kind == KindUnavailable {
		rlog.WithError(e.Err).Errorf("%s %s: %s", r.Method, r.URL.Path, e.Message)
	} else {
		rlog.Debugf("%s %s: %s", r.Method, r.URL.Path, e.Error())
	}

	details := map[string]any{"type": string(e.Kind)}
	for k, v := range e.Details {
		details[k] = v
	}
	status := e.Kind.Status()
	write(w, r, status, Envelope{
		Success: false,
		Code:    status,
		Message: e.Message,
		Error:   details,
	})
}

func write(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Timestamp = FormatTime(time.Now())
	env.TraceID = logger.RequestIDFromContext(r.Context())
	body, err := json.Marshal(env)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 1101: cannot marshal response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}
