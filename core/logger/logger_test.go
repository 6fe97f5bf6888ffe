// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLoggerKeepsExisting(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	require.NotNil(t, rlog)
	id := RequestIDFromContext(ctx)
	assert.NotEmpty(t, id)

	ctx2, _ := ContextWithLogger(ctx)
	assert.Equal(t, id, RequestIDFromContext(ctx2))
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestIdentityKeepsRequestID(t *testing.T) {
	ctx, _ := ContextWithTraceID(context.Background(), "trace-1")
	ctx, rlog := ContextWithLoggerIdentity(ctx, "alice")
	assert.Equal(t, "trace-1", RequestIDFromContext(ctx))
	assert.Equal(t, "alice", rlog.Data[identityLoggerKey])
}

func TestAddRequestID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var seen string
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(TraceHeader))
	})

	t.Run("from header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set(TraceHeader, "abc-123")
		router.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(TraceHeader))
	})
}
