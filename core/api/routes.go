// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/slopewatch/core/logger"
)

var (
	// Version is the version of the current build, set with -ldflags "-X ..."
	Version = "unset"
)

// HandleHealth registers GET /health on router
func HandleHealth(router *mux.Router, serviceName string) {
	logger.Default().Debugln("  handle health route: /health GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		Ok(w, r, map[string]string{"status": "ok", "service": serviceName})
	}).Methods(http.MethodGet)
}

// HandleVersion registers GET /version on router
func HandleVersion(router *mux.Router) {
	logger.Default().Debugln("  handle version route: /version GET")
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		Ok(w, r, map[string]string{"version": Version})
	}).Methods(http.MethodGet)
}

// CORS answers preflight requests and sets permissive CORS headers on all other responses
func CORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, "+logger.TraceHeader)
		w.Header().Set("Access-Control-Expose-Headers", logger.TraceHeader)
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		h.ServeHTTP(w, r)
	})
}
