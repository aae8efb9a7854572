// Package net has helpers for replying to HTTP requests.
package net

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// ErrJSON replies to an HTTP request with a JSON error body carrying a
// stable kind tag alongside the human-readable message, also logging it
// to stderr.
func ErrJSON(w http.ResponseWriter, code int, kind, msgfmt string, args ...interface{}) {
	msg := fmt.Sprintf(msgfmt, args...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"kind":  kind,
	})
	log.Printf("%s: %s", kind, msg)
}
