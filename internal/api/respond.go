package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ignite/newsletter-service/internal/pkg/logger"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondSafeError logs the full internal error and sends a sanitized
// message. Database details, hosts, and file paths never reach the client.
func respondSafeError(w http.ResponseWriter, status int, internalErr error, publicMsg string) {
	if internalErr != nil {
		logger.Error("request failed", "status", status, "public", publicMsg, "error", internalErr.Error())
	}
	respondError(w, status, publicMsg)
}

// safeErrorMessage maps internal error patterns to public-safe messages for
// 5xx responses.
func safeErrorMessage(internalErr error) string {
	if internalErr == nil {
		return "An internal error occurred"
	}
	errStr := strings.ToLower(internalErr.Error())
	switch {
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp"):
		return "Service temporarily unavailable"
	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context canceled"):
		return "Request timed out"
	case strings.Contains(errStr, "sql") ||
		strings.Contains(errStr, "pq:") ||
		strings.Contains(errStr, "database"):
		return "A database error occurred"
	}
	return "An internal error occurred"
}
