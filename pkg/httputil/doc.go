// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// query parsing, and the middleware chain shared by the audit API.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteSuccess(w, audits)
//	httputil.WriteCreatedMessage(w, "Audit created successfully", audit)
//
// Error responses use the {"error": message} envelope:
//
//	httputil.WriteBadRequest(w, "before must be a JSON object")
//	httputil.WriteServiceUnavailable(w, "audit storage unavailable")
//
// # Request Parsing
//
//	var req audit.CreateAuditRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
