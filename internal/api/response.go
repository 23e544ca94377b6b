// Package api exposes Bentham's control plane over HTTP: study intake and
// lifecycle actions, account and proxy administration, and system config.
package api

import (
	"encoding/json"
	"net/http"
)

// WriteJSON encodes v as the response body under the given status. Encode
// failures after the header has gone out are not recoverable, so they are
// dropped.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the envelope every failed request returns.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine code plus operator-facing text.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError responds with the error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// PageResponse frames list endpoints: the window the caller asked for plus
// the unpaginated total.
type PageResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// WritePage applies p to the full result set and writes the framed window.
func WritePage[T any](w http.ResponseWriter, status int, all []T, p Pagination) {
	WriteJSON(w, status, PageResponse[T]{
		Items:  PaginateSlice(all, p),
		Total:  len(all),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}
