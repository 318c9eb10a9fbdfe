package http

import (
	"encoding/json"
	"net/http"

	"gopkg.in/yaml.v3"
)

// ContentTypeYAML is the media type of descriptor documents.
const ContentTypeYAML = "application/yaml"

// ── Response ─────────────────────────────────────────────────────────────────

// Response wraps http.ResponseWriter with JSON and YAML helpers.
type Response struct {
	w      http.ResponseWriter
	status int
}

// NewResponse wraps a ResponseWriter.
func NewResponse(w http.ResponseWriter) *Response {
	return &Response{w: w}
}

// Raw returns the underlying ResponseWriter.
func (res *Response) Raw() http.ResponseWriter { return res.w }

// Status returns the status written so far, 0 if none.
func (res *Response) Status() int { return res.status }

func (res *Response) writeHeader(status int, contentType string) {
	if contentType != "" {
		res.w.Header().Set("Content-Type", contentType)
	}
	res.status = status
	res.w.WriteHeader(status)
}

// ── JSON responses ────────────────────────────────────────────────────────────

// JSON sends a JSON response.
//
//	res.JSON(http.StatusOK, map[string]any{"message": "ok"})
func (res *Response) JSON(status int, data any) {
	res.writeHeader(status, "application/json")
	_ = json.NewEncoder(res.w).Encode(data)
}

// YAML sends v encoded as a YAML document. An encoding failure is a 500 JSON
// error instead, since nothing has been written yet.
func (res *Response) YAML(status int, v any) {
	out, err := yaml.Marshal(v)
	if err != nil {
		res.ServerError(err.Error())
		return
	}
	res.writeHeader(status, ContentTypeYAML)
	_, _ = res.w.Write(out)
}

// Success sends 200 JSON: {"data": v}
func (res *Response) Success(v any) {
	res.JSON(http.StatusOK, envelope{"data": v})
}

// Created sends 201 JSON: {"data": v}
func (res *Response) Created(v any) {
	res.JSON(http.StatusCreated, envelope{"data": v})
}

// NoContent sends 204 with no body.
func (res *Response) NoContent() {
	res.writeHeader(http.StatusNoContent, "")
}

// Error sends a JSON error response.
//
//	res.Error(http.StatusNotFound, "Resource not found")
func (res *Response) Error(status int, message string) {
	res.JSON(status, envelope{"message": message})
}

// Conflict sends 409 with a message and, when data is non-nil, the state
// that conflicts: {"message": m, "data": data}
func (res *Response) Conflict(message string, data any) {
	body := envelope{"message": message}
	if data != nil {
		body["data"] = data
	}
	res.JSON(http.StatusConflict, body)
}

// Unauthorized sends 401.
func (res *Response) Unauthorized(message ...string) {
	msg := first(message, "Unauthenticated.")
	res.JSON(http.StatusUnauthorized, envelope{"message": msg})
}

// NotFound sends 404.
func (res *Response) NotFound(message ...string) {
	msg := first(message, "Not found.")
	res.JSON(http.StatusNotFound, envelope{"message": msg})
}

// ServerError sends 500.
func (res *Response) ServerError(message ...string) {
	msg := first(message, "Server Error.")
	res.JSON(http.StatusInternalServerError, envelope{"message": msg})
}

// ValidationError sends 422 with a field → messages bag.
//
//	res.ValidationError(verrs.Bag())
func (res *Response) ValidationError(bag map[string][]string) {
	res.JSON(http.StatusUnprocessableEntity, envelope{
		"message": "The given data was invalid.",
		"errors":  bag,
	})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type envelope map[string]any

func first(ss []string, fallback string) string {
	if len(ss) > 0 && ss[0] != "" {
		return ss[0]
	}
	return fallback
}
