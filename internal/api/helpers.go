package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// DecodeBody decodes the JSON request body into v, rejecting unknown fields
// and trailing data.
func DecodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body too large (max %d bytes)", maxErr.Limit)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("invalid request body: must contain a single JSON value")
	}
	return nil
}

// PathParam extracts a named path parameter from the request URL.
func PathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// int64PathParam parses a required integer path parameter, writing a 400 on
// failure.
func int64PathParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := PathParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeInvalidArgument(w, name+": must be a positive integer")
		return 0, false
	}
	return id, true
}

// stringPathParam extracts a required non-empty string path parameter.
func stringPathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := PathParam(r, name)
	if v == "" {
		writeInvalidArgument(w, name+": must be non-empty")
		return "", false
	}
	return v, true
}

// parseLimit reads an optional positive limit query parameter.
func parseLimit(r *http.Request, defaultLimit int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit: must be a positive integer")
	}
	return n, nil
}
