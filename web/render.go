package web

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/schema"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/tucanchat/tucan/core/errs"
	validator "gopkg.in/go-playground/validator.v9"
)

// request bodies are small JSON documents, media goes through multipart
const maxRequestBytes = 1024 * 1024

var validate = validator.New()

var queryDecoder = schema.NewDecoder()

func init() {
	queryDecoder.IgnoreUnknownKeys(true)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// decodeJSON reads the request body into dest and validates it.
func decodeJSON(r *http.Request, dest any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return errs.Wrap(errs.Validation, "error reading request body", err)
	}
	if err := jsonx.Unmarshal(body, dest); err != nil {
		return errs.Wrap(errs.Validation, "error parsing request body", err)
	}
	if err := validate.Struct(dest); err != nil {
		return errs.Wrap(errs.Validation, "request failed validation", err)
	}
	return nil
}

// decodeQuery decodes the request's query string into dest.
func decodeQuery(r *http.Request, dest any) error {
	if err := queryDecoder.Decode(dest, r.URL.Query()); err != nil {
		return errs.Wrap(errs.Validation, "error parsing query", err)
	}
	return nil
}

// pageQuery is the paging every list endpoint accepts.
type pageQuery struct {
	Limit  int `schema:"limit"`
	Offset int `schema:"offset"`
}

// clamp applies the default page size and the hard cap.
func (q *pageQuery) clamp() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 250 {
		q.Limit = 250
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// intParam parses a numeric URL parameter, zero if malformed.
func intParam(value string) int64 {
	id, _ := strconv.ParseInt(value, 10, 64)
	return id
}

func writeData(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonx.MustMarshal(data))
}

// statusFor maps an error kind to the HTTP status we answer with.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.Validation, errs.Conflict:
		return http.StatusBadRequest
	case errs.Auth:
		return http.StatusUnauthorized
	case errs.TenantClosed:
		return http.StatusForbidden
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers a request with the error's mapped status. Provider
// errors keep the upstream message so operators see what the provider said,
// other 5xxs are redacted outside of development mode.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)

	if status >= 500 {
		slog.Error("error handling request", "error", err, "kind", kind)
	}

	msg := err.Error()
	if status >= 500 && kind != errs.Provider && !s.rt.Config.DevelopmentMode {
		msg = "server error"
	}

	writeData(w, status, &errorResponse{Error: msg, Code: errs.CodeOf(err)})
}
