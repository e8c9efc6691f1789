package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/orneryd/soundgraph/pkg/cluster"
	"github.com/orneryd/soundgraph/pkg/search"
)

// Result is the in-band envelope every RPC answers with.
type Result struct {
	Error      bool `json:"error"`
	Result     any  `json:"result"`
	StatusCode int  `json:"status_code,omitempty"`
}

func success(result any) Result {
	return Result{Result: result}
}

func failure(status int, message string) Result {
	return Result{Error: true, Result: message, StatusCode: status}
}

// statusFor maps an error to the status code reported in-band.
func statusFor(err error) int {
	var unknown *search.UnknownDescriptorError
	switch {
	case errors.As(err, &unknown),
		errors.Is(err, search.ErrInvalidFilter),
		errors.Is(err, search.ErrInvalidTarget),
		errors.Is(err, search.ErrDimensionMismatch),
		errors.Is(err, cluster.ErrUnknownFeatureSet):
		return http.StatusBadRequest
	case errors.Is(err, search.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, search.ErrDuplicateID):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// JSON helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

// writeResult answers in-band: the HTTP status is always 200.
func (s *Server) writeResult(w http.ResponseWriter, res Result) {
	if res.Error {
		s.errorCount.Add(1)
	}
	s.writeJSON(w, http.StatusOK, res)
}

// Parameter helpers. Values come from r.Form, already parsed by
// formMiddleware.

func param(r *http.Request, key string) string {
	return strings.TrimSpace(r.Form.Get(key))
}

// intParam returns def when key is absent or empty.
func intParam(r *http.Request, key string, def int) (int, bool) {
	v := param(r, key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func missingParam(key string) Result {
	return failure(http.StatusBadRequest, "Parameter '"+key+"' should be specified.")
}

func invalidParam(key string) Result {
	return failure(http.StatusBadRequest, "Invalid value for parameter '"+key+"'.")
}
