package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/hireflow/pkg/schema"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and runs struct validation on it.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	fields := make(map[string]any, len(fieldErrs))
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Namespace()] = rule
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), rule))
	}
	return schema.NewError(schema.ErrCodeValidation, strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"fields": fields})
}

// statusFor maps an error code to its HTTP status.
func statusFor(err error) int {
	switch schema.CodeOf(err) {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeDuplicateEvent:
		return http.StatusConflict
	case schema.ErrCodeValidation, schema.ErrCodeReentrancyBound:
		return http.StatusBadRequest
	case schema.ErrCodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": {...}} with the status derived from err.
func writeError(w http.ResponseWriter, err error) {
	var he *schema.HireflowError
	if !errors.As(err, &he) {
		he = schema.NewError(schema.ErrCodeExecution, err.Error())
	}
	status := statusFor(he)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]any{"error": he})
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// queryBool returns nil when the param is absent or unparsable.
func queryBool(r *http.Request, key string) *bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}
