package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names so errors match the request body
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RequestError describes a request body or parameter that could not be accepted
type RequestError struct {
	Message string
	Fields  map[string]string
}

func (e *RequestError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for field, problem := range e.Fields {
		parts = append(parts, field+" "+problem)
	}
	return e.Message + ": " + strings.Join(parts, ", ")
}

// Validate runs the struct's `validate` tags
func Validate(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		// not a struct; nothing to validate
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &RequestError{Message: err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &RequestError{Message: "invalid request", Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be an email address"
	case "url", "http_url":
		return "must be a URL"
	case "gt", "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag()
}

// ParseJSON decodes a JSON body into dest and validates it. An empty body
// decodes to the zero value.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return &RequestError{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return Validate(dest)
}

// ParseJSONOrError decodes and validates, writing a 400 on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteRequestError(w, err)
		return false
	}
	return true
}

// WriteRequestError writes a 400 for err
func WriteRequestError(w http.ResponseWriter, err error) {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		WriteValidationError(w, rerr.Message, rerr.Fields)
		return
	}
	WriteBadRequest(w, err.Error())
}

// ParsePathInt64 extracts and parses an int64 path parameter
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return 0, &RequestError{Message: fmt.Sprintf("missing path parameter: %s", key)}
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil || val <= 0 {
		return 0, &RequestError{Message: fmt.Sprintf("invalid id for %s: %s", key, str)}
	}
	return val, nil
}

// ParsePathInt64OrError extracts an int64 path parameter and writes a 400 on failure
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	val, err := ParsePathInt64(r, key)
	if err != nil {
		WriteRequestError(w, err)
		return 0, false
	}
	return val, true
}

// ParseQueryInt extracts an integer query parameter, bounded to [1, max]
func ParseQueryInt(r *http.Request, key string, defaultVal, max int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil || val < 1 {
		return 0, &RequestError{Message: fmt.Sprintf("invalid integer for query param %s: %s", key, str)}
	}
	if val > max {
		val = max
	}
	return val, nil
}
