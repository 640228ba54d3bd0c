package fanout

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Result is the structured outcome returned by every component entry point.
type Result struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// OK builds a 200 result.
func OK(format string, args ...any) Result {
	return Result{StatusCode: http.StatusOK, Body: fmt.Sprintf(format, args...)}
}

// ErrorResult maps err onto a result, treating permanent errors as client errors.
func ErrorResult(err error) Result {
	if errors.Is(err, ErrPermanent) {
		return Result{StatusCode: http.StatusBadRequest, Body: err.Error()}
	}
	return Result{StatusCode: http.StatusInternalServerError, Body: fmt.Sprintf("Error: %v", err)}
}

// Guard runs fn, converting a panic into a 500 result.
func Guard(logger *zap.Logger, component string, fn func() Result) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("component panicked", zap.String("component", component), zap.Any("panic", rec))
			res = Result{
				StatusCode: http.StatusInternalServerError,
				Body:       fmt.Sprintf("Error: %s failed unexpectedly", component),
			}
		}
	}()
	return fn()
}
