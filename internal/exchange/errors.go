package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/adshao/go-binance/v2/common"
)

// Error is a classified exchange failure. Retryable failures (timeouts,
// rate limits, 5xx) are marked transient; order rejections are permanent.
type Error struct {
	Op        string // port method, e.g. "place_market_order"
	Symbol    string
	Code      int64 // exchange error code when known
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("exchange %s %s: %s (code=%d transient=%t)", e.Op, e.Symbol, e.Message, e.Code, e.Transient)
	}
	return fmt.Sprintf("exchange %s: %s (code=%d transient=%t)", e.Op, e.Message, e.Code, e.Transient)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err (anywhere in its chain) is a transient
// exchange error worth retrying.
func IsTransient(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Transient
	}
	return false
}

// Binance error codes that indicate a retryable condition.
var transientCodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED / internal error
	-1003: true, // TOO_MANY_REQUESTS
	-1007: true, // TIMEOUT waiting for backend
	-1016: true, // SERVICE_SHUTTING_DOWN
	-1021: true, // INVALID_TIMESTAMP (clock skew, recoverable)
	-3044: true, // margin system busy
}

// wrapErr classifies err into an *Error. Nil passes through.
func wrapErr(op, symbol string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Op:        op,
			Symbol:    symbol,
			Code:      apiErr.Code,
			Message:   apiErr.Message,
			Transient: transientCodes[apiErr.Code],
			Err:       err,
		}
	}

	transient := false
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		transient = true
	case errors.As(err, &netErr):
		transient = true
	}

	return &Error{
		Op:        op,
		Symbol:    symbol,
		Message:   err.Error(),
		Transient: transient,
		Err:       err,
	}
}
