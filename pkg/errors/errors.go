package errors

import (
    "fmt"
    "runtime"
    "strings"
)

type ErrorCode string

const (
    // System / store errors
    ErrInternal      ErrorCode = "INTERNAL_ERROR"
    ErrDatabase      ErrorCode = "DATABASE_ERROR"
    ErrRedis         ErrorCode = "REDIS_ERROR"
    ErrConfiguration ErrorCode = "CONFIG_ERROR"
    ErrNotFound      ErrorCode = "NOT_FOUND"
    ErrConflict      ErrorCode = "CONFLICT"
    ErrTransient     ErrorCode = "TRANSIENT"

    // Authorization denial reasons (never thrown, carried as a typed
    // decision value and translated to a kill command by the event
    // handler)
    ErrAccountNotFound      ErrorCode = "ACCOUNT_NOT_FOUND"
    ErrAccountSuspended     ErrorCode = "ACCOUNT_SUSPENDED"
    ErrAccountClosed        ErrorCode = "ACCOUNT_CLOSED"
    ErrNoRateFound          ErrorCode = "NO_RATE_FOUND"
    ErrInsufficientBalance  ErrorCode = "INSUFFICIENT_BALANCE"
    ErrConcurrencyLimit     ErrorCode = "CONCURRENCY_LIMIT_EXCEEDED"
    ErrAuthDeadlineExceeded ErrorCode = "AUTH_DEADLINE_EXCEEDED"

    // Reservation errors
    ErrReservationNotFound ErrorCode = "RESERVATION_NOT_FOUND"
    ErrReservationExpired  ErrorCode = "RESERVATION_EXPIRED"
    ErrReservationClosed   ErrorCode = "RESERVATION_CLOSED"

    // Event-socket / protocol errors
    ErrProtocolMalformed  ErrorCode = "PROTOCOL_MALFORMED_EVENT"
    ErrProtocolUnexpected ErrorCode = "PROTOCOL_UNEXPECTED_STATE"
    ErrSwitchTimeout      ErrorCode = "SWITCH_TIMEOUT"
    ErrSwitchConnection   ErrorCode = "SWITCH_CONNECTION_ERROR"
)

type AppError struct {
    Code       ErrorCode
    Message    string
    Err        error
    StatusCode int
    Context    map[string]interface{}
    Stack      string
}

func New(code ErrorCode, message string) *AppError {
    return &AppError{
        Code:       code,
        Message:    message,
        StatusCode: 500,
        Context:    make(map[string]interface{}),
        Stack:      getStack(),
    }
}

func Wrap(err error, code ErrorCode, message string) *AppError {
    if err == nil {
        return nil
    }
    
    // If already an AppError, enhance it
    if appErr, ok := err.(*AppError); ok {
        appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
        return appErr
    }
    
    return &AppError{
        Code:       code,
        Message:    message,
        Err:        err,
        StatusCode: 500,
        Context:    make(map[string]interface{}),
        Stack:      getStack(),
    }
}

func (e *AppError) Error() string {
    if e.Err != nil {
        return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
    }
    return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
    return e.Err
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
    e.Context[key] = value
    return e
}

func (e *AppError) WithStatusCode(code int) *AppError {
    e.StatusCode = code
    return e
}

func (e *AppError) IsRetryable() bool {
    switch e.Code {
    case ErrDatabase, ErrRedis, ErrTransient, ErrSwitchTimeout, ErrSwitchConnection:
        return true
    default:
        return false
    }
}

// IsDenial reports whether the code represents an authorization denial
// reason rather than an infrastructure failure. Denials are expected
// outcomes of authorize() and must never be logged as errors.
func (e *AppError) IsDenial() bool {
    switch e.Code {
    case ErrAccountNotFound, ErrAccountSuspended, ErrAccountClosed,
        ErrNoRateFound, ErrInsufficientBalance, ErrConcurrencyLimit,
        ErrAuthDeadlineExceeded:
        return true
    default:
        return false
    }
}

func getStack() string {
    var pcs [32]uintptr
    n := runtime.Callers(3, pcs[:])
    
    var builder strings.Builder
    frames := runtime.CallersFrames(pcs[:n])
    
    for {
        frame, more := frames.Next()
        if !strings.Contains(frame.File, "runtime/") {
            builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
        }
        if !more {
            break
        }
    }
    
    return builder.String()
}

// Error checking helpers
func Is(err error, code ErrorCode) bool {
    if err == nil {
        return false
    }
    
    appErr, ok := err.(*AppError)
    if !ok {
        return false
    }
    
    return appErr.Code == code
}
