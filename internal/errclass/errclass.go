// Package errclass maps raw failures into the small taxonomy the retry
// and blocking layers act on.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Kind int

const (
	KindNonRetryable Kind = iota
	KindBlocked
	KindCaptcha
	KindRateLimited
	KindRetryable
)

func (k Kind) String() string {
	switch k {
	case KindBlocked:
		return "blocked"
	case KindCaptcha:
		return "captcha"
	case KindRateLimited:
		return "rate_limited"
	case KindRetryable:
		return "retryable"
	default:
		return "non_retryable"
	}
}

// Blocking reports whether the kind should put the target into the
// blocked state.
func (k Kind) Blocking() bool {
	return k == KindBlocked || k == KindCaptcha
}

const (
	SubNetwork = "network"
	SubServer  = "server"
)

// ErrBlocked is returned by strategies that refuse to run while the
// target is known to be blocking.
var ErrBlocked = errors.New("target is blocking requests")

type Error struct {
	Kind   Kind
	Sub    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	if e.Sub != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Sub, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Blocked(err error) *Error {
	return &Error{Kind: KindBlocked, Err: err}
}

func NonRetryable(err error) *Error {
	return &Error{Kind: KindNonRetryable, Err: err}
}

var (
	blockingKeywords = []string{
		"blocked", "bot", "automated", "suspicious", "access denied",
		"forbidden", "not allowed", "security", "detected",
	}
	captchaKeywords = []string{
		"captcha", "recaptcha", "challenge", "verify",
	}
	rateLimitKeywords = []string{
		"rate limit", "too many requests", "throttle", "slow down",
	}
	networkKeywords = []string{
		"connection", "timeout", "network", "dns", "resolve", "unreachable",
		"connection reset", "connection refused", "temporarily unavailable",
	}
)

// Classify maps a failure, the response body (if any) and the HTTP status
// (0 when there was no response) to a classified error. Rules are applied
// in priority order; blocking signals win over everything else.
func Classify(err error, body string, status int) *Error {
	var ce *Error
	if errors.As(err, &ce) && body == "" && status == 0 {
		return ce
	}

	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	text := msg + " " + strings.ToLower(body)

	if err == nil {
		err = fmt.Errorf("http status %d", status)
	}

	switch {
	case status == 403 || containsAny(text, blockingKeywords):
		return &Error{Kind: KindBlocked, Status: status, Err: err}
	case containsAny(text, captchaKeywords):
		return &Error{Kind: KindCaptcha, Status: status, Err: err}
	case status == 429 || containsAny(text, rateLimitKeywords):
		return &Error{Kind: KindRateLimited, Status: status, Err: err}
	case containsAny(msg, networkKeywords) || isNetError(err):
		return &Error{Kind: KindRetryable, Sub: SubNetwork, Status: status, Err: err}
	case status >= 500 && status < 600:
		return &Error{Kind: KindRetryable, Sub: SubServer, Status: status, Err: err}
	default:
		return &Error{Kind: KindNonRetryable, Status: status, Err: err}
	}
}

// KindOf returns the kind carried by err, classifying it from its message
// when it has not been classified yet.
func KindOf(err error) Kind {
	if err == nil {
		return KindNonRetryable
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err, "", 0).Kind
}

func isNetError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	return errors.As(err, &opErr) || errors.As(err, &dnsErr)
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
