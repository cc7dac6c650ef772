package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a generation failure
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnsupportedInput Kind = "unsupported_input"
	KindTimeout          Kind = "timeout"
	KindTransient        Kind = "transient"
	KindJobFailed        Kind = "job_failed"
	KindCanceled         Kind = "canceled"
	KindTransport        Kind = "transport"
)

// Reason refines transient failures for user-facing messages
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRateLimit   Reason = "rate_limit"
	ReasonUnavailable Reason = "unavailable"
)

// Error is a classified generation error
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// StatusCode is the HTTP status of the failed response, if any
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Err != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Rule maps message substrings to a classification
type Rule struct {
	Kind     Kind
	Reason   Reason
	Patterns []string
}

// DefaultRules is the message rule table. Rules are checked in order and
// patterns are matched case-insensitively.
var DefaultRules = []Rule{
	{Kind: KindUnsupportedInput, Patterns: []string{"invalid", "unsupported", "corrupted", "too large", "400"}},
	{Kind: KindTransient, Reason: ReasonRateLimit, Patterns: []string{"rate_limit", "rate limit", "429", "too many requests", "quota"}},
	{Kind: KindTransient, Reason: ReasonUnavailable, Patterns: []string{"503", "service unavailable", "502", "504", "bad gateway"}},
}

// Classification is the outcome of classifying an error
type Classification struct {
	Kind   Kind
	Reason Reason
}

// Retryable reports whether another attempt could succeed
func (c Classification) Retryable() bool {
	return IsRetryable(c.Kind)
}

// Classifier applies a rule table to errors
type Classifier struct {
	Rules []Rule
}

// NewClassifier returns a classifier checking extra rules before DefaultRules
func NewClassifier(extra ...Rule) Classifier {
	rules := make([]Rule, 0, len(extra)+len(DefaultRules))
	rules = append(rules, extra...)
	rules = append(rules, DefaultRules...)
	return Classifier{Rules: rules}
}

// Classify returns the kind and reason of err. Errors that carry their own
// kind keep it; transport errors and plain errors go through the rule table.
func (c Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindCanceled}
	}

	var ge *Error
	if errors.As(err, &ge) && ge.Kind != "" && ge.Kind != KindTransport {
		cl := Classification{Kind: ge.Kind}
		if ge.Kind == KindTransient {
			cl.Reason = c.match(err.Error()).Reason
		}
		return cl
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindTimeout}
	}

	// decoder and dialer causes are not matched against the rule table
	msg := err.Error()
	if ge != nil {
		msg = ge.Message
	}
	if ge != nil && ge.StatusCode != 0 {
		return c.classifyStatus(ge.StatusCode, msg)
	}

	if cl := c.match(msg); cl.Kind != "" {
		return cl
	}
	return Classification{Kind: KindTransport}
}

// classifyStatus classifies an HTTP error response. Well-known codes win;
// other 4xx responses are terminal and other 5xx responses transient unless
// the message matches a rule.
func (c Classifier) classifyStatus(code int, msg string) Classification {
	switch code {
	case 408:
		return Classification{Kind: KindTimeout}
	case 429:
		return Classification{Kind: KindTransient, Reason: ReasonRateLimit}
	case 502, 503, 504:
		return Classification{Kind: KindTransient, Reason: ReasonUnavailable}
	}
	if cl := c.match(msg); cl.Kind != "" {
		return cl
	}
	if code >= 400 && code < 500 {
		return Classification{Kind: KindUnsupportedInput}
	}
	return Classification{Kind: KindTransient}
}

func (c Classifier) match(msg string) Classification {
	msg = strings.ToLower(msg)
	for _, rule := range c.Rules {
		for _, p := range rule.Patterns {
			if strings.Contains(msg, strings.ToLower(p)) {
				return Classification{Kind: rule.Kind, Reason: rule.Reason}
			}
		}
	}
	return Classification{}
}

// Classify classifies err with DefaultRules
func Classify(err error) Classification {
	return Classifier{Rules: DefaultRules}.Classify(err)
}

// IsRetryable reports whether failures of kind k may be retried.
// Unclassified transport failures are retryable.
func IsRetryable(k Kind) bool {
	switch k {
	case KindTimeout, KindTransient, KindTransport:
		return true
	}
	return false
}

// User-facing messages for a failed generation
const (
	MessageTimeout     = "Preview generation is taking longer than expected. Please try again."
	MessageRateLimit   = "We're experiencing high demand right now. Please try again later."
	MessageUnavailable = "The preview service is temporarily unavailable. Please try again shortly."
	MessageInvalid     = "This photo could not be processed. Please try a different image."
	MessageGeneric     = "Something went wrong while generating your preview. Please try again."
)

// DegradedMessage picks the user-facing message for a classification
func DegradedMessage(c Classification) string {
	switch {
	case c.Kind == KindTimeout:
		return MessageTimeout
	case c.Reason == ReasonRateLimit:
		return MessageRateLimit
	case c.Reason == ReasonUnavailable:
		return MessageUnavailable
	case c.Kind == KindValidation, c.Kind == KindUnsupportedInput:
		return MessageInvalid
	}
	return MessageGeneric
}

// DegradedError is the final error of a failed generation. Error returns the
// user-facing message; Unwrap returns the last underlying failure.
type DegradedError struct {
	Message  string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *DegradedError) Error() string {
	return e.Message
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}

// Detail describes the underlying failure for logs
func (e *DegradedError) Detail() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}
