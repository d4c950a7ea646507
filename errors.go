package sqsflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/retry"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

var (
	ErrInvalidSettings  = errors.New("invalid settings")
	ErrQueueResolution  = errors.New("queue resolution failed")
	ErrFatalPoll        = errors.New("fatal receive error")
	ErrDecode           = errors.New("decode failed")
	ErrHandlerPanic     = errors.New("handler panic")
	ErrPublish          = errors.New("publish failed")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// fatalCodes are provider error codes after which polling or publishing cannot make progress.
var fatalCodes = map[string]struct{}{
	"AWS.SimpleQueueService.NonExistentQueue": {},
	"QueueDoesNotExist":                       {},
	"AccessDenied":                            {},
	"AccessDeniedException":                   {},
	"AuthorizationError":                      {},
	"InvalidClientTokenId":                    {},
	"UnrecognizedClientException":             {},
	"InvalidSecurity":                         {},
	"SignatureDoesNotMatch":                   {},
	"ExpiredToken":                            {},
	"KMS.AccessDeniedException":               {},
	"KmsAccessDenied":                         {},
	"NotFound":                                {},
}

// isFatal reports whether err is an authorization or missing-resource error.
func isFatal(err error) bool {
	if err == nil {
		return false
	}

	var notExist *sqstypes.QueueDoesNotExist
	if errors.As(err, &notExist) {
		return true
	}
	var snsAuth *snstypes.AuthorizationErrorException
	if errors.As(err, &snsAuth) {
		return true
	}
	var snsNotFound *snstypes.NotFoundException
	if errors.As(err, &snsNotFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := fatalCodes[apiErr.ErrorCode()]
		return ok
	}
	return false
}

// isRetryable reports whether a failed request may succeed when repeated.
// Unknown errors (network resets, timeouts) are retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isFatal(err) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := retry.DefaultThrottleErrorCodes[apiErr.ErrorCode()]; ok {
			return true
		}
		if _, ok := retry.DefaultRetryableErrorCodes[apiErr.ErrorCode()]; ok {
			return true
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
		// Sender faults such as InvalidParameterValue will fail again.
		return apiErr.ErrorFault() != smithy.FaultClient
	}
	return true
}

// EntryError describes an outbound message that could not be published.
type EntryError struct {
	Message     OutboundMessage
	Code        string
	SenderFault bool
	Attempts    int
	Err         error
}

func (e *EntryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("entry failed after %d attempt(s) [%s]: %v", e.Attempts, e.Code, e.Err)
	}
	return fmt.Sprintf("entry failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// PublishError aggregates the entries that failed permanently during a publish call.
// Entries that are not listed were published successfully.
type PublishError struct {
	Failed []*EntryError
	Sent   int
}

func (e *PublishError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d message(s) failed to publish (%d sent)", len(e.Failed), e.Sent)
	for i, f := range e.Failed {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failed)-i)
			break
		}
		fmt.Fprintf(&b, "; %v", f)
	}
	return b.String()
}

func (e *PublishError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	errs = append(errs, ErrPublish)
	for _, f := range e.Failed {
		errs = append(errs, f)
	}
	return errs
}
