package sqsflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		fatal     bool
		retryable bool
	}{
		{name: "nil", err: nil},
		{name: "queue does not exist", err: &sqstypes.QueueDoesNotExist{Message: aws.String("gone")}, fatal: true},
		{name: "wrapped queue does not exist", err: fmt.Errorf("receive: %w", &sqstypes.QueueDoesNotExist{}), fatal: true},
		{name: "sns authorization", err: &snstypes.AuthorizationErrorException{}, fatal: true},
		{name: "access denied code", err: &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}, fatal: true},
		{name: "invalid token", err: &smithy.GenericAPIError{Code: "InvalidClientTokenId"}, fatal: true},
		{name: "throttling", err: &smithy.GenericAPIError{Code: "ThrottlingException", Fault: smithy.FaultClient}, retryable: true},
		{name: "server fault", err: &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}, retryable: true},
		{name: "client fault", err: &smithy.GenericAPIError{Code: "InvalidParameterValue", Fault: smithy.FaultClient}},
		{name: "unknown fault", err: &smithy.GenericAPIError{Code: "Weird"}, retryable: true},
		{name: "network", err: errors.New("connection reset by peer"), retryable: true},
		{name: "cancelled", err: context.Canceled},
		{name: "deadline", err: fmt.Errorf("op: %w", context.DeadlineExceeded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, isFatal(tt.err), "isFatal")
			assert.Equal(t, tt.retryable, isRetryable(tt.err), "isRetryable")
		})
	}
}

func TestEntryError(t *testing.T) {
	cause := errors.New("bad attribute")
	e := &EntryError{Code: "InvalidParameterValue", Attempts: 1, Err: cause}

	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "[InvalidParameterValue]")

	perr := &PublishError{Failed: []*EntryError{e}}
	assert.ErrorIs(t, perr, cause)
	assert.ErrorIs(t, perr, ErrPublish)
}
