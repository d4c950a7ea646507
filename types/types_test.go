package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{URL: "https://sqs.local/000000000000/orders", ARN: "arn:aws:sqs:us-east-1:000000000000:orders"}

	q, err := r.EnsureQueue(context.Background(), "orders", WithKMSKeyAlias("alias/ignored"))
	require.NoError(t, err)
	assert.Equal(t, "orders", q.Name)
	assert.Equal(t, "https://sqs.local/000000000000/orders", q.URL)

	named := StaticResolver{Name: "fixed", URL: "u"}
	q, err = named.EnsureQueue(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, "fixed", q.Name)
}

func TestApplyQueueOptions(t *testing.T) {
	base := QueueConfig{KMSKeyAlias: "alias/default"}

	assert.Equal(t, "alias/default", ApplyQueueOptions(base).KMSKeyAlias)
	assert.Equal(t, "alias/default", ApplyQueueOptions(base, WithKMSKeyAlias("")).KMSKeyAlias)
	assert.Equal(t, "alias/orders", ApplyQueueOptions(base, WithKMSKeyAlias("alias/orders")).KMSKeyAlias)
}
