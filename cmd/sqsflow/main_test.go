package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/sqsflow"
)

func TestScanLines(t *testing.T) {
	in := strings.NewReader("one\n\ntwo\nthree\n")
	out := make(chan sqsflow.OutboundMessage, 8)

	err := scanLines(context.Background(), in, out, func(line string) sqsflow.OutboundMessage {
		return sqsflow.OutboundMessage{Body: line, Subject: "s"}
	})
	require.NoError(t, err)
	close(out)

	var bodies []string
	for m := range out {
		assert.Equal(t, "s", m.Subject)
		bodies = append(bodies, m.Body)
	}
	assert.Equal(t, []string{"one", "two", "three"}, bodies)
}

func TestScanLines_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := scanLines(ctx, strings.NewReader("a\n"), make(chan sqsflow.OutboundMessage), func(line string) sqsflow.OutboundMessage {
		return sqsflow.OutboundMessage{Body: line}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanLines_CancelUnblocksRead(t *testing.T) {
	// The writer stays open and silent, like a terminal nobody types into.
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- scanLines(ctx, pr, make(chan sqsflow.OutboundMessage), func(line string) sqsflow.OutboundMessage {
			return sqsflow.OutboundMessage{Body: line}
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scanLines stayed blocked on its reader after cancellation")
	}
}

func TestPayloadDecoder(t *testing.T) {
	d, err := payloadDecoder("")
	require.NoError(t, err)
	got, err := d.Decode([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"object","required":["id"]}`), 0o600))
	d, err = payloadDecoder(path)
	require.NoError(t, err)
	_, err = d.Decode([]byte(`{}`))
	assert.ErrorIs(t, err, sqsflow.ErrDecode)
	got, err = d.Decode([]byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, got)

	_, err = payloadDecoder(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRun_Usage(t *testing.T) {
	var stderr bytes.Buffer
	err := run(nil, strings.NewReader(""), &bytes.Buffer{}, &stderr)
	assert.ErrorContains(t, err, "missing command")

	err = run([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml"), "consume"}, strings.NewReader(""), &bytes.Buffer{}, &stderr)
	assert.Error(t, err)
}
