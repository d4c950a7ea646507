package sqsflow

import (
	"encoding/json"
)

// Envelope is the JSON wrapper SNS places around a notification when it delivers into an SQS queue
// without raw message delivery.
type Envelope struct {
	Type              string                       `json:"Type"`
	MessageID         string                       `json:"MessageId"`
	TopicArn          string                       `json:"TopicArn"`
	Subject           string                       `json:"Subject,omitempty"`
	Message           *string                      `json:"Message"`
	Timestamp         string                       `json:"Timestamp"`
	SignatureVersion  string                       `json:"SignatureVersion,omitempty"`
	Signature         string                       `json:"Signature,omitempty"`
	SigningCertURL    string                       `json:"SigningCertURL,omitempty"`
	UnsubscribeURL    string                       `json:"UnsubscribeURL,omitempty"`
	MessageAttributes map[string]envelopeAttribute `json:"MessageAttributes,omitempty"`
}

type envelopeAttribute struct {
	Type  string `json:"Type"`
	Value string `json:"Value"`
}

// ParseEnvelope parses body as an SNS notification envelope.
// ok is false when body is not a JSON object or carries no Message field.
func ParseEnvelope(body string) (env *Envelope, ok bool) {
	var e Envelope
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, false
	}
	if e.Message == nil {
		return nil, false
	}
	return &e, true
}

// UnwrapEnvelope returns the payload carried by an SNS envelope, or body itself when body is not
// an envelope. It never fails.
func UnwrapEnvelope(body string) string {
	env, ok := ParseEnvelope(body)
	if !ok {
		return body
	}
	return *env.Message
}

// Attributes returns the envelope's message attributes as plain strings.
func (e *Envelope) Attributes() map[string]string {
	if len(e.MessageAttributes) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(e.MessageAttributes))
	for k, v := range e.MessageAttributes {
		attrs[k] = v.Value
	}
	return attrs
}
