package policy

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestAccessors(t *testing.T) {
	req := RequestFromMap(map[string]string{
		AttrRequest:           RequestTypeAccessPolicy,
		AttrProtocolState:     "RCPT",
		AttrProtocolName:      "ESMTP",
		AttrHeloName:          "mx.example.net",
		AttrQueueID:           "8045F2AB23",
		AttrSender:            "a@example.com",
		AttrRecipient:         "b@example.org",
		AttrClientAddress:     "192.0.2.10",
		AttrClientName:        "mx.example.net",
		AttrReverseClientName: "unknown",
		AttrInstance:          "123.456.7",
		AttrSASLMethod:        "plain",
		AttrSASLUsername:      "alice",
		AttrSize:              "12345",
	})

	tests := []struct {
		name string
		get  func(*Request) string
		want string
	}{
		{"Type", (*Request).Type, RequestTypeAccessPolicy},
		{"ProtocolState", (*Request).ProtocolState, "RCPT"},
		{"ProtocolName", (*Request).ProtocolName, "ESMTP"},
		{"HeloName", (*Request).HeloName, "mx.example.net"},
		{"QueueID", (*Request).QueueID, "8045F2AB23"},
		{"Sender", (*Request).Sender, "a@example.com"},
		{"Recipient", (*Request).Recipient, "b@example.org"},
		{"ClientAddress", (*Request).ClientAddress, "192.0.2.10"},
		{"ClientName", (*Request).ClientName, "mx.example.net"},
		{"ReverseClientName", (*Request).ReverseClientName, "unknown"},
		{"Instance", (*Request).Instance, "123.456.7"},
		{"SASLMethod", (*Request).SASLMethod, "plain"},
		{"SASLUsername", (*Request).SASLUsername, "alice"},
		{"Size", (*Request).Size, "12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.get(req))
			assert.Empty(t, tt.get(NewRequest()), "missing attributes read as empty")
		})
	}

	assert.True(t, slices.IsSorted(req.Names()))
	assert.Equal(t, len(tests), req.Len())
}

func TestRequestKeepsFirstPosition(t *testing.T) {
	req := NewRequest()
	req.Set(AttrSender, "a@example.com")
	req.Set(AttrRecipient, "b@example.org")
	req.Set(AttrSender, "c@example.com")

	assert.Equal(t, []string{AttrSender, AttrRecipient}, req.Names())
	assert.Equal(t, "c@example.com", req.Sender())
	assert.Equal(t, map[string]string{AttrSender: "c@example.com", AttrRecipient: "b@example.org"}, req.Map())
	assert.Equal(t, "sender=c@example.com\nrecipient=b@example.org\n", req.String())

	// The copy is detached from the request.
	names := req.Names()
	names[0] = "x"
	assert.Equal(t, AttrSender, req.Names()[0])
}
