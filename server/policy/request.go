package policy

import (
	"iter"
	"slices"
	"strings"
)

// Well-known attribute names sent by Postfix.
const (
	AttrRequest           = "request"
	AttrProtocolState     = "protocol_state"
	AttrProtocolName      = "protocol_name"
	AttrHeloName          = "helo_name"
	AttrQueueID           = "queue_id"
	AttrSender            = "sender"
	AttrRecipient         = "recipient"
	AttrRecipientCount    = "recipient_count"
	AttrClientAddress     = "client_address"
	AttrClientName        = "client_name"
	AttrReverseClientName = "reverse_client_name"
	AttrInstance          = "instance"
	AttrSASLMethod        = "sasl_method"
	AttrSASLUsername      = "sasl_username"
	AttrSASLSender        = "sasl_sender"
	AttrSize              = "size"
)

// RequestTypeAccessPolicy is the value of the request attribute for smtpd
// access policy queries.
const RequestTypeAccessPolicy = "smtpd_access_policy"

// Request is one policy query: an insertion-ordered set of attributes.
// A repeated attribute keeps the position of its first occurrence and the
// value of its last.
type Request struct {
	names  []string
	values map[string]string
}

// NewRequest returns an empty request.
func NewRequest() *Request {
	return &Request{values: make(map[string]string)}
}

// RequestFromMap builds a request from a plain map. Attribute order follows
// the sorted key order so the result is deterministic.
func RequestFromMap(m map[string]string) *Request {
	r := NewRequest()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		r.Set(k, m[k])
	}
	return r
}

// Set stores an attribute value.
func (r *Request) Set(name, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[name]; !ok {
		r.names = append(r.names, name)
	}
	r.values[name] = value
}

// Get returns the value of an attribute, or "" when it is absent.
func (r *Request) Get(name string) string {
	return r.values[name]
}

// Lookup returns the value of an attribute and whether it was present.
func (r *Request) Lookup(name string) (string, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Len returns the number of distinct attributes.
func (r *Request) Len() int {
	return len(r.names)
}

// Names returns the attribute names in arrival order.
func (r *Request) Names() []string {
	return append([]string(nil), r.names...)
}

// All iterates over the attributes in arrival order.
func (r *Request) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, name := range r.names {
			if !yield(name, r.values[name]) {
				return
			}
		}
	}
}

// Map returns a copy of the attributes as a plain map.
func (r *Request) Map() map[string]string {
	m := make(map[string]string, len(r.names))
	for name, value := range r.All() {
		m[name] = value
	}
	return m
}

// String renders the request in wire form without escaping, for logging.
func (r *Request) String() string {
	var b strings.Builder
	for name, value := range r.All() {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	return b.String()
}

func (r *Request) Type() string              { return r.Get(AttrRequest) }
func (r *Request) ProtocolState() string     { return r.Get(AttrProtocolState) }
func (r *Request) ProtocolName() string      { return r.Get(AttrProtocolName) }
func (r *Request) HeloName() string          { return r.Get(AttrHeloName) }
func (r *Request) QueueID() string           { return r.Get(AttrQueueID) }
func (r *Request) Sender() string            { return r.Get(AttrSender) }
func (r *Request) Recipient() string         { return r.Get(AttrRecipient) }
func (r *Request) ClientAddress() string     { return r.Get(AttrClientAddress) }
func (r *Request) ClientName() string        { return r.Get(AttrClientName) }
func (r *Request) ReverseClientName() string { return r.Get(AttrReverseClientName) }
func (r *Request) Instance() string          { return r.Get(AttrInstance) }
func (r *Request) SASLMethod() string        { return r.Get(AttrSASLMethod) }
func (r *Request) SASLUsername() string      { return r.Get(AttrSASLUsername) }
func (r *Request) Size() string              { return r.Get(AttrSize) }
