package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Reserved header keys carried on pipeline messages.
const (
	KeyCorrelationID = "correlation_id"
	KeyEventSchema   = "event_message_schema"
	KeyGroupID       = "group_id"
	KeyEntityKey     = "entity_key"
	KeyEventID       = "event_id"
)

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

// Clone returns a shallow copy. It never returns nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

func ToWatermill(md Metadata) message.Metadata {
	return message.Metadata(md.Clone())
}
