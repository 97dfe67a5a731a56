package domain

// ChannelType identifies the transport a notification is delivered through.
type ChannelType string

// Channel types.
const (
	ChannelTypeEmail ChannelType = "email"
	ChannelTypeSMS   ChannelType = "sms"
	ChannelTypePush  ChannelType = "push"
	ChannelTypeInApp ChannelType = "in_app"
)

// ChannelTypes lists every known channel type.
var ChannelTypes = []ChannelType{
	ChannelTypeEmail,
	ChannelTypeSMS,
	ChannelTypePush,
	ChannelTypeInApp,
}

// IsValid checks if the channel type is known.
func (c ChannelType) IsValid() bool {
	switch c {
	case ChannelTypeEmail, ChannelTypeSMS, ChannelTypePush, ChannelTypeInApp:
		return true
	}
	return false
}

// String returns the channel type as a string.
func (c ChannelType) String() string {
	return string(c)
}
