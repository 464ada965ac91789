package domain

// Channel is a delivery medium. The set is closed: the provider registry and
// queue layout are both keyed by it.
type Channel string

const (
	ChannelInApp    Channel = "in_app"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPush     Channel = "push"
	ChannelSMS      Channel = "sms"
	ChannelWebhook  Channel = "webhook"
)

// Channels lists every known channel, in queue-worker startup order.
func Channels() []Channel {
	return []Channel{ChannelInApp, ChannelEmail, ChannelWhatsApp, ChannelPush, ChannelSMS, ChannelWebhook}
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelWhatsApp, ChannelPush, ChannelSMS, ChannelWebhook:
		return true
	}
	return false
}

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Score maps a priority to its queue score. Lower dequeues first.
func (p Priority) Score() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityMedium:
		return 4
	case PriorityLow:
		return 5
	default:
		return 3
	}
}
