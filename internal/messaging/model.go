package messaging

import (
	"time"
	"unicode/utf8"

	"github.com/lib/pq"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelDM    Channel = "dm"
)

// ParseChannel returns the channel named s and whether it is one we reply on.
func ParseChannel(s string) (Channel, bool) {
	switch channel := Channel(s); channel {
	case ChannelSMS, ChannelEmail, ChannelDM:
		return channel, true
	default:
		return channel, false
	}
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const (
	DeliveryStatusDraft     = "draft"
	DeliveryStatusReceived  = "received"
	DeliveryStatusQueued    = "queued"
	DeliveryStatusSent      = "sent"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

const previewLength = 140

// Thread is one customer conversation on one channel.
type Thread struct {
	ID                 string     `gorm:"column:id;type:uuid;primaryKey"               json:"id"`
	Channel            Channel    `gorm:"column:channel;type:varchar(10);not null"     json:"channel"`
	ContactID          *string    `gorm:"column:contact_id;type:uuid;index"            json:"contact_id"`
	ExternalAddress    *string    `gorm:"column:external_address"                      json:"external_address"`
	State              string     `gorm:"column:state;type:varchar(32);default:open"   json:"state"`
	LastMessageAt      *time.Time `gorm:"column:last_message_at"                       json:"last_message_at"`
	LastMessagePreview *string    `gorm:"column:last_message_preview;type:text"        json:"last_message_preview"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"             json:"created_at"`
}

func (Thread) TableName() string {
	return "conversation_threads"
}

// Metadata holds the flags the messaging and autopilot code set on a message.
// An inbound message has at most one autopilot reply; SMS fallback copies
// are exempt from that rule.
type Metadata struct {
	Draft                 bool    `gorm:"column:draft;not null;default:false"`
	Autopilot             bool    `gorm:"column:autopilot;not null;default:false"`
	AutopilotForMessageID *string `gorm:"column:autopilot_for_message_id;type:uuid;index;uniqueIndex:uniq_conversation_messages_autopilot_reply,where:meta_autopilot AND meta_fallback_from_message_id IS NULL"`
	NoAutosend            bool    `gorm:"column:no_autosend;not null;default:false"`
	ExtractedPhoneE164    *string `gorm:"column:extracted_phone_e164;type:varchar(20)"`
	FallbackFromMessageID *string `gorm:"column:fallback_from_message_id;type:uuid"`
	Model                 *string `gorm:"column:model"`
	PromptVersion         *string `gorm:"column:prompt_version"`
}

type Message struct {
	ID                string         `gorm:"column:id;type:uuid;primaryKey"`
	ThreadID          string         `gorm:"column:thread_id;type:uuid;not null;index"`
	Direction         string         `gorm:"column:direction;type:varchar(10);not null"`
	Channel           Channel        `gorm:"column:channel;type:varchar(10);not null"`
	Subject           *string        `gorm:"column:subject"`
	Body              string         `gorm:"column:body;type:text;not null"`
	FromAddress       *string        `gorm:"column:from_address"`
	ToAddress         *string        `gorm:"column:to_address"`
	DeliveryStatus    string         `gorm:"column:delivery_status;type:varchar(16);not null"`
	AuthorUserID      *string        `gorm:"column:author_user_id;type:uuid"`
	ProviderMessageID *string        `gorm:"column:provider_message_id"`
	FailedReason      *string        `gorm:"column:failed_reason;type:text"`
	MissingInfo       pq.StringArray `gorm:"column:missing_info;type:text[]"`
	Metadata          Metadata       `gorm:"embedded;embeddedPrefix:meta_"`
	SentAt            *time.Time     `gorm:"column:sent_at"`
	CreatedAt         time.Time      `gorm:"column:created_at;not null;index"`
}

func (Message) TableName() string {
	return "conversation_messages"
}

// HumanAuthored reports whether a team member wrote the message.
func (m *Message) HumanAuthored() bool {
	return m.Direction == DirectionOutbound && m.AuthorUserID != nil && !m.Metadata.Autopilot
}

func Preview(body string) string {
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}

	return string([]rune(body)[:previewLength])
}
