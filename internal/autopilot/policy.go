package autopilot

import (
	"context"
	"strings"
	"time"

	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/messaging"
)

// Policy is the settings snapshot one draft or release decision runs against.
type Policy struct {
	Enabled              bool
	AutoSendAfter        time.Duration
	RecentActivityWindow time.Duration
	HumanizeDelayMin     time.Duration
	HumanizeDelayMax     time.Duration
	DMMinSilence         time.Duration
	DMFallbackAfter      time.Duration
	QuietHoursStart      int
	QuietHoursEnd        int
	Location             *time.Location
	MaxAutosendAge       time.Duration
	HistoryLimit         int
	SMSMaxChars          int
	EmailMaxChars        int
	MaxOpenItems         int
	AutosendChannels     map[messaging.Channel]bool
	PlanModel            string
	WriteModel           string
	PromptVersion        string
}

// PolicySource hands out a fresh snapshot per invocation.
type PolicySource interface {
	Policy(ctx context.Context) (Policy, error)
}

// ConfigPolicy reads the snapshot from the loaded environment config.
type ConfigPolicy struct{}

func (ConfigPolicy) Policy(context.Context) (Policy, error) {
	location, err := time.LoadLocation(config.Conf.BusinessTimezone)
	if err != nil {
		return Policy{}, err
	}

	return Policy{
		Enabled:              config.Conf.AutopilotEnabled,
		AutoSendAfter:        time.Duration(config.Conf.AutopilotAutoSendAfter) * time.Minute,
		RecentActivityWindow: time.Duration(config.Conf.AutopilotRecentActivityWindow) * time.Minute,
		HumanizeDelayMin:     time.Duration(config.Conf.AutopilotHumanizeDelayMin) * time.Second,
		HumanizeDelayMax:     time.Duration(config.Conf.AutopilotHumanizeDelayMax) * time.Second,
		DMMinSilence:         time.Duration(config.Conf.AutopilotDMMinSilence) * time.Minute,
		DMFallbackAfter:      time.Duration(config.Conf.AutopilotDMFallbackAfter) * time.Minute,
		QuietHoursStart:      config.Conf.AutopilotQuietHoursStart,
		QuietHoursEnd:        config.Conf.AutopilotQuietHoursEnd,
		Location:             location,
		MaxAutosendAge:       time.Duration(config.Conf.AutopilotMaxAutosendAge) * time.Hour,
		HistoryLimit:         config.Conf.AutopilotHistoryLimit,
		SMSMaxChars:          config.Conf.AutopilotSMSMaxChars,
		EmailMaxChars:        config.Conf.AutopilotEmailMaxChars,
		MaxOpenItems:         config.Conf.AutopilotMaxOpenItems,
		AutosendChannels:     ParseChannels(config.Conf.AutopilotAutosendChannels),
		PlanModel:            config.Conf.GenerationPlanModel,
		WriteModel:           config.Conf.GenerationWriteModel,
		PromptVersion:        config.Conf.AutopilotPromptVersion,
	}, nil
}

// ParseChannels reads a comma list such as "sms,dm", ignoring unknown names.
func ParseChannels(list string) map[messaging.Channel]bool {
	channels := map[messaging.Channel]bool{}

	for _, name := range strings.Split(list, ",") {
		channel, ok := messaging.ParseChannel(strings.ToLower(strings.TrimSpace(name)))
		if ok {
			channels[channel] = true
		}
	}

	return channels
}

// MaxChars is the reply length limit for channel.
func (p Policy) MaxChars(channel messaging.Channel) int {
	if channel == messaging.ChannelEmail {
		return p.EmailMaxChars
	}

	return p.SMSMaxChars
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}

	return p.Location
}

// InQuietHours reports whether t falls in the nightly no-send window. The
// window may wrap midnight; equal bounds disable it.
func (p Policy) InQuietHours(t time.Time) bool {
	start, end := p.QuietHoursStart, p.QuietHoursEnd
	if start == end {
		return false
	}

	hour := t.In(p.location()).Hour()
	if start < end {
		return hour >= start && hour < end
	}

	return hour >= start || hour < end
}

// QuietHoursEndAfter returns the first end of the quiet window after t.
func (p Policy) QuietHoursEndAfter(t time.Time) time.Time {
	local := t.In(p.location())

	end := time.Date(local.Year(), local.Month(), local.Day(), p.QuietHoursEnd, 0, 0, 0, p.location())
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}

	return end
}
