package app

import (
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bissquit/herald/internal/config"
	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
	"github.com/bissquit/herald/internal/notifications/email"
	"github.com/bissquit/herald/internal/notifications/gateway"
	"github.com/bissquit/herald/internal/notifications/inapp"
	"github.com/bissquit/herald/internal/notifications/mock"
	"github.com/bissquit/herald/internal/notifications/push"
	"github.com/bissquit/herald/internal/notifications/sms"
)

// buildSenders creates one sender per channel whose provider is not "none".
// redisClient may be nil, in which case in-app entries are stored without realtime fan-out.
func buildSenders(cfg *config.Config, inbox notifications.InAppRepository, redisClient *goredis.Client) ([]notifications.Sender, error) {
	var senders []notifications.Sender

	switch cfg.Email.Provider {
	case config.ProviderSMTP:
		s, err := email.NewSender(email.Config{
			Enabled:      true,
			SMTPHost:     cfg.Email.SMTPHost,
			SMTPPort:     cfg.Email.SMTPPort,
			SMTPUser:     cfg.Email.SMTPUser,
			SMTPPassword: cfg.Email.SMTPPassword,
			FromAddress:  cfg.Email.FromAddress,
			HTML:         cfg.Email.HTML,
		})
		if err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}
		senders = append(senders, s)
	case config.ProviderMock:
		senders = append(senders, mock.NewSender(domain.ChannelTypeEmail))
	}

	switch cfg.SMS.Provider {
	case config.ProviderHTTP:
		s, err := sms.NewSender(sms.Config{
			Gateway:  gatewayConfig(cfg.SMS.Gateway),
			SenderID: cfg.SMS.SenderID,
		})
		if err != nil {
			return nil, fmt.Errorf("sms: %w", err)
		}
		senders = append(senders, s)
	case config.ProviderMock:
		senders = append(senders, mock.NewSender(domain.ChannelTypeSMS))
	}

	switch cfg.Push.Provider {
	case config.ProviderHTTP:
		s, err := push.NewSender(push.Config{
			Gateway:      gatewayConfig(cfg.Push.Gateway),
			DefaultTitle: cfg.Push.DefaultTitle,
		})
		if err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		senders = append(senders, s)
	case config.ProviderMock:
		senders = append(senders, mock.NewSender(domain.ChannelTypePush))
	}

	switch cfg.InApp.Provider {
	case config.ProviderInbox:
		var notifier inapp.RealtimeNotifier
		if redisClient != nil {
			notifier = inapp.NewRedisNotifier(redisClient, cfg.Redis.StreamLength)
		}
		senders = append(senders, inapp.NewSender(inapp.Config{TTL: cfg.InApp.TTL}, inbox, notifier))
	case config.ProviderMock:
		senders = append(senders, mock.NewSender(domain.ChannelTypeInApp))
	}

	return senders, nil
}

func gatewayConfig(c config.GatewayConfig) gateway.Config {
	return gateway.Config{
		URL:       c.URL,
		APIKey:    c.APIKey,
		RateLimit: c.RateLimit,
		Burst:     c.Burst,
		Timeout:   c.Timeout,
	}
}
