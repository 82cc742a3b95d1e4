package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/paychat-billing/internal/archive"
	appconfig "github.com/wolfman30/paychat-billing/internal/config"
	"github.com/wolfman30/paychat-billing/internal/events"
	"github.com/wolfman30/paychat-billing/internal/moderation"
	"github.com/wolfman30/paychat-billing/internal/notify"
	"github.com/wolfman30/paychat-billing/internal/session"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// BuildEmailSender selects the alert transport from ALERT_PROVIDER.
// awsCfg may be nil when AWS is not configured.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.EmailSender, error) {
	switch cfg.AlertProvider {
	case "", "stub":
		return notify.NewStubEmailSender(logger), nil
	case "sendgrid":
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.AlertFromEmail,
			FromName:  cfg.AlertFromName,
		}, logger)
		if sender == nil {
			return nil, fmt.Errorf("bootstrap: SENDGRID_API_KEY is required for sendgrid alerts")
		}
		return sender, nil
	case "ses":
		if awsCfg == nil {
			return nil, fmt.Errorf("bootstrap: aws config is required for ses alerts")
		}
		return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.AlertFromEmail,
			FromName:  cfg.AlertFromName,
		}, logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown ALERT_PROVIDER %q", cfg.AlertProvider)
	}
}

// BuildAlerter returns the operator alert service.
func BuildAlerter(cfg *appconfig.Config, sender notify.EmailSender, logger *logging.Logger) *notify.Service {
	return notify.NewService(sender, splitList(cfg.AlertEmailTo), cfg.AlertCooldown, logger)
}

// BuildFlagger uses the moderation queue when configured.
func BuildFlagger(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (session.Flagger, error) {
	if strings.TrimSpace(cfg.ModerationQueueURL) == "" || awsCfg == nil {
		logger.Info("moderation queue not configured; flags are logged only")
		return moderation.NewLogFlagger(logger), nil
	}
	return moderation.NewSQSFlagger(sqs.NewFromConfig(*awsCfg), cfg.ModerationQueueURL, logger)
}

// BuildArchive returns the S3 archiver, or nil when no bucket is configured.
func BuildArchive(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *archive.Store {
	if strings.TrimSpace(cfg.ArchiveBucket) == "" || awsCfg == nil {
		return nil
	}
	client := s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
		// LocalStack serves buckets on the path, not a subdomain.
		o.UsePathStyle = cfg.AWSEndpointOverride != ""
	})
	return archive.NewStore(client, cfg.ArchiveBucket, logger)
}

// EventPipeline is the outbox delivery target plus the resources it holds.
type EventPipeline struct {
	Handler events.DeliveryHandler
	kafka   *events.KafkaHandler
}

// Close releases the Kafka writer if one was opened.
func (p *EventPipeline) Close() error {
	if p == nil || p.kafka == nil {
		return nil
	}
	return p.kafka.Close()
}

// BuildEventPipeline fans each outbox event out to logging, Kafka, the S3
// archive and operator alerts.
func BuildEventPipeline(cfg *appconfig.Config, store *archive.Store, alerter *notify.Service, logger *logging.Logger) *EventPipeline {
	p := &EventPipeline{}
	fan := events.FanOut{events.NewLogHandler(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		p.kafka = events.NewKafkaHandler(cfg.KafkaBrokers, cfg.KafkaTopic)
		fan = append(fan, p.kafka)
	}
	if store.Enabled() {
		fan = append(fan, events.OnlyTypes(store, events.TypeSessionTerminated))
	}
	if alerter != nil {
		fan = append(fan, events.OnlyTypes(alerter, events.TypeCreditFailed))
	}
	p.Handler = fan
	return p
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
