package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"github.com/harunnryd/hrcall/pkg/logging"
	"github.com/harunnryd/hrcall/pkg/redact"
	"github.com/harunnryd/hrcall/pkg/resilience"
	"github.com/harunnryd/hrcall/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer provides outbound call creation via Twilio REST API.
type Dialer struct {
	cfg     Config
	client  callCreator
	limiter *rate.Limiter
	retry   resilience.RetryPolicy
	logger  *slog.Logger
}

// NewDialer creates a new Twilio dialer.
func NewDialer(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.DialRatePerSec), 1),
		retry:   resilience.NewRetryPolicy(cfg.DialRetries, 0),
		logger:  logging.NewComponentLogger(slog.Default(), "twilio_dialer"),
	}
}

// Dial places an outbound call that connects back to the voice webhook.
// An empty from uses the configured number and an empty url the webhook.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	if from == "" {
		from = d.cfg.FromNumber
	}
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if url == "" {
		url = webhookURL(d.cfg, d.cfg.VoicePath)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("dial rate limit: %w", err)
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	params.SetStatusCallback(webhookURL(d.cfg, d.cfg.StatusCallbackPath))
	params.SetStatusCallbackEvent([]string{"completed"})

	var sid string
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := client.CreateCall(params)
		if err != nil {
			return err
		}
		if resp == nil || resp.Sid == nil {
			return errors.New("missing call sid")
		}
		sid = *resp.Sid
		return nil
	})
	if err != nil {
		d.logger.Warn("outbound_call_failed", "to", redact.Phone(to), "error", err.Error())
		return "", err
	}
	d.logger.Info("outbound_call_placed", "to", redact.Phone(to), "call_sid", sid)
	return sid, nil
}

// Normalize trims a dialed number to the E.164 characters Twilio accepts.
func Normalize(number string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(number) {
		if (r == '+' && i == 0) || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var _ transports.OutboundDialer = (*Dialer)(nil)
