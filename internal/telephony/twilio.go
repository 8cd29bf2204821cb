package telephony

import (
	"context"
	"errors"
	"time"

	twilio "github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioConfig holds the account and callback settings for the Twilio gateway.
type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	FromNumber        string
	StatusCallbackURL string
	Timeout           time.Duration
}

// TwilioGateway sends through the Twilio REST API.
type TwilioGateway struct {
	client   *twilio.RestClient
	from     string
	callback string
}

func NewTwilioGateway(cfg TwilioConfig) *TwilioGateway {
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}
	return &TwilioGateway{client: c, from: cfg.FromNumber, callback: cfg.StatusCallbackURL}
}

func (g *TwilioGateway) SendSMS(ctx context.Context, to, body string) (string, error) {
	if to == "" {
		return "", permanent("sms", errMissingPhone)
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(g.from)
	params.SetBody(body)
	if g.callback != "" {
		params.SetStatusCallback(g.callback)
	}
	return call(ctx, "sms", func() (*string, error) {
		resp, err := g.client.Api.CreateMessage(params)
		if err != nil {
			return nil, err
		}
		return resp.Sid, nil
	})
}

func (g *TwilioGateway) PlaceCall(ctx context.Context, to, scriptURL string) (string, error) {
	if to == "" {
		return "", permanent("voice", errMissingPhone)
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(g.from)
	params.SetUrl(scriptURL)
	params.SetMethod("GET")
	if g.callback != "" {
		params.SetStatusCallback(g.callback)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	return call(ctx, "voice", func() (*string, error) {
		resp, err := g.client.Api.CreateCall(params)
		if err != nil {
			return nil, err
		}
		return resp.Sid, nil
	})
}

type result struct {
	sid *string
	err error
}

// call runs a blocking SDK request and gives up when ctx ends. The request itself
// is bounded by the client timeout.
func call(ctx context.Context, channel string, fn func() (*string, error)) (string, error) {
	done := make(chan result, 1)
	go func() {
		sid, err := fn()
		done <- result{sid: sid, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", transient(channel, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", Classify(channel, r.err)
		}
		if r.sid == nil || *r.sid == "" {
			return "", transient(channel, errors.New("provider returned no sid"))
		}
		return *r.sid, nil
	}
}
