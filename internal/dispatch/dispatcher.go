package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"reminder-engine/internal/logging"
	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
	"reminder-engine/internal/telemetry"
	"reminder-engine/internal/telephony"
	"reminder-engine/internal/templates"
)

// Result is the outcome of one dispatch attempt. ExternalID is the id used to
// correlate status callbacks: the SMS sid for sms and both, the call sid for voice.
type Result struct {
	Success         bool
	ExternalID      string
	VoiceExternalID string
	Err             error
}

// Dispatcher resolves the patient and message text and hands them to the gateway.
type Dispatcher struct {
	patients        patients.Directory
	renderer        templates.Renderer
	gateway         telephony.Gateway
	scripts         telephony.ScriptStore
	defaultLanguage string
	log             *logrus.Entry
}

func New(dir patients.Directory, renderer templates.Renderer, gw telephony.Gateway, scripts telephony.ScriptStore, defaultLanguage string, log *logrus.Entry) *Dispatcher {
	if defaultLanguage == "" {
		defaultLanguage = "fr"
	}
	return &Dispatcher{
		patients:        dir,
		renderer:        renderer,
		gateway:         gw,
		scripts:         scripts,
		defaultLanguage: defaultLanguage,
		log:             log,
	}
}

// Dispatch sends r over its delivery method. It never panics on provider
// errors; failures are reported in Result.Err as dispatch errors.
func (d *Dispatcher) Dispatch(ctx context.Context, r models.Reminder) Result {
	start := time.Now()
	defer func() { telemetry.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	p, err := d.patients.Patient(ctx, r.PatientID)
	if err != nil {
		if models.IsNotFound(err) {
			return failed(&models.PermanentDispatchError{Channel: string(r.DeliveryMethod), Err: err})
		}
		return failed(&models.TransientDispatchError{Channel: string(r.DeliveryMethod), Err: fmt.Errorf("patient lookup: %w", err)})
	}
	lang := p.Language(d.defaultLanguage)

	var res Result
	switch r.DeliveryMethod {
	case models.MethodSMS:
		res.ExternalID, res.Err = d.sendSMS(ctx, r, p, lang)
	case models.MethodVoice:
		res.ExternalID, res.Err = d.placeCall(ctx, r, p, lang)
	case models.MethodBoth:
		res = d.sendBoth(ctx, r, p, lang)
	default:
		res.Err = &models.PermanentDispatchError{Channel: string(r.DeliveryMethod), Err: errors.New("unsupported delivery method")}
	}
	res.Success = res.Err == nil
	if res.Success {
		telemetry.DispatchSuccess.WithLabelValues(string(r.DeliveryMethod)).Inc()
	}
	d.log.WithFields(logrus.Fields{
		logging.ReminderField: r.ID,
		"method":              r.DeliveryMethod,
		"success":             res.Success,
		"duration_ms":         time.Since(start).Milliseconds(),
	}).Debug("dispatch finished")
	return res
}

// sendBoth runs SMS and voice independently. The reminder only succeeds if both do.
func (d *Dispatcher) sendBoth(ctx context.Context, r models.Reminder, p patients.Patient, lang string) Result {
	var (
		smsSID, callSID string
		smsErr, callErr error
		g               errgroup.Group
	)
	g.Go(func() error {
		smsSID, smsErr = d.sendSMS(ctx, r, p, lang)
		return nil
	})
	g.Go(func() error {
		callSID, callErr = d.placeCall(ctx, r, p, lang)
		return nil
	})
	_ = g.Wait()

	res := Result{ExternalID: smsSID, VoiceExternalID: callSID}
	var errs channelErrors
	if smsErr != nil {
		errs = append(errs, smsErr)
	}
	if callErr != nil {
		errs = append(errs, callErr)
	}
	switch len(errs) {
	case 0:
	case 1:
		res.Err = errs[0]
	default:
		res.Err = errs
	}
	return res
}

func (d *Dispatcher) sendSMS(ctx context.Context, r models.Reminder, p patients.Patient, lang string) (string, error) {
	msg, err := d.message(r, p, lang, templates.ChannelSMS)
	if err != nil {
		return "", err
	}
	return d.gateway.SendSMS(ctx, p.Phone, msg.Body)
}

func (d *Dispatcher) placeCall(ctx context.Context, r models.Reminder, p patients.Patient, lang string) (string, error) {
	msg, err := d.message(r, p, lang, templates.ChannelVoice)
	if err != nil {
		return "", err
	}
	script, err := templates.TwiML(d.renderer, msg.Body, msg.Language)
	if err != nil {
		return "", &models.PermanentDispatchError{Channel: "voice", Err: err}
	}
	name := fmt.Sprintf("%s-%d.xml", r.ID, r.RetryCount)
	url, err := d.scripts.Put(ctx, name, []byte(script))
	if err != nil {
		return "", &models.TransientDispatchError{Channel: "voice", Err: fmt.Errorf("store script: %w", err)}
	}
	return d.gateway.PlaceCall(ctx, p.Phone, url)
}

// message returns the custom message verbatim, or the rendered template.
func (d *Dispatcher) message(r models.Reminder, p patients.Patient, lang string, ch templates.Channel) (templates.Message, error) {
	if r.CustomMessage != nil && strings.TrimSpace(*r.CustomMessage) != "" {
		return templates.Message{Body: *r.CustomMessage, Language: lang}, nil
	}
	msg, err := d.renderer.Render(r.Type, lang, ch, d.renderer.Variables(p, r.Metadata, lang))
	if err != nil {
		return templates.Message{}, &models.PermanentDispatchError{Channel: string(ch), Err: fmt.Errorf("render: %w", err)}
	}
	return msg, nil
}

func failed(err error) Result {
	return Result{Err: err}
}

// channelErrors reports every failing channel of a "both" dispatch.
type channelErrors []error

func (e channelErrors) Error() string {
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

func (e channelErrors) Unwrap() []error { return e }
