package telephony

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// Gateway sends SMS and places voice calls. Errors are classified as
// *models.PermanentDispatchError or *models.TransientDispatchError.
type Gateway interface {
	SendSMS(ctx context.Context, to, body string) (sid string, err error)
	PlaceCall(ctx context.Context, to, scriptURL string) (sid string, err error)
}

// LogGateway logs outgoing traffic instead of sending it. It is used when no
// provider credentials are configured.
type LogGateway struct {
	log *logrus.Entry
}

func NewLogGateway(log *logrus.Entry) *LogGateway {
	return &LogGateway{log: log}
}

func (g *LogGateway) SendSMS(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transient("sms", err)
	}
	if to == "" {
		return "", permanent("sms", errMissingPhone)
	}
	sid := "SM" + randomHex()
	g.log.WithFields(logrus.Fields{"to": to, "sid": sid, "chars": len(body)}).Info("dry run: sms not sent")
	return sid, nil
}

func (g *LogGateway) PlaceCall(ctx context.Context, to, scriptURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transient("voice", err)
	}
	if to == "" {
		return "", permanent("voice", errMissingPhone)
	}
	sid := "CA" + randomHex()
	g.log.WithFields(logrus.Fields{"to": to, "sid": sid, "script": scriptURL}).Info("dry run: call not placed")
	return sid, nil
}

func randomHex() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
