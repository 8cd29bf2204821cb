package telephony

import (
	"errors"

	"github.com/twilio/twilio-go/client"

	"reminder-engine/internal/models"
)

var errMissingPhone = errors.New("patient has no phone number")

// permanentCodes are Twilio error codes for destinations that will never accept
// the message: invalid, unreachable, opted out, or not SMS/voice capable.
var permanentCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21214: true, // 'To' number cannot be reached
	21217: true, // phone number does not appear to be valid
	21401: true, // invalid phone number
	21407: true, // destination not supported
	21408: true, // permission to send to region not enabled
	21421: true, // phone number is invalid
	21610: true, // recipient unsubscribed
	21612: true, // 'To' number not reachable via this channel
	21614: true, // 'To' number is not a mobile number
	13223: true, // invalid phone number format
	13224: true, // invalid phone number
}

func permanent(channel string, err error) error {
	return &models.PermanentDispatchError{Channel: channel, Err: err}
}

func transient(channel string, err error) error {
	return &models.TransientDispatchError{Channel: channel, Err: err}
}

// Classify wraps a provider error as permanent or transient for channel.
func Classify(channel string, err error) error {
	if err == nil {
		return nil
	}
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) && permanentCodes[restErr.Code] {
		return permanent(channel, err)
	}
	return transient(channel, err)
}

// IsPermanentCode reports whether a Twilio error code means the destination is unusable.
func IsPermanentCode(code int) bool {
	return permanentCodes[code]
}
