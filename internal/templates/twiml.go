package templates

import (
	"fmt"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

const sayVoice = "alice"

// TwiML builds the call script for a voice reminder: a localised greeting, the
// message itself, and a closing, separated by short pauses.
func TwiML(r Renderer, body, lang string) (string, error) {
	greeting, closing, locale := r.Wrap(lang)

	var verbs []twiml.Element
	say := func(text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		verbs = append(verbs, &twiml.VoiceSay{Message: text, Voice: sayVoice, Language: locale})
	}
	pause := func() { verbs = append(verbs, &twiml.VoicePause{Length: "1"}) }

	say(greeting)
	pause()
	say(body)
	pause()
	say(closing)

	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("build twiml: %w", err)
	}
	return doc, nil
}
