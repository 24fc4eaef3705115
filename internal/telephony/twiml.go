package telephony

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// StreamParam is one custom parameter attached to a media stream. The
// carrier echoes these back in the start envelope's customParameters bag.
type StreamParam struct {
	Name  string
	Value string
}

// ConnectStreamTwiML builds the webhook reply that instructs the carrier to
// open a media stream to wsURL with the given custom parameters.
func ConnectStreamTwiML(wsURL string, params ...StreamParam) (string, error) {
	inner := make([]twiml.Element, 0, len(params))
	for _, p := range params {
		inner = append(inner, &twiml.VoiceParameter{Name: p.Name, Value: p.Value})
	}

	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{
					Url:           wsURL,
					InnerElements: inner,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("telephony: build stream twiml: %w", err)
	}
	return doc, nil
}

// RejectTwiML builds a webhook reply that speaks message to the caller and
// hangs up. Used when no agent answers the called number or the trial is
// exhausted.
func RejectTwiML(message string) (string, error) {
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		return "", fmt.Errorf("telephony: build reject twiml: %w", err)
	}
	return doc, nil
}
