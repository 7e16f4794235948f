package models

import (
	"fmt"

	v1 "github.com/relaydev/relay/pkg/api/v1"
)

// DestinationFromWire validates a wire destination and converts it to the
// internal form. The type must be a known platform and the matching address
// field must be set.
func DestinationFromWire(w v1.Destination) (Destination, error) {
	switch DestinationKind(w.Type) {
	case DestinationTelegram:
		if w.ChatID == "" {
			return Destination{}, fmt.Errorf("telegram destination requires chat_id")
		}
		return Destination{Kind: DestinationTelegram, Target: w.ChatID}, nil
	case DestinationSlack:
		if w.Channel == "" {
			return Destination{}, fmt.Errorf("slack destination requires channel")
		}
		return Destination{Kind: DestinationSlack, Target: w.Channel}, nil
	default:
		return Destination{}, fmt.Errorf("unknown destination type %q", w.Type)
	}
}

// DestinationToWire converts an internal destination back to its wire form.
func DestinationToWire(d Destination) v1.Destination {
	w := v1.Destination{Type: string(d.Kind)}
	switch d.Kind {
	case DestinationSlack:
		w.Channel = d.Target
	default:
		w.ChatID = d.Target
	}
	return w
}

// SessionToWire converts a session snapshot to its wire form.
func SessionToWire(s Session) v1.Session {
	out := v1.Session{
		SessionID:    s.ID,
		Path:         s.Path,
		Destinations: make([]v1.Destination, 0, len(s.Destinations)),
		Tombstoned:   s.Tombstoned,
		AttachedAt:   s.AttachedAt,
	}
	for _, d := range s.Destinations {
		out.Destinations = append(out.Destinations, DestinationToWire(d))
	}
	return out
}
