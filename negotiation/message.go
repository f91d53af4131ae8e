// negotiation/message.go
package negotiation

import (
	"fmt"

	"github.com/signalsfoundry/adaptive-link/core"
)

// MessageType discriminates control-channel messages.
type MessageType string

const (
	// MessageTypePropose carries a candidate mode from the initiator.
	MessageTypePropose MessageType = "PROPOSE"
	// MessageTypeAck accepts the correlated outstanding proposal.
	MessageTypeAck MessageType = "ACK"
	// MessageTypeNack rejects the correlated outstanding proposal.
	MessageTypeNack MessageType = "NACK"
	// MessageTypeFeedback is one-way, unacknowledged link telemetry.
	MessageTypeFeedback MessageType = "FEEDBACK"
)

// Message is the structured unit exchanged on the peer control
// channel. Byte-level framing belongs to the transport; the engine
// only ever sees whole messages.
//
// Mode is present for PROPOSE/ACK/NACK; the quality fields are only
// meaningful for FEEDBACK.
type Message struct {
	Type       MessageType `json:"Type"`
	StationID  string      `json:"StationID"`
	PeerID     string      `json:"PeerID"`
	ProposalID string      `json:"ProposalID,omitempty"`

	Mode *core.ModulationMode `json:"Mode,omitempty"`

	SNRdB        float64 `json:"SNRdB,omitempty"`
	BER          float64 `json:"BER,omitempty"`
	QualityScore float64 `json:"QualityScore,omitempty"`
}

// Validate performs the structural checks shared by every inbound
// path: a known type, a sender, and a mode on the messages that
// require one. Only PROPOSE needs a mode; ACK/NACK correlate to the
// outstanding proposal by ID, so their mode field is optional echo.
func (m Message) Validate() error {
	switch m.Type {
	case MessageTypePropose:
		if m.Mode == nil || !m.Mode.IsValid() {
			return fmt.Errorf("%w: %s without a valid mode", ErrBadMessage, m.Type)
		}
	case MessageTypeAck, MessageTypeNack, MessageTypeFeedback:
		// Mode optional; quality payload is free-form.
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadMessage, m.Type)
	}
	if m.StationID == "" {
		return fmt.Errorf("%w: missing station ID", ErrBadMessage)
	}
	return nil
}

func modeRef(m core.ModulationMode) *core.ModulationMode {
	return &m
}
