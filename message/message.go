/*
Package message defines the messages exchanged by replicas and clients, their canonical
signable projections and the wire codec.
*/
package message

import (
	"strconv"
	"strings"

	"github.com/gitzhang10/hdsledger/ledger"
)

// Message is the envelope of every exchanged message. Consensus messages also set
// ConsensusInstance, Round and, for round changes, Justification. ReplyTo and ReplyToMessageID
// correlate an answer with the request it answers.
type Message struct {
	SenderID          string
	MessageID         uint64
	Type              Type
	Signature         []byte
	ConsensusInstance int
	Round             int
	ReplyTo           string
	ReplyToMessageID  uint64
	Justification     []*Message
	Body              []byte // the encoded payload

	Payload Payload `codec:"-"`
}

// New creates a message of the given type carrying payload.
func New(sender string, t Type, payload Payload) *Message {
	return &Message{
		SenderID: sender,
		Type:     t,
		Payload:  payload,
	}
}

// NewConsensus creates a consensus message for an instance and round.
func NewConsensus(sender string, t Type, instance, round int, payload Payload) *Message {
	m := New(sender, t, payload)
	m.ConsensusInstance = instance
	m.Round = round
	return m
}

// NewAck acknowledges the message id received from the node the ack is sent to.
func NewAck(sender string, messageID uint64) *Message {
	return &Message{
		SenderID:  sender,
		MessageID: messageID,
		Type:      AckTag,
	}
}

// Signable is the string covered by the signature of the sender. The justification is
// not part of it: every justifying message carries its own signature.
func (m *Message) Signable() string {
	var sb strings.Builder
	sb.WriteString(m.SenderID)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(m.MessageID, 10))
	sb.WriteByte('|')
	sb.WriteString(m.Type.String())
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(m.ConsensusInstance))
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(m.Round))
	sb.WriteByte('|')
	sb.WriteString(m.ReplyTo)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(m.ReplyToMessageID, 10))
	sb.WriteByte('|')
	if m.Payload != nil {
		sb.WriteString(m.Payload.Signable())
	}
	return sb.String()
}

// Clone returns a copy that can get its own id and signature. The payload is shared.
func (m *Message) Clone() *Message {
	c := *m
	c.Signature = nil
	if m.Justification != nil {
		c.Justification = append([]*Message(nil), m.Justification...)
	}
	return &c
}

// Block returns the block a consensus message votes for or, for a round change, the prepared block.
func (m *Message) Block() *ledger.Block {
	switch p := m.Payload.(type) {
	case *PrePrepare:
		return p.Block
	case *Prepare:
		return p.Block
	case *Commit:
		return p.Block
	case *RoundChange:
		return p.PreparedBlock
	}
	return nil
}

// PrePrepare returns the payload of a PRE_PREPARE message.
func (m *Message) PrePrepare() (*PrePrepare, bool) {
	p, ok := m.Payload.(*PrePrepare)
	return p, ok
}

// Commit returns the payload of a COMMIT message.
func (m *Message) Commit() (*Commit, bool) {
	p, ok := m.Payload.(*Commit)
	return p, ok
}

// RoundChange returns the payload of a ROUND_CHANGE message.
func (m *Message) RoundChange() (*RoundChange, bool) {
	p, ok := m.Payload.(*RoundChange)
	return p, ok
}

// Transfer returns the payload of a TRANSFER message.
func (m *Message) Transfer() (*Transfer, bool) {
	p, ok := m.Payload.(*Transfer)
	return p, ok
}

// Balance returns the payload of a BALANCE message.
func (m *Message) Balance() (*Balance, bool) {
	p, ok := m.Payload.(*Balance)
	return p, ok
}

// TransferResponse returns the payload of a TRANSFER_RESPONSE message.
func (m *Message) TransferResponse() (*TransferResponse, bool) {
	p, ok := m.Payload.(*TransferResponse)
	return p, ok
}

// BalanceResponse returns the payload of a BALANCE_RESPONSE message.
func (m *Message) BalanceResponse() (*BalanceResponse, bool) {
	p, ok := m.Payload.(*BalanceResponse)
	return p, ok
}
