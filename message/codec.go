package message

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/hashicorp/go-msgpack/codec"
)

// ErrMalformed is returned when a datagram cannot be decoded into a message.
var ErrMalformed = errors.New("malformed message")

// Encode serializes the message: a msgpack envelope whose body is the JSON encoded payload.
// The message itself is left untouched.
func Encode(m *Message) ([]byte, error) {
	w, err := wireCopy(m)
	if err != nil {
		return nil, err
	}
	var out []byte
	enc := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{})
	if err := enc.Encode(w); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*Message, error) {
	m := &Message{}
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := readBody(m); err != nil {
		return nil, err
	}
	return m, nil
}

func wireCopy(m *Message) (*Message, error) {
	w := *m
	w.Body = nil
	if m.Payload != nil {
		enc := codec.NewEncoderBytes(&w.Body, &codec.JsonHandle{})
		if err := enc.Encode(m.Payload); err != nil {
			return nil, err
		}
	}
	if m.Justification != nil {
		w.Justification = make([]*Message, len(m.Justification))
		for i, j := range m.Justification {
			jw, err := wireCopy(j)
			if err != nil {
				return nil, err
			}
			w.Justification[i] = jw
		}
	}
	return &w, nil
}

func readBody(m *Message) error {
	reflectedType, ok := reflectedTypesMap[m.Type]
	if ok {
		if len(m.Body) == 0 {
			return fmt.Errorf("%w: %s without body", ErrMalformed, m.Type)
		}
		payload := reflect.New(reflectedType).Interface()
		dec := codec.NewDecoderBytes(m.Body, &codec.JsonHandle{})
		if err := dec.Decode(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m.Payload = payload.(Payload)
		if err := checkPayload(m.Payload); err != nil {
			return err
		}
	} else if m.Type > BalanceResponseTag {
		return fmt.Errorf("%w: type of the msg (%d) is unknown", ErrMalformed, m.Type)
	}
	for _, j := range m.Justification {
		if j == nil {
			return fmt.Errorf("%w: empty justification", ErrMalformed)
		}
		if err := readBody(j); err != nil {
			return err
		}
	}
	return nil
}

// checkPayload rejects payloads whose signable projection cannot be computed.
func checkPayload(p Payload) error {
	switch p := p.(type) {
	case *PrePrepare:
		return checkBlock(p.Block, true)
	case *Prepare:
		return checkBlock(p.Block, true)
	case *Commit:
		return checkBlock(p.Block, true)
	case *RoundChange:
		return checkBlock(p.PreparedBlock, false)
	case *Transfer:
		if p.Transaction == nil {
			return fmt.Errorf("%w: transfer without transaction", ErrMalformed)
		}
	case *TransferResponse:
		if p.Transaction == nil {
			return fmt.Errorf("%w: response without transaction", ErrMalformed)
		}
	}
	return nil
}

func checkBlock(b *ledger.Block, required bool) error {
	if b == nil {
		if required {
			return fmt.Errorf("%w: missing block", ErrMalformed)
		}
		return nil
	}
	for _, tx := range b.Transactions {
		if tx == nil {
			return fmt.Errorf("%w: block with an empty transaction", ErrMalformed)
		}
	}
	return nil
}
