package identify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
	AckStatusRetry    = "retry"
)

var (
	ErrInvalidIdentify    = errors.New("identify: invalid identify")
	ErrInvalidIdentifyAck = errors.New("identify: invalid identify ack")
)

// Identify is the client->server identify body.
type Identify struct {
	ClientID    string `cbor:"1,keyasint"`
	TimestampMS uint64 `cbor:"2,keyasint"`
	Nonce       []byte `cbor:"3,keyasint"`
	MAC         []byte `cbor:"4,keyasint"`
}

func (m Identify) Validate() error {
	if strings.TrimSpace(m.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidIdentify)
	}
	if m.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidIdentify)
	}
	if len(m.Nonce) != nonceLen {
		return fmt.Errorf("%w: nonce length %d", ErrInvalidIdentify, len(m.Nonce))
	}
	if len(m.MAC) != macLen {
		return fmt.Errorf("%w: mac length %d", ErrInvalidIdentify, len(m.MAC))
	}
	return nil
}

// IdentifyAck is the server->client identify response body.
type IdentifyAck struct {
	Status      string `cbor:"1,keyasint"`
	Code        uint32 `cbor:"2,keyasint"`
	Message     string `cbor:"3,keyasint"`
	ClientID    string `cbor:"4,keyasint"`
	TimestampMS uint64 `cbor:"5,keyasint"`
}

func (a IdentifyAck) Validate() error {
	switch strings.TrimSpace(a.Status) {
	case AckStatusAccepted, AckStatusRejected, AckStatusRetry:
	default:
		return fmt.Errorf("%w: invalid status %q", ErrInvalidIdentifyAck, a.Status)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidIdentifyAck)
	}
	return nil
}

// encMode uses Core Deterministic Encoding so equal messages produce equal bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("identify: CBOR encoder initialization failed: " + err.Error())
	}
}

func MarshalIdentify(m Identify) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(m)
}

func UnmarshalIdentify(b []byte) (Identify, error) {
	var m Identify
	if err := cbor.Unmarshal(b, &m); err != nil {
		return Identify{}, fmt.Errorf("%w: %v", ErrInvalidIdentify, err)
	}
	if err := m.Validate(); err != nil {
		return Identify{}, err
	}
	return m, nil
}

func MarshalIdentifyAck(a IdentifyAck) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(a)
}

func UnmarshalIdentifyAck(b []byte) (IdentifyAck, error) {
	var a IdentifyAck
	if err := cbor.Unmarshal(b, &a); err != nil {
		return IdentifyAck{}, fmt.Errorf("%w: %v", ErrInvalidIdentifyAck, err)
	}
	if err := a.Validate(); err != nil {
		return IdentifyAck{}, err
	}
	return a, nil
}
