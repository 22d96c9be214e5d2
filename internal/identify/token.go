package identify

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"github.com/danmuck/imlink/internal/buffer"
)

const (
	nonceLen = 16
	macLen   = 32

	macContext = "imlink identify mac v1"

	DefaultMaxSkew = 5 * time.Minute
)

const (
	AckCodeOK uint32 = iota
	AckCodeMalformed
	AckCodeUnknownClient
	AckCodeBadMAC
	AckCodeStale
)

var ErrUnauthorized = errors.New("identify: unauthorized")

// ComputeMAC returns the keyed BLAKE3 digest binding a client id, timestamp and nonce to secret.
func ComputeMAC(secret []byte, clientID string, timestampMS uint64, nonce []byte) []byte {
	var key [32]byte
	blake3.DeriveKey(macContext, secret, key[:])
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("identify: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestampMS)
	_, _ = h.Write([]byte(clientID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(ts[:])
	_, _ = h.Write(nonce)
	return h.Sum(nil)[:macLen]
}

// TokenAuthenticator is the default client Callback. It proves knowledge of
// a shared secret with a MAC over a fresh timestamp and nonce.
type TokenAuthenticator struct {
	ClientID string
	Secret   []byte
	CmdID    uint32
	Now      func() time.Time
}

var _ Callback = (*TokenAuthenticator)(nil)

func (a *TokenAuthenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *TokenAuthenticator) IdentifyPayload(out *buffer.Buffer) (Timing, uint32) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		log.Warn().Err(err).Str("client", a.ClientID).Msg("identify nonce unavailable")
		return Never(), a.CmdID
	}
	ts := uint64(a.now().UnixMilli())
	body, err := MarshalIdentify(Identify{
		ClientID:    a.ClientID,
		TimestampMS: ts,
		Nonce:       nonce,
		MAC:         ComputeMAC(a.Secret, a.ClientID, ts, nonce),
	})
	if err != nil {
		log.Warn().Err(err).Str("client", a.ClientID).Msg("identify payload not built")
		return Never(), a.CmdID
	}
	out.Write(body)
	return Now(), a.CmdID
}

func (a *TokenAuthenticator) VerifyIdentify(resp *buffer.Buffer) Step {
	ack, err := UnmarshalIdentifyAck(resp.Bytes(0))
	if err != nil {
		log.Warn().Err(err).Str("client", a.ClientID).Msg("identify ack malformed")
		return StepFail
	}
	switch ack.Status {
	case AckStatusAccepted:
		if ack.ClientID != a.ClientID {
			log.Warn().Str("client", a.ClientID).Str("ack_client", ack.ClientID).Msg("identify ack for another client")
			return StepFail
		}
		return StepOK
	case AckStatusRetry:
		return StepRetry
	default:
		log.Warn().Str("client", a.ClientID).Uint32("code", ack.Code).Str("message", ack.Message).Msg("identify rejected")
		return StepFail
	}
}

// TokenVerifier checks Identify bodies against a table of client secrets.
type TokenVerifier struct {
	MaxSkew time.Duration
	Now     func() time.Time

	mu      sync.RWMutex
	secrets map[string][]byte
}

func NewTokenVerifier(secrets map[string]string) *TokenVerifier {
	v := &TokenVerifier{secrets: make(map[string][]byte, len(secrets))}
	for id, secret := range secrets {
		v.SetSecret(id, secret)
	}
	return v
}

func (v *TokenVerifier) SetSecret(clientID, secret string) {
	key := strings.TrimSpace(clientID)
	if key == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.secrets == nil {
		v.secrets = make(map[string][]byte)
	}
	v.secrets[key] = []byte(secret)
}

func (v *TokenVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify judges one identify body and returns the ack to send back.
// A stale timestamp yields a retry so the client can resend a fresh payload.
func (v *TokenVerifier) Verify(body []byte) IdentifyAck {
	now := v.now()
	ack := IdentifyAck{Status: AckStatusRejected, TimestampMS: uint64(now.UnixMilli())}

	m, err := UnmarshalIdentify(body)
	if err != nil {
		ack.Code = AckCodeMalformed
		ack.Message = err.Error()
		return ack
	}
	ack.ClientID = m.ClientID

	v.mu.RLock()
	secret, ok := v.secrets[m.ClientID]
	v.mu.RUnlock()
	if !ok {
		ack.Code = AckCodeUnknownClient
		ack.Message = ErrUnauthorized.Error()
		return ack
	}

	want := ComputeMAC(secret, m.ClientID, m.TimestampMS, m.Nonce)
	if subtle.ConstantTimeCompare(want, m.MAC) != 1 {
		ack.Code = AckCodeBadMAC
		ack.Message = ErrUnauthorized.Error()
		return ack
	}

	skew := v.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	sent := time.UnixMilli(int64(m.TimestampMS))
	if d := now.Sub(sent); d > skew || d < -skew {
		ack.Status = AckStatusRetry
		ack.Code = AckCodeStale
		ack.Message = "identify timestamp outside window"
		return ack
	}

	ack.Status = AckStatusAccepted
	ack.Code = AckCodeOK
	return ack
}
