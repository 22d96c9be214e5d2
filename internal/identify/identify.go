// Package identify defines the handshake contract a long-link runs before
// it is usable, plus the default token-based implementation.
//
// After the socket connects the engine reports Checkidentify. The
// transport asks the Callback for a payload, queues it when the timing is
// Now, and hands the first response frame back to VerifyIdentify.
package identify

import (
	"fmt"
	"time"

	"github.com/danmuck/imlink/internal/buffer"
)

// TimingKind selects when an identify payload should be sent.
type TimingKind uint8

const (
	TimingNow TimingKind = iota
	TimingNever
	TimingDelayed
)

// Timing is the pacing policy returned with an identify payload. Only Now
// is acted on by the transport.
type Timing struct {
	Kind  TimingKind
	Delay time.Duration
}

func Now() Timing { return Timing{Kind: TimingNow} }
func Never() Timing { return Timing{Kind: TimingNever} }
func Delayed(d time.Duration) Timing { return Timing{Kind: TimingDelayed, Delay: d} }

func (t Timing) String() string {
	switch t.Kind {
	case TimingNow:
		return "now"
	case TimingNever:
		return "never"
	case TimingDelayed:
		return fmt.Sprintf("delayed(%s)", t.Delay)
	default:
		return fmt.Sprintf("Timing(%d)", uint8(t.Kind))
	}
}

// Step is the verdict on an identify response.
type Step uint8

const (
	StepOK Step = iota
	StepRetry
	StepFail
)

func (s Step) String() string {
	switch s {
	case StepOK:
		return "ok"
	case StepRetry:
		return "retry"
	case StepFail:
		return "fail"
	default:
		return fmt.Sprintf("Step(%d)", uint8(s))
	}
}

// Callback is the caller supplied identify policy.
type Callback interface {
	// IdentifyPayload writes the identify body into out and returns the
	// timing policy plus the command id to tag the frame with.
	IdentifyPayload(out *buffer.Buffer) (Timing, uint32)

	// VerifyIdentify judges the body of the server's identify response.
	VerifyIdentify(resp *buffer.Buffer) Step
}

// FuncCallback adapts a pair of functions into a Callback.
type FuncCallback struct {
	Produce func(out *buffer.Buffer) (Timing, uint32)
	Verify  func(resp *buffer.Buffer) Step
}

var _ Callback = FuncCallback{}

func (f FuncCallback) IdentifyPayload(out *buffer.Buffer) (Timing, uint32) {
	if f.Produce == nil {
		return Never(), 0
	}
	return f.Produce(out)
}

func (f FuncCallback) VerifyIdentify(resp *buffer.Buffer) Step {
	if f.Verify == nil {
		return StepOK
	}
	return f.Verify(resp)
}
