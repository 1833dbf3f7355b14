package bridge

import "encoding/base64"

// frameBytes is one 20 ms frame of 8 kHz μ-law audio.
const frameBytes = 160

// frameMs is the duration each frame represents on the line.
const frameMs = 20

// muLawSilence is the μ-law encoding of a zero sample.
const muLawSilence = 0xFF

// Frame is one paced 20 ms unit of outbound telephony audio with its
// sequencing fields. Payload is always exactly 160 μ-law bytes.
type Frame struct {
	Seq         uint64
	Chunk       uint64
	TimestampMs uint64
	Payload     []byte
}

// PayloadBase64 returns the payload in the wire encoding.
func (f Frame) PayloadBase64() string {
	return base64.StdEncoding.EncodeToString(f.Payload)
}

// Pacer splits agent audio into exact 20 ms frames and stamps them with
// monotonically increasing sequence, chunk and timestamp fields. Sequence and
// chunk start at 1; the timestamp starts at 0 and advances 20 ms per frame.
// Payloads that do not divide evenly carry their remainder into the next
// push. The pacer never waits in wall-clock time; the telephony side buffers
// and plays back at line rate.
//
// A Pacer belongs to one Call and is not safe for concurrent use; the agent
// pump is its only caller.
type Pacer struct {
	carry []byte
	seq   uint64
	chunk uint64
	tsMs  uint64
}

// NewPacer returns a pacer with all counters at their initial values.
func NewPacer() *Pacer {
	return &Pacer{}
}

// Push appends μ-law audio and returns the complete frames now available.
// Any tail shorter than one frame is held until the next push.
func (p *Pacer) Push(ulaw []byte) []Frame {
	if len(p.carry) > 0 {
		ulaw = append(p.carry, ulaw...)
		p.carry = nil
	}

	var frames []Frame
	for len(ulaw) >= frameBytes {
		frames = append(frames, p.stamp(ulaw[:frameBytes:frameBytes]))
		ulaw = ulaw[frameBytes:]
	}
	if len(ulaw) > 0 {
		p.carry = append([]byte(nil), ulaw...)
	}
	return frames
}

// Flush drains a partial carried frame, padded to 20 ms with μ-law silence.
// Returns false when nothing is pending.
func (p *Pacer) Flush() (Frame, bool) {
	if len(p.carry) == 0 {
		return Frame{}, false
	}
	payload := make([]byte, frameBytes)
	copy(payload, p.carry)
	for i := len(p.carry); i < frameBytes; i++ {
		payload[i] = muLawSilence
	}
	p.carry = nil
	return p.stamp(payload), true
}

// FramesEmitted returns how many frames the pacer has stamped so far.
func (p *Pacer) FramesEmitted() uint64 {
	return p.seq
}

func (p *Pacer) stamp(payload []byte) Frame {
	p.seq++
	p.chunk++
	f := Frame{
		Seq:         p.seq,
		Chunk:       p.chunk,
		TimestampMs: p.tsMs,
		Payload:     payload,
	}
	p.tsMs += frameMs
	return f
}
