package telnet

import (
	"iter"
	"slices"
)

// DefaultMaxSubnegotiation bounds the operand of a single IAC SB block.
const DefaultMaxSubnegotiation = 4096

// Decoder splits a telnet byte stream into Frames. It keeps incomplete IAC
// sequences between calls so a stream may be fed in arbitrary chunks.
// A Decoder is owned by a single goroutine.
type Decoder struct {
	buf        []byte
	maxSub     int
	discarding bool // skipping an oversize subnegotiation until IAC SE
}

// NewDecoder returns a decoder that bounds subnegotiation operands to maxSub
// bytes (DefaultMaxSubnegotiation when maxSub <= 0).
func NewDecoder(maxSub int) *Decoder {
	if maxSub <= 0 {
		maxSub = DefaultMaxSubnegotiation
	}
	return &Decoder{maxSub: maxSub}
}

// Feed appends p to the retained bytes and returns the frames it completes.
// Frames are produced lazily; when the caller stops ranging early, the rest of
// the input stays buffered and is yielded by the next Feed.
func (d *Decoder) Feed(p []byte) iter.Seq[Frame] {
	d.buf = append(d.buf, p...)
	return func(yield func(Frame) bool) {
		for {
			f, ok := d.next()
			if !ok {
				return
			}
			if !yield(f) {
				return
			}
		}
	}
}

// Decode feeds p and collects every completed frame.
func (d *Decoder) Decode(p []byte) []Frame {
	return slices.Collect(d.Feed(p))
}

// Buffered reports how many bytes are held back waiting for completion.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) consume(n int) {
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

// next decodes one frame from the head of the buffer.
func (d *Decoder) next() (Frame, bool) {
	if d.discarding && !d.skipSubnegotiation() {
		return Frame{}, false
	}
	buf := d.buf
	if len(buf) == 0 {
		return Frame{}, false
	}
	if buf[0] != IAC || (len(buf) > 1 && buf[1] == IAC) {
		return d.data(), true
	}
	if len(buf) < 2 {
		return Frame{}, false
	}
	switch cmd := buf[1]; cmd {
	case WILL, WONT, DO, DONT:
		if len(buf) < 3 {
			return Frame{}, false
		}
		f := NegotiateFrame(Verb(cmd), buf[2])
		d.consume(3)
		return f, true
	case SB:
		return d.subnegotiation()
	case SE:
		d.consume(2)
		return errorFrame(ErrStraySE, 0, 0), true
	default:
		d.consume(2)
		return CommandFrame(cmd), true
	}
}

// data collects literal bytes up to the next unescaped IAC.
func (d *Decoder) data() Frame {
	buf := d.buf
	out := make([]byte, 0, len(buf))
	i := 0
	for i < len(buf) {
		b := buf[i]
		if b != IAC {
			out = append(out, b)
			i++
			continue
		}
		if i+1 < len(buf) && buf[i+1] == IAC {
			out = append(out, IAC)
			i += 2
			continue
		}
		break
	}
	d.consume(i)
	return DataFrame(out)
}

// subnegotiation decodes IAC SB opt ... IAC SE at the head of the buffer.
func (d *Decoder) subnegotiation() (Frame, bool) {
	buf := d.buf
	if len(buf) < 3 {
		return Frame{}, false
	}
	opt := buf[2]
	payload := make([]byte, 0, 16)
	j := 3
	for j < len(buf) {
		if len(payload) > d.maxSub {
			d.consume(j)
			d.discarding = true
			return errorFrame(ErrSubnegotiationTooLong, opt, len(payload)), true
		}
		b := buf[j]
		if b != IAC {
			payload = append(payload, b)
			j++
			continue
		}
		if j+1 >= len(buf) {
			break
		}
		switch buf[j+1] {
		case IAC:
			payload = append(payload, IAC)
			j += 2
		case SE:
			d.consume(j + 2)
			return SubnegotiateFrame(opt, payload), true
		default:
			// The block is abandoned; the IAC at j starts the next frame.
			d.consume(j)
			return errorFrame(ErrMalformedSubnegotiation, opt, len(payload)), true
		}
	}
	if len(payload) > d.maxSub {
		// j stops short of the end only at an unpaired trailing IAC.
		lone := j < len(buf)
		d.consume(len(buf))
		if lone {
			d.buf = append(d.buf, IAC)
		}
		d.discarding = true
		return errorFrame(ErrSubnegotiationTooLong, opt, len(payload)), true
	}
	return Frame{}, false
}

// skipSubnegotiation drops bytes until the IAC SE closing an oversize block.
// It reports whether the terminator was found.
func (d *Decoder) skipSubnegotiation() bool {
	buf := d.buf
	for i := 0; i < len(buf); i++ {
		if buf[i] != IAC {
			continue
		}
		if i+1 >= len(buf) {
			d.consume(i)
			return false
		}
		if buf[i+1] == SE {
			d.consume(i + 2)
			d.discarding = false
			return true
		}
		i++
	}
	d.consume(len(buf))
	return false
}

func errorFrame(err error, opt byte, length int) Frame {
	return Frame{Kind: FrameInvalid, Option: opt, Err: &FrameError{Err: err, Option: opt, Length: length}}
}
