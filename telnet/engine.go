package telnet

import (
	"fmt"
	"strings"
)

// OptionState is the negotiated status of one direction of one option.
type OptionState int

const (
	StateDisabled OptionState = iota
	StatePending
	StateEnabled
)

func (s OptionState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StatePending:
		return "pending"
	case StateEnabled:
		return "enabled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultPendingLimit is how many frames a locally initiated request may wait
// for the peer's answer before the option is treated as refused.
const DefaultPendingLimit = 64

// Policy lists the options accepted in each direction. Local options are ones we
// agree to perform when the peer sends DO; remote options are ones we let the peer
// perform when it sends WILL.
type Policy struct {
	Local  [256]bool
	Remote [256]bool
}

// NewPolicy builds a policy from option code lists.
func NewPolicy(local, remote []byte) Policy {
	var p Policy
	for _, opt := range local {
		p.Local[opt] = true
	}
	for _, opt := range remote {
		p.Remote[opt] = true
	}
	return p
}

// DefaultPolicy accepts what a line-oriented bot can honor: the server may echo,
// suppress go-ahead and mark prompts with EOR; we report a terminal type and
// window size.
func DefaultPolicy() Policy {
	return NewPolicy(
		[]byte{OptSGA, OptTTYPE, OptNAWS},
		[]byte{OptEcho, OptSGA, OptEOR},
	)
}

// EngineConfig is fixed for the lifetime of an Engine.
type EngineConfig struct {
	Policy       Policy
	TerminalType string
	Width        int
	Height       int
	PendingLimit int
}

// Anomaly records a protocol violation that was ignored.
type Anomaly struct {
	Option byte
	Verb   Verb
	Reason string
}

func (a *Anomaly) Error() string {
	if a.Verb != 0 {
		return fmt.Sprintf("telnet anomaly: %s %s: %s", a.Verb, OptionName(a.Option), a.Reason)
	}
	return fmt.Sprintf("telnet anomaly: %s: %s", OptionName(a.Option), a.Reason)
}

type optionStatus struct {
	state OptionState
	want  bool // target of a pending request
	age   int  // frames observed since the request was sent
	// refused is set once a WILL or DO for the option was declined, so a
	// repeat of the same offer is not answered again.
	refused bool
}

// Engine holds per-connection negotiation state. It never touches the network:
// Handle and the request methods return the frames the caller must send.
// An Engine is owned by a single goroutine.
type Engine struct {
	cfg       EngineConfig
	local     [256]optionStatus
	remote    [256]optionStatus
	pending   int
	anomalies uint64
}

// NewEngine returns an engine with every option disabled in both directions.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = DefaultPendingLimit
	}
	if strings.TrimSpace(cfg.TerminalType) == "" {
		cfg.TerminalType = "MUDBOT"
	}
	if cfg.Width <= 0 {
		cfg.Width = 80
	}
	if cfg.Height <= 0 {
		cfg.Height = 24
	}
	return &Engine{cfg: cfg}
}

// Purpose: React to an inbound negotiation or subnegotiation frame.
// Key aspects: Replies only when a direction changes; repeated offers for an
// enabled option, or for one already declined, produce nothing until the peer
// withdraws it with WONT/DONT or we negotiate it ourselves.
// Upstream: session read loop.
// Downstream: session control queue (returned frames), anomaly logging (error).
func (e *Engine) Handle(f Frame) ([]Frame, error) {
	switch f.Kind {
	case FrameNegotiate:
		opt := f.Option
		switch f.Verb {
		case Offer:
			return e.enableReceived(&e.remote[opt], e.cfg.Policy.Remote[opt], f, Request, Deny)
		case Request:
			before := e.local[opt].state
			out, err := e.enableReceived(&e.local[opt], e.cfg.Policy.Local[opt], f, Offer, Refuse)
			if opt == OptNAWS && before != StateEnabled && e.local[opt].state == StateEnabled {
				out = append(out, e.windowSize())
			}
			return out, err
		case Refuse:
			e.disableReceived(&e.remote[opt])
			return nil, nil
		case Deny:
			e.disableReceived(&e.local[opt])
			return nil, nil
		default:
			return nil, e.anomaly(&Anomaly{Option: opt, Verb: f.Verb, Reason: "unexpected verb"})
		}
	case FrameSubnegotiate:
		return e.subnegotiate(f)
	}
	return nil, nil
}

func (e *Engine) enableReceived(st *optionStatus, accept bool, f Frame, yes, no Verb) ([]Frame, error) {
	switch st.state {
	case StateEnabled:
		return nil, nil
	case StatePending:
		e.settle(st)
		if st.want {
			st.state = StateEnabled
			return nil, nil
		}
		st.state = StateDisabled
		return nil, e.anomaly(&Anomaly{Option: f.Option, Verb: f.Verb, Reason: "peer enabled an option we asked to disable"})
	}
	if accept {
		st.state = StateEnabled
		return []Frame{NegotiateFrame(yes, f.Option)}, nil
	}
	if st.refused {
		return nil, nil
	}
	st.refused = true
	return []Frame{NegotiateFrame(no, f.Option)}, nil
}

func (e *Engine) disableReceived(st *optionStatus) {
	if st.state == StatePending {
		e.settle(st)
	}
	st.state = StateDisabled
	st.refused = false
}

func (e *Engine) settle(st *optionStatus) {
	st.age = 0
	if e.pending > 0 {
		e.pending--
	}
}

func (e *Engine) subnegotiate(f Frame) ([]Frame, error) {
	opt := f.Option
	if e.local[opt].state != StateEnabled && e.remote[opt].state != StateEnabled {
		return nil, e.anomaly(&Anomaly{Option: opt, Reason: "subnegotiation for disabled option"})
	}
	if opt == OptTTYPE && e.local[opt].state == StateEnabled && len(f.Data) > 0 && f.Data[0] == ttypeSEND {
		payload := append([]byte{ttypeIS}, e.cfg.TerminalType...)
		return []Frame{SubnegotiateFrame(OptTTYPE, payload)}, nil
	}
	return nil, nil
}

func (e *Engine) windowSize() Frame {
	w, h := e.cfg.Width, e.cfg.Height
	return SubnegotiateFrame(OptNAWS, []byte{byte(w >> 8), byte(w), byte(h >> 8), byte(h)})
}

// Request asks the peer to enable (DO) or disable (DONT) an option on its side.
// ok is false when no frame is needed because the option is already at, or
// already moving toward, the requested state.
func (e *Engine) Request(opt byte, enable bool) (Frame, bool) {
	if !e.begin(&e.remote[opt], enable) {
		return Frame{}, false
	}
	if enable {
		return NegotiateFrame(Request, opt), true
	}
	return NegotiateFrame(Deny, opt), true
}

// Offer announces that we will (WILL) or will not (WONT) perform an option.
func (e *Engine) Offer(opt byte, enable bool) (Frame, bool) {
	if !e.begin(&e.local[opt], enable) {
		return Frame{}, false
	}
	if enable {
		return NegotiateFrame(Offer, opt), true
	}
	return NegotiateFrame(Refuse, opt), true
}

func (e *Engine) begin(st *optionStatus, enable bool) bool {
	switch st.state {
	case StatePending:
		if st.want == enable {
			return false
		}
	case StateEnabled:
		if enable {
			return false
		}
	case StateDisabled:
		if !enable {
			return false
		}
	}
	if st.state != StatePending {
		e.pending++
	}
	st.state = StatePending
	st.want = enable
	st.age = 0
	st.refused = false
	return true
}

// Step ages pending requests by one frame. Requests that exceeded the pending
// limit are treated as refused; their option codes are returned.
func (e *Engine) Step() []byte {
	if e.pending == 0 {
		return nil
	}
	var expired []byte
	for _, table := range []*[256]optionStatus{&e.local, &e.remote} {
		for opt := range table {
			st := &table[opt]
			if st.state != StatePending {
				continue
			}
			st.age++
			if st.age > e.cfg.PendingLimit {
				e.settle(st)
				st.state = StateDisabled
				expired = append(expired, byte(opt))
			}
		}
	}
	return expired
}

// State returns the local and remote status of an option.
func (e *Engine) State(opt byte) (local, remote OptionState) {
	return e.local[opt].state, e.remote[opt].state
}

// OptionStatus is one row of Snapshot.
type OptionStatus struct {
	Option byte
	Local  OptionState
	Remote OptionState
}

// Snapshot lists every option that is not disabled in both directions.
func (e *Engine) Snapshot() []OptionStatus {
	var out []OptionStatus
	for opt := 0; opt < 256; opt++ {
		l, r := e.local[opt].state, e.remote[opt].state
		if l == StateDisabled && r == StateDisabled {
			continue
		}
		out = append(out, OptionStatus{Option: byte(opt), Local: l, Remote: r})
	}
	return out
}

// Anomalies returns the number of ignored protocol violations.
func (e *Engine) Anomalies() uint64 {
	return e.anomalies
}

func (e *Engine) anomaly(a *Anomaly) error {
	e.anomalies++
	return a
}
