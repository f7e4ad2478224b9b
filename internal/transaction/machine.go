package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/go_hce/internal/emv"
	"github.com/andrei-cloud/go_hce/internal/statuswords"
)

// Medium identifies the transport a command arrived on.
type Medium byte

const (
	MediumUnknown Medium = iota
	MediumNFC
	MediumContact
	MediumLoopback
)

// Supported instruction bytes.
const (
	insSelect = 0xA4
	insGPO    = 0xA8
	insRead   = 0xB2
	insCCC    = 0x2A
	insGenAC  = 0xAE
)

// Phase is the transaction-phase axis of the state machine.
type Phase byte

const (
	PhaseStart Phase = iota
	PhaseSelected
	PhaseGpoDone
	PhaseRecordsDone
	PhaseCryptogramDone
)

// Command is one terminal command of a tap.
type Command struct {
	CLA    byte
	INS    byte
	P1     byte
	P2     byte
	Data   []byte
	Le     int
	Medium Medium
}

// Response carries the response payload; the transport appends the
// success status word. Failures travel as statuswords.StatusWord errors.
type Response struct {
	Data []byte
}

// Outcome is the decision engine's result for a cryptogram-bearing
// command.
type Outcome struct {
	Response      []byte
	Accepted      bool
	TwoTapPending bool
}

// Decider resolves GENERATE AC and COMPUTE CRYPTOGRAPHIC CHECKSUM
// commands. Implemented by the risk package.
type Decider interface {
	GenerateAC(tc *Context, p1 byte, data []byte) (*Outcome, error)
	ComputeChecksum(tc *Context, data []byte) (*Outcome, error)
}

// Replenisher requests background key-material fetches; it must never
// block the tap path.
type Replenisher interface {
	FetchKeys(checkThreshold bool)
}

// Store is the read side of the profile store consumed by the machine.
type Store interface {
	ProfileReady() bool
	PoolEmpty() bool
	SelectAID(aid []byte) (fci []byte, payment, ok bool)
	RecordData(sfi, number byte) (data []byte, sw error)
	GPOResponse() []byte
	Terminated() bool
	Disabled() bool

	// DualTapReset is the maximum age of a preserved two-tap context;
	// zero disables the timeout.
	DualTapReset() time.Duration
}

// Messenger surfaces user-visible status strings.
type Messenger interface {
	Post(msg string)
}

// Saver persists durable state after tap completion.
type Saver interface {
	Save()
}

// Machine sequences the commands of a tap. One machine instance serves
// one emulated card; Submit is safe for concurrent use but commands are
// processed strictly one at a time.
type Machine struct {
	store       Store
	decider     Decider
	replenisher Replenisher
	messenger   Messenger
	saver       Saver

	allowedMedia map[Medium]bool

	// assumePinVerified seeds the prior-offline-PIN flag at tap start,
	// standing in for the device unlock integration.
	assumePinVerified bool

	// sendFree holds a token while no response is in flight. Submit
	// takes the token; FinishSend returns it.
	sendFree chan struct{}

	mu          sync.Mutex
	phase       Phase
	selected    bool
	failed      bool
	startFailed bool
	twoTap      bool
	sendingLast bool
	tapActive   bool
	tapID       uuid.UUID
	tapStart    time.Time
	armedAt     time.Time
	tc          Context
}

// Config carries the machine collaborators.
type Config struct {
	Store             Store
	Decider           Decider
	Replenisher       Replenisher
	Messenger         Messenger
	Saver             Saver
	AllowedMedia      []Medium
	AssumePinVerified bool
}

// NewMachine wires a machine from its collaborators.
func NewMachine(cfg Config) *Machine {
	media := make(map[Medium]bool, len(cfg.AllowedMedia))
	for _, m := range cfg.AllowedMedia {
		media[m] = true
	}

	m := &Machine{
		store:             cfg.Store,
		decider:           cfg.Decider,
		replenisher:       cfg.Replenisher,
		messenger:         cfg.Messenger,
		saver:             cfg.Saver,
		allowedMedia:      media,
		assumePinVerified: cfg.AssumePinVerified,
		sendFree:          make(chan struct{}, 1),
	}
	m.sendFree <- struct{}{}

	return m
}

// Context returns the two-tap context for inspection in tests and
// diagnostics.
func (m *Machine) Context() *Context {
	return &m.tc
}

// Phase returns the current transaction phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.phase
}

// Submit processes one command and returns its response. It waits for a
// previous response to finish transmitting; the wait is a channel
// rendezvous bounded by ctx.
func (m *Machine) Submit(ctx context.Context, cmd Command) (Response, error) {
	select {
	case <-m.sendFree:
	case <-ctx.Done():
		return Response{}, statuswords.SWUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tapActive {
		m.beginTap()
	}

	if m.failed {
		return m.fail(statuswords.SWUnknown)
	}

	if !m.allowedMedia[cmd.Medium] {
		return m.fail(statuswords.SWCommandNotAllowed)
	}

	if m.startFailed {
		m.startFailed = false

		return m.fail(statuswords.SWFuncNotSupported)
	}

	switch cmd.CLA {
	case 0x00:
		switch cmd.INS {
		case insSelect:
			return m.handleSelect(cmd)
		case insRead:
			return m.handleReadRecord(cmd)
		}

		return m.fail(statuswords.SWInsNotSupported)
	case 0x80:
		switch cmd.INS {
		case insGPO:
			return m.handleGPO(cmd)
		case insCCC:
			return m.handleCryptogram(cmd, true)
		case insGenAC:
			return m.handleCryptogram(cmd, false)
		}

		return m.fail(statuswords.SWInsNotSupported)
	}

	return m.fail(statuswords.SWClaNotSupported)
}

// FinishSend reports that the transport finished delivering the previous
// response. The send axis returns to idle; after the final response of a
// tap the tap is completed.
func (m *Machine) FinishSend() {
	m.mu.Lock()
	last := m.sendingLast
	m.sendingLast = false
	m.mu.Unlock()

	if last {
		m.EndTap()
	}

	select {
	case m.sendFree <- struct{}{}:
	default:
	}
}

// EndTap completes the terminal interaction: the phase axis resets and,
// unless a two-tap sequence is pending, the context is cleared and a
// threshold-checked replenishment is requested. Ending an already ended
// tap is a no-op so the field-off frame after a completed transaction
// cannot clear a pending two-tap context.
func (m *Machine) EndTap() {
	m.mu.Lock()
	if !m.tapActive {
		m.mu.Unlock()

		return
	}

	m.phase = PhaseStart
	m.selected = false
	m.failed = false
	m.sendingLast = false
	m.tapActive = false

	twoTap := m.twoTap
	m.twoTap = false
	if twoTap {
		m.armedAt = time.Now()
	} else {
		m.tc.Reset()
	}

	log.Debug().
		Str("event", "tap_finished").
		Str("tap_id", m.tapID.String()).
		Bool("two_tap_pending", twoTap).
		Dur("elapsed", time.Since(m.tapStart)).
		Msg("tap completed")
	m.mu.Unlock()

	if !twoTap {
		m.replenisher.FetchKeys(true)
	}
	m.saver.Save()
}

// beginTap resets the per-tap state and performs the transaction start
// checks. Called with the machine lock held.
func (m *Machine) beginTap() {
	m.tapActive = true
	m.tapID = uuid.New()
	m.tapStart = time.Now()
	m.phase = PhaseStart
	m.selected = false
	m.failed = false
	m.tc.RecordsRead = 0
	m.tc.PinVerified = m.assumePinVerified

	// A preserved two-tap context goes stale after the profile's dual-tap
	// window; the new tap is then a first tap again.
	if d := m.store.DualTapReset(); d > 0 && !m.armedAt.IsZero() && time.Since(m.armedAt) > d {
		m.tc.Reset()
	}
	m.armedAt = time.Time{}

	log.Debug().
		Str("event", "tap_started").
		Str("tap_id", m.tapID.String()).
		Msg("terminal interaction started")

	if m.store.ProfileReady() && !m.store.PoolEmpty() {
		return
	}

	m.startFailed = true
	switch {
	case m.store.Terminated():
		m.messenger.Post("Account is terminated")
	case m.store.Disabled():
		m.messenger.Post("Account is disabled")
	case !m.store.ProfileReady():
		m.messenger.Post("Missing card data, refresh the card when a connection is available")
	default:
		m.messenger.Post("No key material left to perform transactions, requesting more")
		m.replenisher.FetchKeys(false)
	}
}

func (m *Machine) handleSelect(cmd Command) (Response, error) {
	if cmd.P1 != 0x04 || cmd.P2 != 0x00 {
		return m.fail(statuswords.SWIncorrectP1P2)
	}
	if len(cmd.Data) == 0 {
		return m.fail(statuswords.SWWrongLength)
	}

	m.selected = false
	fci, payment, ok := m.store.SelectAID(cmd.Data)
	if !ok {
		return m.fail(statuswords.SWFileNotFound)
	}
	// Any successful SELECT restarts the command sequence; a PPSE select
	// mid-flow demotes the phase and later commands fail on ordering.
	m.phase = PhaseStart
	if payment {
		m.selected = true
		m.phase = PhaseSelected
	}

	return m.respond(fci, false)
}

func (m *Machine) handleGPO(cmd Command) (Response, error) {
	if m.phase != PhaseSelected {
		log.Error().
			Str("event", "out_of_order_command").
			Str("tap_id", m.tapID.String()).
			Str("command", "gpo").
			Msg("out-of-order transaction flow")

		return m.fail(statuswords.SWConditionsNotSatisfied)
	}
	if !m.selected {
		return m.fail(statuswords.SWCommandNotAllowed)
	}
	if cmd.P1 != 0x00 || cmd.P2 != 0x00 {
		return m.fail(statuswords.SWIncorrectP1P2)
	}
	// PDOL related data: '83 01' with the terminal type byte.
	if len(cmd.Data) != 3 {
		return m.fail(statuswords.SWWrongLength)
	}
	if cmd.Data[0] != 0x83 || cmd.Data[1] != 0x01 {
		return m.fail(statuswords.SWConditionsNotSatisfied)
	}
	terminalType := cmd.Data[2]
	if emv.IsOfflineOnlyTerminal(terminalType) {
		return m.fail(statuswords.SWConditionsNotSatisfied)
	}
	m.tc.TerminalType = terminalType

	m.phase = PhaseGpoDone

	return m.respond(m.store.GPOResponse(), false)
}

func (m *Machine) handleReadRecord(cmd Command) (Response, error) {
	if m.phase != PhaseGpoDone && m.phase != PhaseRecordsDone {
		log.Error().
			Str("event", "out_of_order_command").
			Str("tap_id", m.tapID.String()).
			Str("command", "read_record").
			Msg("out-of-order transaction flow")

		return m.fail(statuswords.SWConditionsNotSatisfied)
	}
	if !m.selected {
		return m.fail(statuswords.SWCommandNotAllowed)
	}

	number := cmd.P1
	if number == 0 || cmd.P2&0x07 != 0x04 {
		return m.fail(statuswords.SWIncorrectP1P2)
	}
	sfi := cmd.P2 >> 3

	data, swErr := m.store.RecordData(sfi, number)
	if swErr != nil {
		sw, ok := swErr.(statuswords.StatusWord)
		if !ok {
			sw = statuswords.SWUnknown
		}

		return m.fail(sw)
	}

	m.phase = PhaseRecordsDone
	m.tc.RecordsRead++

	return m.respond(data, false)
}

func (m *Machine) handleCryptogram(cmd Command, checksum bool) (Response, error) {
	if m.phase != PhaseRecordsDone {
		log.Error().
			Str("event", "out_of_order_command").
			Str("tap_id", m.tapID.String()).
			Str("command", "cryptogram").
			Msg("out-of-order transaction flow")

		return m.fail(statuswords.SWConditionsNotSatisfied)
	}
	if !m.selected {
		return m.fail(statuswords.SWCommandNotAllowed)
	}

	var (
		outcome *Outcome
		err     error
	)
	if checksum {
		if cmd.P1 != 0x8E || cmd.P2 != 0x80 {
			return m.fail(statuswords.SWIncorrectP1P2)
		}
		outcome, err = m.decider.ComputeChecksum(&m.tc, cmd.Data)
	} else {
		if cmd.P2 != 0x00 {
			return m.fail(statuswords.SWIncorrectP1P2)
		}
		outcome, err = m.decider.GenerateAC(&m.tc, cmd.P1, cmd.Data)
	}
	if err != nil {
		sw, ok := err.(statuswords.StatusWord)
		if !ok {
			sw = statuswords.SWUnknown
		}

		return m.fail(sw)
	}

	m.phase = PhaseCryptogramDone
	if outcome.TwoTapPending {
		m.twoTap = true
	}
	if outcome.Accepted {
		log.Info().
			Str("event", "transaction_accepted").
			Str("tap_id", m.tapID.String()).
			Dur("elapsed", time.Since(m.tapStart)).
			Msg("transaction completed")
	}

	return m.respond(outcome.Response, true)
}

// respond marks the send axis and returns a successful response. The
// final response of a tap is flagged so FinishSend completes the tap.
func (m *Machine) respond(data []byte, last bool) (Response, error) {
	m.sendingLast = last

	return Response{Data: data}, nil
}

// fail flags the tap failed: subsequent commands of the same tap
// short-circuit without re-evaluating business logic. Error responses do
// not end the tap; only the field-off signal does.
func (m *Machine) fail(sw statuswords.StatusWord) (Response, error) {
	m.failed = true
	m.sendingLast = false

	log.Debug().
		Str("event", "command_failed").
		Str("tap_id", m.tapID.String()).
		Str("status", sw.Error()).
		Msg("command rejected")

	return Response{}, sw
}
