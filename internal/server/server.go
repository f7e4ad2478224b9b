// Package server exposes the emulated card to terminal bridges over TCP.
// Each frame carries either one APDU or a field-off signal; responses are
// the APDU payload with the status word appended.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	anetserver "github.com/andrei-cloud/anet/server"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/go_hce/internal/logging"
	"github.com/andrei-cloud/go_hce/internal/statuswords"
	"github.com/andrei-cloud/go_hce/internal/transaction"
)

// Frame type bytes sent by the terminal bridge.
const (
	frameAPDU     = 0x01
	frameFieldOff = 0x02
)

// logAdapter implements anet.Logger using zerolog.
type logAdapter struct{}

func (l logAdapter) Print(v ...any) {
	log.Info().Msg(fmt.Sprint(v...))
}

func (l logAdapter) Printf(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Infof(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Warnf(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func (l logAdapter) Errorf(format string, v ...any) {
	log.Error().Msgf(format, v...)
}

// Server wraps the anet TCP server and the transaction machine.
type Server struct {
	address     string
	srv         *anetserver.Server
	machine     *transaction.Machine
	activeConns int32
}

// NewServer configures and returns the card server instance.
func NewServer(address string, machine *transaction.Machine) (*Server, error) {
	cfg := &anetserver.ServerConfig{
		MaxConns:        100,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     0 * time.Second, // disable idle connection closure.
		ShutdownTimeout: 5 * time.Second,
		Logger:          logAdapter{},
	}

	s := &Server{
		address: address,
		machine: machine,
	}
	handler := anetserver.HandlerFunc(s.handle)
	srv, err := anetserver.NewServer(address, handler, cfg)
	if err != nil {
		return nil, fmt.Errorf("server setup failed: %w", err)
	}
	s.srv = srv

	return s, nil
}

// Start begins listening for terminal bridge connections.
func (s *Server) Start() error {
	log.Info().Str("address", s.address).Msg("server started")
	return s.srv.Start()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	return s.srv.Stop()
}

// MediaFromNames maps configured medium names to their codes. Unknown
// names are skipped with a warning.
func MediaFromNames(names []string) []transaction.Medium {
	media := make([]transaction.Medium, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(name) {
		case "nfc":
			media = append(media, transaction.MediumNFC)
		case "contact":
			media = append(media, transaction.MediumContact)
		case "loopback":
			media = append(media, transaction.MediumLoopback)
		default:
			log.Warn().
				Str("event", "unknown_medium").
				Str("medium", name).
				Msg("ignoring unknown medium name")
		}
	}

	return media
}

// parseAPDU decodes a raw command APDU into its parts.
func parseAPDU(raw []byte) (transaction.Command, error) {
	if len(raw) < 4 {
		return transaction.Command{}, statuswords.SWWrongLength
	}

	cmd := transaction.Command{
		CLA: raw[0],
		INS: raw[1],
		P1:  raw[2],
		P2:  raw[3],
	}

	switch {
	case len(raw) == 4:
	case len(raw) == 5:
		cmd.Le = int(raw[4])
	default:
		lc := int(raw[4])
		switch len(raw) {
		case 5 + lc:
			cmd.Data = raw[5:]
		case 5 + lc + 1:
			cmd.Data = raw[5 : 5+lc]
			cmd.Le = int(raw[5+lc])
		default:
			return transaction.Command{}, statuswords.SWWrongLength
		}
	}

	return cmd, nil
}

// instructionName maps instruction bytes to readable names for logging.
func instructionName(ins byte) string {
	switch ins {
	case 0xA4:
		return "SELECT"
	case 0xA8:
		return "GET PROCESSING OPTIONS"
	case 0xB2:
		return "READ RECORD"
	case 0x2A:
		return "COMPUTE CRYPTOGRAPHIC CHECKSUM"
	case 0xAE:
		return "GENERATE AC"
	default:
		return fmt.Sprintf("INS %02X", ins)
	}
}

// handle processes one frame from a terminal bridge. Frames on one
// connection are serialized by the transport read loop, so the send
// completion is reported as soon as the reply is composed.
func (s *Server) handle(conn *anetserver.ServerConn, data []byte) ([]byte, error) {
	client := conn.Conn.RemoteAddr().String()
	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	start := time.Now()
	log.Debug().
		Str("event", "handle_start").
		Str("client_ip", client).
		Msg("starting frame handling")

	if len(data) < 1 {
		log.Error().Str("client_ip", client).Msg("malformed frame")
		return nil, errors.New("malformed frame")
	}

	switch data[0] {
	case frameFieldOff:
		s.machine.EndTap()
		log.Debug().
			Str("event", "field_off").
			Str("client_ip", client).
			Msg("terminal field removed")

		return statuswords.SWNoError.Bytes(), nil
	case frameAPDU:
		if len(data) < 2 {
			return nil, errors.New("malformed frame")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %#02x", data[0])
	}

	medium := transaction.Medium(data[1])
	raw := data[2:]

	cmd, err := parseAPDU(raw)
	if err != nil {
		sw, ok := err.(statuswords.StatusWord)
		if !ok {
			sw = statuswords.SWUnknown
		}

		return sw.Bytes(), nil
	}
	cmd.Medium = medium

	active := int(atomic.LoadInt32(&s.activeConns))
	ins := instructionName(cmd.INS)
	logging.LogCommand(client, ins, raw, active)

	resp, err := s.machine.Submit(context.Background(), cmd)

	var reply []byte
	sw := statuswords.SWNoError
	if err != nil {
		var ok bool
		sw, ok = err.(statuswords.StatusWord)
		if !ok {
			sw = statuswords.SWUnknown
		}
		reply = sw.Bytes()
	} else {
		reply = append(append([]byte{}, resp.Data...), statuswords.SWNoError.Bytes()...)
	}

	// The reply is queued on a serialized connection; the machine may
	// treat it as delivered.
	s.machine.FinishSend()

	logging.LogResponse(client, ins, reply, sw.Code, active)

	log.Debug().
		Str("event", "handle_done").
		Str("duration", time.Since(start).String()).
		Msg("completed frame handling")

	return reply, nil
}
