package logging

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with the specified debug mode and output format.
func InitLogger(debug, human bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano                 // always initialize base logger with timestamp.
	base := zerolog.New(os.Stdout).With().Timestamp().Logger() // initialize base logger.
	if human {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339Nano,
		}) // select output format.
	} else {
		log.Logger = base // use JSON logger.
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel) // set debug level.
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // set info level.
	}
}

// LogCommand logs a received APDU with structured fields.
func LogCommand(
	clientIP string,
	instruction string,
	commandData []byte,
	activeConns int,
) {
	hexCmd := hex.EncodeToString(commandData)
	log.Info().
		Str("event", "apdu_received").
		Str("client_ip", clientIP).
		Str("instruction", instruction).
		Str("command_hex", hexCmd).
		Int("active_connections", activeConns).
		Msg("received command")
}

// LogResponse logs a sent APDU response with structured fields.
func LogResponse(
	clientIP string,
	instruction string,
	responseData []byte,
	statusWord uint16,
	activeConns int,
) {
	hexResp := hex.EncodeToString(responseData)
	log.Info().
		Str("event", "apdu_sent").
		Str("client_ip", clientIP).
		Str("instruction", instruction).
		Str("response_hex", hexResp).
		Uint16("status_word", statusWord).
		Int("active_connections", activeConns).
		Msg("sent response")
}
