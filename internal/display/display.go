// Package display surfaces user-visible status messages. The reference
// wallet shows these on the handset screen; here they go to the log
// stream for the hosting application to render.
package display

import "github.com/rs/zerolog/log"

// LogMessenger posts user messages as structured log events.
type LogMessenger struct{}

// Post emits one user-visible message.
func (LogMessenger) Post(msg string) {
	log.Info().
		Str("event", "user_message").
		Msg(msg)
}
