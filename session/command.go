package session

import "strings"

// Client command verbs
const (
	cmdSubscribe      = "/subscribe"
	cmdUnsubscribe    = "/unsubscribe"
	cmdUnsubscribeAll = "/unsubscribe-all"
)

// Command usage reply strings
const (
	usageSubscribe      = "Usage: /subscribe <topic> <token>"
	usageUnsubscribe    = "Usage: /unsubscribe <topic>"
	usageUnsubscribeAll = "Usage: /unsubscribe-all"
	replyUnknownCommand = "Unknown command"
)

// clientCommand one parsed inbound client command
type clientCommand struct {
	verb  string
	topic string
	token string
}

// parseClientCommand parse one inbound text frame.
//
// A frame is a command only if, after trimming surrounding whitespace, it
// starts with "/"; anything else is ignored. Returns the parsed command, or
// a reply string for the client when the frame is a malformed or unknown
// command. Both are nil / empty for non-command frames.
func parseClientCommand(frame string) (*clientCommand, string) {
	trimmed := strings.TrimSpace(frame)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, ""
	}
	// The topic name can not contain spaces; the token is the remainder
	parts := strings.SplitN(trimmed, " ", 3)
	switch parts[0] {
	case cmdSubscribe:
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return nil, usageSubscribe
		}
		return &clientCommand{verb: cmdSubscribe, topic: parts[1], token: parts[2]}, ""
	case cmdUnsubscribe:
		if len(parts) != 2 || parts[1] == "" {
			return nil, usageUnsubscribe
		}
		return &clientCommand{verb: cmdUnsubscribe, topic: parts[1]}, ""
	case cmdUnsubscribeAll:
		if len(parts) != 1 {
			return nil, usageUnsubscribeAll
		}
		return &clientCommand{verb: cmdUnsubscribeAll}, ""
	default:
		return nil, replyUnknownCommand
	}
}
