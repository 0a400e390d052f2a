package relay

import "strings"

// Verb identifies one of the five protocol commands.
type Verb int

const (
	VerbGarbage Verb = iota // anything unrecognised; silently discarded
	VerbPing
	VerbInfo
	VerbAnnounce
	VerbSubscribe
	VerbUnsubscribe
)

// Command is one parsed protocol line.
//
// Tokenisation splits on single spaces. For announce the body is everything
// after the second space and may itself contain spaces; for subscribe and
// unsubscribe any trailing tokens after the channel are ignored. A line
// missing its first two tokens is garbage. The '!' byte is reserved as the
// channel/body separator in delivered messages, so subscribe/unsubscribe
// targets containing it are rejected as garbage.
type Command struct {
	Verb    Verb
	Channel string
	Body    string
}

// ParseCommand interprets one framed line. It never fails: lines that do not
// match a verb come back as VerbGarbage and the peer stays connected.
func ParseCommand(line string) Command {
	switch line {
	case "":
		return Command{Verb: VerbGarbage}
	case "ping":
		return Command{Verb: VerbPing}
	case "info":
		return Command{Verb: VerbInfo}
	}

	verb, rest, ok := strings.Cut(line, " ")
	if !ok || rest == "" {
		return Command{Verb: VerbGarbage}
	}

	switch verb {
	case "announce":
		channel, body, _ := strings.Cut(rest, " ")
		if channel == "" {
			return Command{Verb: VerbGarbage}
		}
		return Command{Verb: VerbAnnounce, Channel: channel, Body: body}
	case "subscribe", "unsubscribe":
		channel, _, _ := strings.Cut(rest, " ")
		if channel == "" || strings.ContainsRune(channel, '!') {
			return Command{Verb: VerbGarbage}
		}
		if verb == "subscribe" {
			return Command{Verb: VerbSubscribe, Channel: channel}
		}
		return Command{Verb: VerbUnsubscribe, Channel: channel}
	}

	return Command{Verb: VerbGarbage}
}
