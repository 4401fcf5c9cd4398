// Package session maps inbound chat events to per-room sessions and
// processes them strictly in order per session, in parallel across
// sessions.
package session

import "strings"

// Kind is the parsed event type.
type Kind string

const (
	KindTask     Kind = "task"
	KindModify   Kind = "modify"
	KindApprove  Kind = "approve"
	KindReject   Kind = "reject"
	KindStop     Kind = "stop"
	KindFinish   Kind = "finish"
	KindStatus   Kind = "status"
	KindProvider Kind = "provider"
	KindProject  Kind = "project"
	KindRead     Kind = "read"
	KindRaw      Kind = "raw"
	KindHelp     Kind = "help"
)

// Event is one inbound chat command.
type Event struct {
	Room   string
	Sender string
	Kind   Kind
	Arg    string
}

// commandAliases maps chat verbs to event kinds.
var commandAliases = map[string]Kind{
	"task":     KindTask,
	"modify":   KindModify,
	"ok":       KindApprove,
	"approve":  KindApprove,
	"yes":      KindApprove,
	"deny":     KindReject,
	"no":       KindReject,
	"reject":   KindReject,
	"stop":     KindStop,
	"cancel":   KindStop,
	"finish":   KindFinish,
	"done":     KindFinish,
	"status":   KindStatus,
	"provider": KindProvider,
	"agent":    KindProvider,
	"project":  KindProject,
	"read":     KindRead,
	"run":      KindRaw,
	"exec":     KindRaw,
	"help":     KindHelp,
}

// ParseEvent recognizes ".verb arg" commands and the ",command" raw
// execution shorthand. Plain chatter returns ok=false.
func ParseEvent(room, sender, body string) (Event, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Event{}, false
	}

	if strings.HasPrefix(body, ",") {
		arg := strings.TrimSpace(body[1:])
		if arg == "" {
			return Event{}, false
		}
		return Event{Room: room, Sender: sender, Kind: KindRaw, Arg: arg}, true
	}

	if !strings.HasPrefix(body, ".") {
		return Event{}, false
	}

	verb, arg, _ := strings.Cut(body[1:], " ")
	kind, ok := commandAliases[strings.ToLower(verb)]
	if !ok {
		return Event{}, false
	}
	return Event{Room: room, Sender: sender, Kind: kind, Arg: strings.TrimSpace(arg)}, true
}
