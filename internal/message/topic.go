package message

import (
	"fmt"
	"strings"

	"github.com/loykin/botvisor/internal/identity"
)

// RequestTopic is where the supervisor receives action requests.
func RequestTopic(supervisor identity.Identity, a Action) string {
	return supervisor.Topic("request", string(a))
}

// RequestPattern subscribes to every action of a supervisor.
func RequestPattern(supervisor identity.Identity) string {
	return supervisor.Topic("request", "*")
}

// ReplyTopic is where replies for notify are published.
func ReplyTopic(notify string) string { return notify + ".reply" }

// PingTopic addresses an identity's liveness responder.
func PingTopic(id identity.Identity) string { return id.Topic("ping") }

// PongTopic is where the answer to a ping carrying replyTo is published.
func PongTopic(replyTo string) string { return replyTo + ".pong" }

// validTopicPrefix rejects reply prefixes that would produce a wildcard or
// malformed topic.
func validTopicPrefix(s string) error {
	for _, seg := range strings.Split(s, ".") {
		if seg == "" || seg == "*" || seg == "#" || strings.ContainsAny(seg, " \t\r\n") {
			return fmt.Errorf("%w: bad topic prefix %q", ErrInvalidMessage, s)
		}
	}
	return nil
}
