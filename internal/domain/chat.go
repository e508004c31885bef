package domain

import (
	"fmt"
	"strings"
)

// Role identifies the author of a transcript message.
type Role int

const (
	RoleUser Role = iota + 1
	RoleAssistant
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole maps the wire name of a role back to its value.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	default:
		return 0, fmt.Errorf("domain: unknown role %q", s)
	}
}

// MarshalText encodes the role as its wire name. Only the two known roles
// marshal.
func (r Role) MarshalText() ([]byte, error) {
	if r != RoleUser && r != RoleAssistant {
		return nil, fmt.Errorf("domain: cannot marshal %s", r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a wire name with ParseRole.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Message is a single transcript entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserMessage returns a transcript entry authored by the user.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage returns a transcript entry produced by the agent.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// AgentRequest is one outbound turn handed to the conversational agent.
// A nil Context means no context override; the field is then left off the
// wire entirely.
type AgentRequest struct {
	Message string
	Context *string
	Profile Profile
}
