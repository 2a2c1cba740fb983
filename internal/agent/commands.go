package agent

import (
	"strings"
)

// ChatCommand is a slash command typed by the user.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// ParseCommand checks if a message starts with "/" and parses it into a
// ChatCommand. Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &ChatCommand{Name: name, Args: args, Raw: text}
}

// IsLogin reports whether the command is /login.
func (c *ChatCommand) IsLogin() bool {
	return c != nil && c.Name == "login"
}

// Credentials returns the email and password of a /login command. The
// password is everything after the email so it may contain spaces.
func (c *ChatCommand) Credentials() (email, password string, ok bool) {
	if !c.IsLogin() || len(c.Args) < 2 {
		return "", "", false
	}
	email = c.Args[0]
	if !strings.Contains(email, "@") {
		return "", "", false
	}
	rest := strings.TrimSpace(c.Raw[len(strings.Fields(c.Raw)[0]):])
	password = strings.TrimSpace(strings.TrimPrefix(rest, email))
	return email, password, password != ""
}
