package twitch

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Command is a prefixed chat command, e.g. "!play magnus".
type Command struct {
	Name    string
	Args    []string
	Message *Message
}

// Arg returns the i-th argument or "".
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// CommandHandler returns an optional reply; "" sends nothing.
type CommandHandler func(ctx context.Context, cmd Command) string

// Commands is a static name to handler table built at startup.
type Commands map[string]CommandHandler

func ParseCommand(prefix string, msg *Message) (Command, bool) {
	if msg == nil || prefix == "" {
		return Command{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, prefix) {
		return Command{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:], Message: msg}, true
}

// Dispatch runs the handler matching msg, if any.
func (cs Commands) Dispatch(ctx context.Context, prefix string, msg *Message) (string, bool) {
	cmd, ok := ParseCommand(prefix, msg)
	if !ok {
		return "", false
	}
	h, ok := cs[cmd.Name]
	if !ok || h == nil {
		return "", false
	}
	return h(ctx, cmd), true
}

// ServeCommands dispatches prefixed messages to cmds. Each handler runs on its own
// goroutine and its reply is threaded under the invoking message.
func (c *Client) ServeCommands(ctx context.Context, prefix string, cmds Commands) int {
	return c.OnMessage(func(msg *Message) {
		cmd, ok := ParseCommand(prefix, msg)
		if !ok {
			return
		}
		if _, known := cmds[cmd.Name]; !known {
			return
		}
		go func() {
			reply, _ := cmds.Dispatch(ctx, prefix, msg)
			if reply == "" {
				return
			}
			if err := c.Reply(ctx, msg, reply); err != nil {
				c.logger.Warn("command_reply_failed", zap.String("command", cmd.Name), zap.Error(err))
			}
		}()
	})
}
