package twitch

import (
	"strings"
)

// Message is a chat line from the joined channel.
type Message struct {
	ID          string
	Channel     string
	Sender      string
	DisplayName string
	Text        string
	Badges      map[string]string
	Mod         bool
}

// Privileged reports moderator or broadcaster role.
func (m *Message) Privileged() bool {
	if m == nil {
		return false
	}
	if m.Mod {
		return true
	}
	_, broadcaster := m.Badges["broadcaster"]
	_, moderator := m.Badges["moderator"]
	return broadcaster || moderator
}

type ircLine struct {
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// Trailing returns the last parameter, which is the free text of PRIVMSG / PING.
func (l ircLine) Trailing() string {
	if len(l.Params) == 0 {
		return ""
	}
	return l.Params[len(l.Params)-1]
}

// Nick extracts nick from "nick!user@host".
func (l ircLine) Nick() string {
	p := l.Prefix
	if i := strings.IndexByte(p, '!'); i >= 0 {
		return p[:i]
	}
	return p
}

func parseIRC(raw string) (ircLine, bool) {
	var l ircLine
	s := strings.TrimRight(raw, "\r\n")
	if s == "" {
		return l, false
	}
	if s[0] == '@' {
		sp := strings.IndexByte(s, ' ')
		if sp < 0 {
			return l, false
		}
		l.Tags = parseTags(s[1:sp])
		s = strings.TrimLeft(s[sp+1:], " ")
	}
	if strings.HasPrefix(s, ":") {
		sp := strings.IndexByte(s, ' ')
		if sp < 0 {
			return l, false
		}
		l.Prefix = s[1:sp]
		s = strings.TrimLeft(s[sp+1:], " ")
	}
	trailing, hasTrailing := "", false
	if i := strings.Index(s, " :"); i >= 0 {
		trailing, hasTrailing = s[i+2:], true
		s = s[:i]
	} else if strings.HasPrefix(s, ":") {
		return l, false
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return l, false
	}
	l.Command = strings.ToUpper(fields[0])
	l.Params = fields[1:]
	if hasTrailing {
		l.Params = append(l.Params, trailing)
	}
	return l, true
}

func parseTags(s string) map[string]string {
	tags := make(map[string]string)
	for _, kv := range strings.Split(s, ";") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		tags[k] = unescapeTag(v)
	}
	return tags
}

var tagUnescaper = strings.NewReplacer(`\s`, " ", `\:`, ";", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func unescapeTag(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	return tagUnescaper.Replace(v)
}

func parseBadges(s string) map[string]string {
	out := make(map[string]string)
	for _, b := range strings.Split(s, ",") {
		if b == "" {
			continue
		}
		name, version, _ := strings.Cut(b, "/")
		out[name] = version
	}
	return out
}

// toMessage converts a PRIVMSG line; other commands return nil.
func (l ircLine) toMessage() *Message {
	if l.Command != "PRIVMSG" || len(l.Params) < 2 {
		return nil
	}
	m := &Message{
		Channel: strings.ToLower(strings.TrimPrefix(l.Params[0], "#")),
		Sender:  strings.ToLower(l.Nick()),
		Text:    l.Trailing(),
	}
	if l.Tags != nil {
		m.ID = l.Tags["id"]
		m.DisplayName = l.Tags["display-name"]
		m.Mod = l.Tags["mod"] == "1"
		m.Badges = parseBadges(l.Tags["badges"])
	}
	if m.DisplayName == "" {
		m.DisplayName = m.Sender
	}
	return m
}

// sanitizeText keeps a chat line on one line and within Twitch's 500 character limit.
func sanitizeText(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	r := []rune(s)
	if len(r) > 500 {
		r = r[:500]
	}
	return string(r)
}
