package stats

import (
	"fmt"
	"strings"
	"time"
)

func resultToPGN(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders rec as a PGN document. The audience plays as "Twitch chat".
func BuildPGN(rec GameRecord) string {
	var b strings.Builder
	date := rec.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	white, black := "Twitch chat", rec.Opponent
	if strings.EqualFold(rec.BotColor, "black") {
		white, black = rec.Opponent, "Twitch chat"
	}
	pgnResult := resultToPGN(rec.Result)

	b.WriteString("[Event \"Twitch vote chess\"]\n")
	b.WriteString("[Site \"https://lichess.org/" + sanitizePGN(rec.GameID) + "\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(white)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(black)))
	if strings.TrimSpace(rec.Requester) != "" {
		b.WriteString(fmt.Sprintf("[Annotator \"%s\"]\n", sanitizePGN(rec.Requester)))
	}
	if strings.TrimSpace(rec.Status) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(rec.Status))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	for i := 0; i < len(rec.MovesSAN); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(rec.MovesSAN[i])))
		if i+1 < len(rec.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(rec.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
