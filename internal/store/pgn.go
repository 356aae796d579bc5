package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/kapu/chess-arena/internal/match"
)

// BuildPGN renders a finished match as PGN text for the durable record.
func BuildPGN(st *match.State) string {
	if st == nil {
		return ""
	}
	date := st.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	pgnResult := mapResultToPGN(ResultToken(st))

	var b strings.Builder
	b.WriteString("[Event \"Arena Match\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(st.White.UserName)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(st.Black.UserName)))
	if st.Outcome != nil && strings.TrimSpace(st.Outcome.Reason) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(st.Outcome.Reason)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	for i := 0; i < len(st.Moves); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, strings.TrimSpace(st.Moves[i].SAN)))
		if i+1 < len(st.Moves) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(st.Moves[i+1].SAN))
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func mapResultToPGN(result string) string {
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

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
