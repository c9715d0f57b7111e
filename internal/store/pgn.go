package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-rooms/internal/domain"
)

func pgnResult(res domain.GameResult) string {
	switch {
	case res.Outcome == domain.StatusDraw:
		return "1/2-1/2"
	case res.Winner != 0 && res.Winner == res.White:
		return "1-0"
	case res.Winner != 0 && res.Winner == res.Black:
		return "0-1"
	default:
		return "*"
	}
}

// buildPGN renders the archived game from its SAN list.
func buildPGN(label string, res domain.GameResult, sans []string, date time.Time) string {
	if date.IsZero() {
		date = time.Now()
	}
	result := pgnResult(res)
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[Event \"%s\"]\n", sanitizePGN(label)))
	b.WriteString("[Site \"cheese-rooms\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", res.White))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", res.Black))
	if strings.TrimSpace(res.Reason) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(res.Reason)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i := 0; i < len(sans); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(sans[i])))
		if i+1 < len(sans) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(sans[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
