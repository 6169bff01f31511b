package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"adventbot/internal/transport"
)

// Callback data understood by the bot.
const (
	DataOpen           = "open_"
	DataOpened         = "opened_"
	DataLocked         = "locked_"
	DataBackToCalendar = "back_to_calendar"
)

const keyboardRowSize = 6

const CalendarLegend = "🎄 Your Advent Calendar 🎄\n\n" +
	"🎁 = Available to open\n" +
	"✓ = Already opened\n" +
	"🔒 = Coming soon"

// WelcomeText greets a user on /start.
func WelcomeText(name string, month time.Month, days int) string {
	return fmt.Sprintf("🎄 Welcome to the Advent Calendar, %s! 🎄\n\n"+
		"Open a new door each day from %s 1st to %s!\n"+
		"Each day reveals a special surprise! 🎁\n\n"+
		"Click on a gift box to open today's door!", name, month, ordinal(days))
}

func ordinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return strconv.Itoa(n) + suffix
}

func lockedText(day int, month time.Month) string {
	return fmt.Sprintf("Day %d is still locked! Come back on %s %d! 🔒", day, month, day)
}

func contentText(rv Reveal) string {
	var b strings.Builder
	b.WriteString(rv.Entry.Message)
	b.WriteString("\n\n")
	if rv.Kind == AlreadyOpened {
		fmt.Fprintf(&b, "You already opened day %d! ✓", rv.Day)
	} else {
		fmt.Fprintf(&b, "You've opened day %d! 🎉", rv.Day)
	}
	if rv.Entry.HasQuestion() {
		fmt.Fprintf(&b, "\n\n❓ %s\nReply with a message to answer.", rv.Entry.Question)
	}
	b.WriteString("\n\nUse /calendar to see the full calendar.")
	return b.String()
}

func answerSavedText(day int) string {
	return fmt.Sprintf("✅ Thanks! Your answer for day %d has been saved.", day)
}

func backKeyboard() transport.Keyboard {
	return transport.Keyboard{{{Text: "« Back to Calendar", Data: DataBackToCalendar}}}
}

// ParseDayData splits callback data like "open_5" into its prefix and day.
func ParseDayData(data string) (prefix string, day int, ok bool) {
	for _, p := range []string{DataOpened, DataOpen, DataLocked} {
		rest, found := strings.CutPrefix(data, p)
		if !found {
			continue
		}
		d, err := strconv.Atoi(rest)
		if err != nil || d < 1 {
			return "", 0, false
		}
		return p, d, true
	}
	return "", 0, false
}

// FormatAnswers renders answers grouped by day for operators.
func FormatAnswers(as []Answer) string {
	if len(as) == 0 {
		return "No answers yet."
	}
	var b strings.Builder
	day := 0
	for _, a := range as {
		if a.Day != day {
			if day != 0 {
				b.WriteString("\n")
			}
			day = a.Day
			fmt.Fprintf(&b, "📅 Day %d\n", day)
		}
		name := a.Name
		if name == "" {
			name = strconv.FormatInt(a.UserID, 10)
		}
		fmt.Fprintf(&b, "• %s (%d): %s\n", name, a.UserID, a.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
