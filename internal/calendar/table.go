package calendar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode/utf8"

	"go.yaml.in/yaml/v3"
)

// Entry is the content behind one door. Image and Question are optional.
type Entry struct {
	Day      int    `yaml:"day"`
	Message  string `yaml:"message"`
	Image    string `yaml:"image,omitempty"`
	Question string `yaml:"question,omitempty"`
}

func (e Entry) HasQuestion() bool { return e.Question != "" }

// Table is the content for days 1..Days.
type Table struct {
	Days    int
	Entries map[int]Entry
}

// Placeholder is the content shown for a day the table does not define.
func Placeholder(day int) Entry {
	return Entry{Day: day, Message: "Day " + strconv.Itoa(day) + "!"}
}

// Lookup returns the entry for day, or the placeholder (without a question)
// when the table has none.
func (t Table) Lookup(day int) Entry {
	if e, ok := t.Entries[day]; ok {
		return e
	}
	return Placeholder(day)
}

// Known reports whether day is inside the calendar range.
func (t Table) Known(day int) bool { return day >= 1 && day <= t.Days }

var defaultMessages = [...]string{
	"🎄 Day 1: Welcome to the Advent Calendar!",
	"❄️ Day 2: Let it snow!",
	"🎅 Day 3: Santa is preparing his sleigh!",
	"⭐ Day 4: The first star shines bright!",
	"🕯️ Day 5: Light a candle and make a wish!",
	"🎁 Day 6: Time to wrap some presents!",
	"🔔 Day 7: Jingle bells, jingle bells!",
	"☃️ Day 8: Build a snowman today!",
	"🍪 Day 9: Baking cookies time!",
	"🎵 Day 10: Sing your favorite Christmas carol!",
	"🌟 Day 11: Eleven stars twinkling!",
	"🎿 Day 12: Winter sports season!",
	"🦌 Day 13: Rudolph's nose is glowing!",
	"🧦 Day 14: Hang your stockings!",
	"🎨 Day 15: Make some decorations!",
	"📬 Day 16: Write letters to Santa!",
	"🌲 Day 17: Decorate the Christmas tree!",
	"🎬 Day 18: Watch a Christmas movie!",
	"🍫 Day 19: Hot chocolate weather!",
	"🎪 Day 20: The elves are working hard!",
	"🌙 Day 21: The longest night of the year!",
	"🎺 Day 22: Christmas music fills the air!",
	"✨ Day 23: Magic is in the air!",
	"🎉 Day 24: Christmas Eve! Santa is coming tonight!",
}

var defaultQuestions = map[int]string{
	5:  "What is your favourite Christmas treat?",
	9:  "Which cookies would you bake first?",
	10: "What is your favourite Christmas carol?",
	16: "What would you ask Santa for this year?",
	18: "Which Christmas movie will you watch tonight?",
	24: "What are you looking forward to most this Christmas?",
}

// DefaultTable returns the built-in content trimmed to days. Days beyond
// the built-in list fall back to the placeholder.
func DefaultTable(days int) Table {
	t := Table{Days: days, Entries: make(map[int]Entry, len(defaultMessages))}
	for i, msg := range defaultMessages {
		day := i + 1
		if day > days {
			break
		}
		t.Entries[day] = Entry{Day: day, Message: msg, Question: defaultQuestions[day]}
	}
	return t
}

// Telegram limits. A revealed day is one tracked message, so its rendered
// text must not be split.
const (
	maxTextRunes    = 4000
	maxCaptionRunes = 1024
)

func (e Entry) maxLen() int {
	if e.Image != "" {
		return maxCaptionRunes
	}
	return maxTextRunes
}

// contentLen measures the longer of the two reveal texts for e.
func contentLen(e Entry) int {
	return utf8.RuneCountInString(contentText(Reveal{Kind: AlreadyOpened, Day: e.Day, Entry: e}))
}

type tableFile struct {
	Days []Entry `yaml:"days"`
}

// LoadTable reads a YAML content file:
//
//	days:
//	  - day: 5
//	    message: "🕯️ Day 5: Light a candle and make a wish!"
//	    question: "What is your favourite Christmas treat?"
//
// An empty path returns DefaultTable(days).
func LoadTable(path string, days int) (Table, error) {
	if path == "" {
		return DefaultTable(days), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read content file: %w", err)
	}
	return ParseTable(b, days)
}

func ParseTable(b []byte, days int) (Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var f tableFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, errors.New("content file is empty")
		}
		return Table{}, fmt.Errorf("parse content file: %w", err)
	}

	t := Table{Days: days, Entries: make(map[int]Entry, len(f.Days))}
	for _, e := range f.Days {
		if !t.Known(e.Day) {
			return Table{}, fmt.Errorf("content day %d out of range 1..%d", e.Day, days)
		}
		if _, dup := t.Entries[e.Day]; dup {
			return Table{}, fmt.Errorf("content day %d defined twice", e.Day)
		}
		if e.Message == "" {
			return Table{}, fmt.Errorf("content day %d has no message", e.Day)
		}
		if n, limit := contentLen(e), e.maxLen(); n > limit {
			return Table{}, fmt.Errorf("content day %d renders to %d characters, over the %d a single message holds", e.Day, n, limit)
		}
		t.Entries[e.Day] = e
	}
	return t, nil
}
