// Package ingest turns exported block-trade chat messages into trade records.
//
// The input is a chat export ({"messages": [...]}) in which each message
// announces one or more option block trades, e.g.
//
//	🟢 Bought BTC-27DEC24-60000-C (x25)
//	at 0.0455 ₿ ($3,034.27)
//	IV: 62.5%
//
// Extraction is a pure fold over the messages: it returns the trades it
// found together with the number of Sold/Bought actions it counted.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var (
	btcRegex      = regexp.MustCompile(`(?i)BTC`)
	actionRegex   = regexp.MustCompile(`(?i)(Sold|Bought)`)
	sizeRegex     = regexp.MustCompile(`\(x([\d.]+)\)`)
	contractRegex = regexp.MustCompile(`BTC-\w+-\d+-[CP]`)
	premiumRegex  = regexp.MustCompile(`at.*?\(\$(.*?)\)`)
	ivRegex       = regexp.MustCompile(`IV\s*:\s*([\d.]+)%`)
)

// Export is a chat export file.
type Export struct {
	Messages []Message `json:"messages"`
}

// Message is one exported chat message.
type Message struct {
	ID           int64  `json:"id"`
	Date         string `json:"date"`          // 2006-01-02T15:04:05, UTC
	DateUnixtime string `json:"date_unixtime"` // seconds, as a string
	Text         Text   `json:"text"`
}

// Time returns the message timestamp, preferring the unix field.
func (m Message) Time() (time.Time, error) {
	if m.DateUnixtime != "" {
		sec, err := strconv.ParseInt(m.DateUnixtime, 10, 64)
		if err == nil {
			return time.Unix(sec, 0).UTC(), nil
		}
	}
	t, err := time.Parse("2006-01-02T15:04:05", m.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("ingest: message %d: invalid date %q", m.ID, m.Date)
	}
	return t.UTC(), nil
}

// Text is a message body. Exports store it either as a plain string or as
// an array mixing strings and formatting entity objects; only a leading
// plain string is usable.
type Text struct {
	Plain string
	OK    bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	*t = Text{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		if err := json.Unmarshal(data, &t.Plain); err != nil {
			return err
		}
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if len(parts) == 0 || len(bytes.TrimSpace(parts[0])) == 0 || bytes.TrimSpace(parts[0])[0] != '"' {
			return nil // entity-only
		}
		if err := json.Unmarshal(parts[0], &t.Plain); err != nil {
			return err
		}
	default:
		return nil
	}
	t.Plain = strings.TrimSpace(t.Plain)
	t.OK = t.Plain != ""
	return nil
}

// LoadExport reads an export file from disk.
func LoadExport(path string) (*Export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read export: %w", err)
	}
	var ex Export
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("ingest: decode export: %w", err)
	}
	return &ex, nil
}

// Trade is one raw trade announcement extracted from a message.
type Trade struct {
	MessageID    int64     `json:"message_id"`
	Index        int       `json:"index"` // message position in the export
	Date         time.Time `json:"date"`
	ContractSize float64   `json:"contract_size"` // 0 when absent
	Action       string    `json:"action"`
	ContractName string    `json:"contract_name"`
	IV           float64   `json:"iv"`      // percent
	Premium      string    `json:"premium"` // USD, as written
	Position     int       `json:"position"`
}

// Extraction is the result of folding over an export.
type Extraction struct {
	Trades      []Trade
	ActionCount int // Sold/Bought occurrences across all accepted messages
	Skipped     int // messages rejected before extraction
}

// Extract walks messages newest-first and collects the trades they announce.
// A message is skipped when its text is empty or entity-only, when its first
// line mentions FUTURES, or when it lacks BTC or a Sold/Bought action. Within
// a message the extracted fields are zipped up to the shortest list.
func Extract(messages []Message) Extraction {
	var ex Extraction
	for idx := len(messages) - 1; idx >= 0; idx-- {
		msg := messages[idx]
		if !msg.Text.OK {
			ex.Skipped++
			continue
		}
		text := msg.Text.Plain
		firstLine, _, _ := strings.Cut(text, "\n")
		if strings.Contains(firstLine, "FUTURES") {
			ex.Skipped++
			continue
		}
		if !btcRegex.MatchString(text) || !actionRegex.MatchString(text) {
			ex.Skipped++
			continue
		}
		date, err := msg.Time()
		if err != nil {
			ex.Skipped++
			continue
		}

		var size float64
		if m := sizeRegex.FindStringSubmatch(firstLine); m != nil {
			size, _ = strconv.ParseFloat(m[1], 64)
		}

		actions := findActions(text)
		names := contractRegex.FindAllString(text, -1)
		premiums := submatches(premiumRegex, text)
		ivs := submatches(ivRegex, text)

		ex.ActionCount += len(actions)

		n := min(len(actions), len(names), len(premiums), len(ivs))
		for i := 0; i < n; i++ {
			iv, err := strconv.ParseFloat(ivs[i], 64)
			if err != nil {
				continue
			}
			ex.Trades = append(ex.Trades, Trade{
				MessageID:    msg.ID,
				Index:        idx,
				Date:         date,
				ContractSize: size,
				Action:       actions[i],
				ContractName: names[i],
				IV:           iv,
				Premium:      premiums[i],
				Position:     i,
			})
		}
	}
	return ex
}

// findActions returns Sold/Bought matches that are not part of a
// "Total Sold"/"Total Bought" summary line.
func findActions(text string) []string {
	var out []string
	for _, loc := range actionRegex.FindAllStringIndex(text, -1) {
		if precededByTotal(text[:loc[0]]) {
			continue
		}
		out = append(out, text[loc[0]:loc[1]])
	}
	return out
}

func precededByTotal(prefix string) bool {
	if prefix == "" {
		return false
	}
	r := rune(prefix[len(prefix)-1])
	if !unicode.IsSpace(r) {
		return false
	}
	head := prefix[:len(prefix)-1]
	return len(head) >= 5 && strings.EqualFold(head[len(head)-5:], "total")
}

func submatches(re *regexp.Regexp, text string) []string {
	all := re.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(all))
	for _, m := range all {
		out = append(out, m[1])
	}
	return out
}
