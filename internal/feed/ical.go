// Package feed fetches, normalises, parses and diffs read-only ICS calendar feeds.
package feed

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	_ "time/tzdata" // TZID lookups must not depend on the host zoneinfo
)

// Event is one VEVENT of a feed, normalised to UTC.
type Event struct {
	UID          string
	RecurrenceID string
	Summary      string
	Description  string
	Location     string
	Start        time.Time
	End          time.Time
	AllDay       bool
	Status       string
	RRule        string
}

// Cancelled reports whether the feed marks the event as cancelled.
func (e Event) Cancelled() bool {
	return e.Status == "CANCELLED"
}

// Key identifies an event within its feed: the UID, plus the recurrence id for overrides.
func (e Event) Key() string {
	if e.RecurrenceID == "" {
		return e.UID
	}
	return e.UID + "#" + e.RecurrenceID
}

// property is one unfolded content line.
type property struct {
	name   string
	params map[string]string
	value  string
}

const maxLineBytes = 1 << 20

// ErrNotCalendar is returned for a body that is not a complete VCALENDAR,
// such as an HTML login page or a truncated download. An empty event list
// from such a body would read as every event having been deleted.
var ErrNotCalendar = errors.New("feed: body is not a complete iCalendar object")

// Parse reads and parses iCal data from a reader.
func Parse(r io.Reader) ([]Event, error) {
	lines, err := unfold(r)
	if err != nil {
		return nil, err
	}

	var events []Event
	var current *Event
	nested := 0
	opened, closed := false, false

	for _, line := range lines {
		prop, ok := parseProperty(line)
		if !ok {
			continue
		}

		if prop.name == "BEGIN" && strings.EqualFold(prop.value, "VCALENDAR") {
			opened = true
			continue
		}
		if prop.name == "END" && strings.EqualFold(prop.value, "VCALENDAR") && opened {
			closed = true
			continue
		}

		switch prop.name {
		case "BEGIN":
			if strings.EqualFold(prop.value, "VEVENT") && current == nil {
				current = &Event{}
			} else if current != nil {
				nested++
			}
			continue
		case "END":
			if current == nil {
				continue
			}
			if nested > 0 {
				nested--
				continue
			}
			if strings.EqualFold(prop.value, "VEVENT") {
				if ev, ok := finish(*current); ok {
					events = append(events, ev)
				}
				current = nil
			}
			continue
		}

		// Properties of VALARM and other sub-components belong to them, not the event.
		if current == nil || nested > 0 {
			continue
		}
		setEventField(current, prop)
	}

	if !opened || !closed {
		return nil, ErrNotCalendar
	}
	return events, nil
}

// unfold joins continuation lines (starting with a space or tab) to their predecessor.
func unfold(r io.Reader) ([]string, error) {
	var lines []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if len(lines) > 0 {
				lines[len(lines)-1] += line[1:]
			}
			continue
		}
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading calendar: %w", err)
	}
	return lines, nil
}

// parseProperty splits NAME;PARAM=V;PARAM=V:value. Colons inside quoted
// parameter values do not end the name.
func parseProperty(line string) (property, bool) {
	inQuote := false
	colonIdx := -1
	for i, c := range line {
		if c == '"' {
			inQuote = !inQuote
		} else if c == ':' && !inQuote {
			colonIdx = i
			break
		}
	}
	if colonIdx <= 0 {
		return property{}, false
	}

	head := line[:colonIdx]
	prop := property{value: line[colonIdx+1:]}

	parts := strings.Split(head, ";")
	prop.name = strings.ToUpper(strings.TrimSpace(parts[0]))
	for _, part := range parts[1:] {
		key, val, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		if prop.params == nil {
			prop.params = make(map[string]string)
		}
		prop.params[strings.ToUpper(key)] = strings.Trim(val, `"`)
	}
	return prop, true
}

// setEventField sets a field on an Event.
func setEventField(event *Event, prop property) {
	switch prop.name {
	case "UID":
		event.UID = strings.TrimSpace(prop.value)
	case "SUMMARY":
		event.Summary = unescape(prop.value)
	case "DESCRIPTION":
		event.Description = unescape(prop.value)
	case "LOCATION":
		event.Location = unescape(prop.value)
	case "STATUS":
		event.Status = strings.ToUpper(strings.TrimSpace(prop.value))
	case "RRULE":
		event.RRule = strings.TrimSpace(prop.value)
	case "DTSTART":
		t, allDay, ok := parseDateTime(prop)
		if ok {
			event.Start = t
			event.AllDay = allDay
		}
	case "DTEND":
		if t, _, ok := parseDateTime(prop); ok {
			event.End = t
		}
	case "RECURRENCE-ID":
		if t, allDay, ok := parseDateTime(prop); ok {
			if allDay {
				event.RecurrenceID = t.Format("20060102")
			} else {
				event.RecurrenceID = t.Format("20060102T150405Z")
			}
		} else {
			event.RecurrenceID = strings.TrimSpace(prop.value)
		}
	}
}

// finish validates an event and fills a missing end.
func finish(event Event) (Event, bool) {
	if event.UID == "" || event.Start.IsZero() {
		return Event{}, false
	}
	if event.End.IsZero() || event.End.Before(event.Start) {
		if event.AllDay {
			event.End = event.Start.AddDate(0, 0, 1)
		} else {
			event.End = event.Start
		}
	}
	return event, true
}

// unescape reverses iCal text escaping.
func unescape(value string) string {
	replacer := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return replacer.Replace(value)
}

// parseDateTime parses an iCal date/time value into UTC, honouring TZID and VALUE=DATE.
func parseDateTime(prop property) (time.Time, bool, bool) {
	value := strings.TrimSpace(prop.value)

	if prop.params["VALUE"] == "DATE" || len(value) == 8 {
		t, err := time.Parse("20060102", value)
		if err != nil {
			return time.Time{}, false, false
		}
		return t, true, true
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, false, false
		}
		return t.UTC(), false, true
	}

	loc := time.UTC
	if tzid := prop.params["TZID"]; tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}

	formats := []string{
		"20060102T150405",
		"20060102T1504",
		"2006-01-02T15:04:05",
	}
	for _, format := range formats {
		if t, err := time.ParseInLocation(format, value, loc); err == nil {
			return t.UTC(), false, true
		}
	}
	return time.Time{}, false, false
}
