package detect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type rawAction struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Query    string `json:"query"`
	Datetime string `json:"datetime"`
}

type rawSummary struct {
	Title   string     `json:"title"`
	Summary string     `json:"summary"`
	Logs    []LogEntry `json:"logs"`
}

type rawClean struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
}

func newActionID() string {
	return uuid.NewString()
}

// extractJSON returns the text between the first open and the last close
// delimiter, which strips prose or code fences around a model answer.
func extractJSON(s string, first, last byte) (string, bool) {
	i := strings.IndexByte(s, first)
	j := strings.LastIndexByte(s, last)
	if i < 0 || j < i {
		return "", false
	}
	return s[i : j+1], true
}

func parseActions(raw string, ex Excerpt, newID func() string) ([]Action, error) {
	body, ok := extractJSON(raw, '[', ']')
	if !ok {
		return nil, fmt.Errorf("%w: no json array", ErrMalformed)
	}
	// Decode element by element so one bad entry does not discard the rest.
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := make([]Action, 0, len(items))
	for _, item := range items {
		var ra rawAction
		if err := json.Unmarshal(item, &ra); err != nil {
			continue
		}
		a, ok := buildAction(ra, ex)
		if !ok {
			continue
		}
		a.ID = newID()
		out = append(out, a)
	}
	return out, nil
}

func buildAction(ra rawAction, ex Excerpt) (Action, bool) {
	typ := ActionType(strings.ToLower(strings.TrimSpace(ra.Type)))
	title := strings.TrimSpace(ra.Title)
	if !typ.Valid() || title == "" {
		return Action{}, false
	}

	a := Action{
		Type:   typ,
		Inner:  Inner{Title: title},
		Relate: Relate{Start: ex.StartMS, End: ex.EndMS, Transcript: ex.Text},
		Status: StatusPending,
	}
	switch typ {
	case ActionTodo:
		a.Inner.Body = strings.TrimSpace(ra.Body)
	case ActionCalendar:
		a.Inner.Datetime = normalizeDatetime(ra.Datetime)
	case ActionResearch:
		a.Inner.Query = strings.TrimSpace(ra.Query)
		if a.Inner.Query == "" {
			a.Inner.Query = title
		}
	}
	return a, true
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// normalizeDatetime renders a parseable datetime as RFC 3339 UTC and drops
// anything else.
func normalizeDatetime(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return ""
}

func parseSummary(raw string) (Summary, error) {
	body, ok := extractJSON(raw, '{', '}')
	if !ok {
		return Summary{}, fmt.Errorf("%w: no json object", ErrMalformed)
	}
	var rs rawSummary
	if err := json.Unmarshal([]byte(body), &rs); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sum := Summary{
		Title:   strings.TrimSpace(rs.Title),
		Preview: strings.TrimSpace(rs.Summary),
	}
	if sum.Title == "" {
		sum.Title = FallbackTitle
	}
	if sum.Preview == "" {
		sum.Preview = FallbackPreview
	}
	for _, l := range rs.Logs {
		l.Summary = strings.TrimSpace(l.Summary)
		if l.Summary == "" {
			continue
		}
		if l.Speaker != "assistant" {
			l.Speaker = "user"
		}
		if l.EndMS < l.StartMS {
			l.EndMS = l.StartMS
		}
		sum.Logs = append(sum.Logs, l)
	}
	return sum, nil
}

func nonEmpty(segments []TimedText) []TimedText {
	out := make([]TimedText, 0, len(segments))
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) != "" {
			out = append(out, seg)
		}
	}
	return out
}

func beautifyInput(segments []TimedText) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d - %d] %s", seg.StartMS, seg.EndMS, strings.TrimSpace(seg.Text))
	}
	return b.String()
}

// parseClean reads the model's cleaned segments and clamps their times into
// the span of the input.
func parseClean(raw string, in []TimedText) ([]CleanSegment, error) {
	body, ok := extractJSON(raw, '[', ']')
	if !ok {
		return nil, fmt.Errorf("%w: no json array", ErrMalformed)
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	lo, hi := in[0].StartMS, in[len(in)-1].EndMS
	out := make([]CleanSegment, 0, len(items))
	for _, item := range items {
		var rc rawClean
		if err := json.Unmarshal(item, &rc); err != nil {
			continue
		}
		text := strings.TrimSpace(rc.Text)
		if text == "" {
			continue
		}
		speaker := strings.TrimSpace(rc.Speaker)
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		start, end := clamp(rc.Start, lo, hi), clamp(rc.End, lo, hi)
		if end < start {
			end = start
		}
		out = append(out, CleanSegment{Speaker: speaker, Text: text, StartMS: start, EndMS: end})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrMalformed)
	}
	return out, nil
}

func fallbackClean(segments []TimedText) []CleanSegment {
	out := make([]CleanSegment, len(segments))
	for i, seg := range segments {
		out[i] = CleanSegment{
			Speaker: UnknownSpeaker,
			Text:    strings.TrimSpace(seg.Text),
			StartMS: seg.StartMS,
			EndMS:   seg.EndMS,
		}
	}
	return out
}

func clamp(v, lo, hi int64) int64 {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}
