package coach

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/MindfulCoach/internal/models"
)

// Control markers the remote model may embed in a reply.
const (
	MoodMarker         = "[ASK_FOR_MOOD]"
	ChartMarker        = "[MOOD_CHART]"
	QuickRepliesMarker = "[QUICK_REPLIES"
)

var (
	errUnterminatedBlock = errors.New("quick reply block is not terminated")
	errMissingPayload    = errors.New("quick reply block has no payload")
	errQuickReplyCount   = fmt.Errorf("quick reply block must hold 1 to %d entries", models.MaxQuickReplies)
	errEmptyQuickReply   = errors.New("quick reply entry is empty")
)

// parsedReply is a bot reply with its markers interpreted and removed.
type parsedReply struct {
	Text          string
	QuickReplies  []string
	AskForMood    bool
	ContainsChart bool
	ChartOffset   int
	// QuickReplyErr is set when a block was present but unusable.
	QuickReplyErr error
}

// parseBotText strips every control marker from raw. Every quick-reply block
// is removed from the text; replies come from the first valid one, and
// malformed blocks just yield no replies.
func parseBotText(raw string) parsedReply {
	var p parsedReply
	text := raw

	var firstErr error
	for {
		start := strings.Index(text, QuickRepliesMarker)
		if start < 0 {
			break
		}
		end, payload, err := scanQuickReplyBlock(text, start)
		text = joinCut(text[:start], text[end:])
		var replies []string
		if err == nil {
			replies, err = decodeQuickReplies(payload)
		}
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
		case p.QuickReplies == nil:
			p.QuickReplies = replies
		}
	}
	if p.QuickReplies == nil {
		p.QuickReplyErr = firstErr
	}

	if strings.Contains(text, MoodMarker) {
		p.AskForMood = true
		text = strings.ReplaceAll(text, MoodMarker, "")
	}

	text = strings.TrimSpace(text)
	if idx := strings.Index(text, ChartMarker); idx >= 0 {
		p.ContainsChart = true
		before := strings.TrimSpace(text[:idx])
		after := strings.TrimSpace(strings.ReplaceAll(text[idx+len(ChartMarker):], ChartMarker, ""))
		switch {
		case after == "":
			text = before
		case before == "":
			text = after
		default:
			text = before + "\n\n" + after
		}
		p.ChartOffset = len(before)
	}

	p.Text = text
	return p
}

// joinCut rejoins the text around a removed block with at most one space.
func joinCut(before, after string) string {
	before = strings.TrimRight(before, " \t")
	after = strings.TrimLeft(after, " \t")
	if before == "" || after == "" || strings.HasSuffix(before, "\n") || strings.HasPrefix(after, "\n") {
		return before + after
	}
	return before + " " + after
}

// startsJSONArray reports whether the '[' at i opens a string array rather
// than another marker such as [MOOD_CHART].
func startsJSONArray(text string, i int) bool {
	k := skipBlank(text, i+1)
	return k < len(text) && (text[k] == '"' || text[k] == ']')
}

func skipBlank(text string, i int) int {
	for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
		i++
	}
	return i
}

// scanQuickReplyBlock finds the end of the block that starts at start. Both
// `[QUICK_REPLIES: [...]]` and `[QUICK_REPLIES]: [...]` are accepted. It
// walks the payload as JSON text so brackets inside quoted replies do not end
// the block early. end is the index just past the block, or len(text) when
// the block is unterminated.
func scanQuickReplyBlock(text string, start int) (end int, payload string, err error) {
	i := skipBlank(text, start+len(QuickRepliesMarker))
	depth := 1 // the marker's own '['
	if i < len(text) && text[i] == ']' {
		// Marker closed on its own; the array that follows belongs to it.
		i++
		j := skipBlank(text, i)
		if j < len(text) && text[j] == ':' {
			j = skipBlank(text, j+1)
		}
		if j >= len(text) || text[j] != '[' || !startsJSONArray(text, j) {
			return i, "", errMissingPayload
		}
		i, depth = j, 0
	} else if i < len(text) && text[i] == ':' {
		i++
	}
	closedMarker := depth == 0
	payloadStart := i

	inString := false
	escaped := false
	for ; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				if closedMarker {
					return i + 1, text[payloadStart : i+1], nil
				}
				return i + 1, strings.TrimSpace(text[payloadStart:i]), nil
			}
		}
	}
	return len(text), "", errUnterminatedBlock
}

func decodeQuickReplies(payload string) ([]string, error) {
	var replies []string
	if err := json.Unmarshal([]byte(payload), &replies); err != nil {
		return nil, fmt.Errorf("decode quick replies: %w", err)
	}
	if len(replies) == 0 || len(replies) > models.MaxQuickReplies {
		return nil, errQuickReplyCount
	}
	for i, r := range replies {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, errEmptyQuickReply
		}
		replies[i] = r
	}
	return replies, nil
}
