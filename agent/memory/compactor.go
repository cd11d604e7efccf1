package memory

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

const (
	defaultSummaryRunes = 80
	markerHeader        = "Earlier conversation (compacted):"
)

// Compactor shrinks history to a size budget. Output depends only on the
// input messages, the budget and the in-flight turn.
type Compactor struct {
	summaryRunes int
}

func New() *Compactor {
	return &Compactor{summaryRunes: defaultSummaryRunes}
}

var _ contractx.Compactor = (*Compactor)(nil)

// Size is measured in runes of content plus payload and tool-call arguments.
func (c *Compactor) Size(msgs []contractx.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageSize(m)
	}
	return total
}

func messageSize(m contractx.Message) int {
	n := utf8.RuneCountInString(m.Content) + len(m.Payload)
	for _, call := range m.ToolCalls {
		n += len(call.Tool)
		if len(call.Args) > 0 {
			if raw, err := sonic.ConfigStd.Marshal(call.Args); err == nil {
				n += len(raw)
			}
		}
	}
	return n
}

// Compact returns a copy of msgs that fits budget where possible. Messages
// of the in-flight turn, of the most recent turn and the latest user message
// are always kept verbatim; the input slice is never modified.
func (c *Compactor) Compact(msgs []contractx.Message, budget int, inflightTurn int) []contractx.Message {
	out := contractx.CloneMessages(msgs)
	if budget <= 0 || c.Size(out) <= budget {
		return out
	}

	keep := protectedSet(out, inflightTurn)

	out, keep = c.elideToolResults(out, keep, budget)
	if c.Size(out) <= budget {
		return out
	}
	return c.collapseTurns(out, keep, budget)
}

func protectedSet(msgs []contractx.Message, inflightTurn int) []bool {
	latestTurn := 0
	lastUser := -1
	for i, m := range msgs {
		if m.Turn > latestTurn {
			latestTurn = m.Turn
		}
		if m.Role == contractx.RoleUser {
			lastUser = i
		}
	}
	keep := make([]bool, len(msgs))
	for i, m := range msgs {
		keep[i] = m.Turn == inflightTurn || m.Turn == latestTurn || i == lastUser
	}
	return keep
}

// elideToolResults drops older tool-result messages oldest first and strips
// the matching ToolCall refs so every remaining call still has its result.
func (c *Compactor) elideToolResults(msgs []contractx.Message, keep []bool, budget int) ([]contractx.Message, []bool) {
	for c.Size(msgs) > budget {
		idx := -1
		for i, m := range msgs {
			if m.Role == contractx.RoleTool && !keep[i] {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}

		callID := msgs[idx].ToolCallID
		msgs = append(msgs[:idx:idx], msgs[idx+1:]...)
		keep = append(keep[:idx:idx], keep[idx+1:]...)
		stripCallRef(msgs, callID)
	}
	return msgs, keep
}

func stripCallRef(msgs []contractx.Message, callID string) {
	if callID == "" {
		return
	}
	for i := range msgs {
		m := &msgs[i]
		if m.Role != contractx.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		for j, call := range m.ToolCalls {
			if call.ID != callID {
				continue
			}
			m.ToolCalls = append(m.ToolCalls[:j:j], m.ToolCalls[j+1:]...)
			note := fmt.Sprintf("[called %s]", call.Tool)
			if strings.TrimSpace(m.Content) == "" {
				m.Content = note
			} else if !strings.Contains(m.Content, note) {
				m.Content += " " + note
			}
			if len(m.ToolCalls) == 0 {
				m.ToolCalls = nil
			}
			return
		}
	}
}

// collapseTurns folds unprotected turns, oldest first, into one leading
// marker message.
func (c *Compactor) collapseTurns(msgs []contractx.Message, keep []bool, budget int) []contractx.Message {
	turns := collapsibleTurns(msgs, keep)

	var (
		lines     []string
		collapsed = map[int]bool{}
		marker    *contractx.Message
	)
	rebuild := func() []contractx.Message {
		out := make([]contractx.Message, 0, len(msgs)+1)
		if marker != nil {
			out = append(out, *marker)
		}
		for i, m := range msgs {
			if !keep[i] && collapsed[m.Turn] {
				continue
			}
			out = append(out, m)
		}
		return out
	}

	for _, turn := range turns {
		collapsed[turn] = true
		var turnMsgs []contractx.Message
		for i, m := range msgs {
			if m.Turn == turn && !keep[i] {
				turnMsgs = append(turnMsgs, m)
			}
		}
		lines = append(lines, c.summarizeTurn(turn, turnMsgs))
		marker = c.marker(lines, 0, msgs)

		if out := rebuild(); c.Size(out) <= budget {
			return out
		}
	}

	// still too big: drop the oldest summary lines
	for dropped := 1; dropped <= len(lines); dropped++ {
		marker = c.marker(lines[dropped:], dropped, msgs)
		if out := rebuild(); c.Size(out) <= budget {
			return out
		}
	}
	return rebuild()
}

func collapsibleTurns(msgs []contractx.Message, keep []bool) []int {
	seen := map[int]bool{}
	var turns []int
	for i, m := range msgs {
		if keep[i] || seen[m.Turn] {
			continue
		}
		seen[m.Turn] = true
		turns = append(turns, m.Turn)
	}
	sort.Ints(turns)
	return turns
}

func (c *Compactor) summarizeTurn(turn int, msgs []contractx.Message) string {
	var parts []string
	for _, m := range msgs {
		switch {
		case m.Compacted:
			parts = append(parts, c.truncate(strings.TrimPrefix(m.Content, markerHeader)))
		case m.Role == contractx.RoleUser:
			parts = append(parts, "user: "+c.truncate(m.Content))
		case m.Role == contractx.RoleAssistant && strings.TrimSpace(m.Content) != "":
			parts = append(parts, "assistant: "+c.truncate(m.Content))
		case m.Role == contractx.RoleAssistant && len(m.ToolCalls) > 0:
			names := make([]string, 0, len(m.ToolCalls))
			for _, call := range m.ToolCalls {
				names = append(names, call.Tool)
			}
			parts = append(parts, "assistant called "+strings.Join(names, ", "))
		case m.Role == contractx.RoleTool:
			status := "ok"
			if strings.HasPrefix(m.Content, "error") {
				status = "failed"
			}
			parts = append(parts, fmt.Sprintf("%s %s", m.ToolName, status))
		}
	}
	return fmt.Sprintf("- turn %d: %s", turn, strings.Join(parts, "; "))
}

func (c *Compactor) marker(lines []string, omitted int, msgs []contractx.Message) *contractx.Message {
	var b strings.Builder
	b.WriteString(markerHeader)
	if omitted > 0 {
		fmt.Fprintf(&b, "\n(%d earlier turns omitted)", omitted)
	}
	for _, l := range lines {
		b.WriteString("\n")
		b.WriteString(l)
	}
	m := &contractx.Message{
		Role:      contractx.RoleAssistant,
		Content:   b.String(),
		Compacted: true,
	}
	if len(msgs) > 0 {
		m.CreatedAt = msgs[0].CreatedAt
	}
	return m
}

func (c *Compactor) truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= c.summaryRunes {
		return s
	}
	r := []rune(s)
	return string(r[:c.summaryRunes]) + "…"
}
