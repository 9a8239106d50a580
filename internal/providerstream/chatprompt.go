package providerstream

import (
	"regexp"
	"strings"
)

// Message is one chat-endpoint turn.
type Message struct {
	Role    string
	Content string
}

var roleTagPattern = regexp.MustCompile(`<lmql:(.*?)/>`)

// TaggedSegments splits prompt text on <lmql:ROLE/> tags into chat messages,
// mirroring tagged_segments: text preceding the first tag belongs to the
// "user" role, since no tag has been seen yet.
func TaggedSegments(prompt string) []Message {
	locs := roleTagPattern.FindAllStringSubmatchIndex(prompt, -1)
	if len(locs) == 0 {
		return []Message{{Role: "user", Content: prompt}}
	}

	// Mirrors tagged_segments: a segment preceding a tag is only emitted if
	// non-empty, but the final trailing segment is always emitted, even if
	// empty (e.g. a prompt that ends right after its last tag).
	var messages []Message
	role := "user"
	cursor := 0
	for _, loc := range locs {
		tagStart, tagEnd := loc[0], loc[1]
		if tagStart > cursor {
			messages = append(messages, Message{Role: role, Content: prompt[cursor:tagStart]})
		}
		role = strings.TrimSpace(prompt[loc[2]:loc[3]])
		if role == "" {
			role = "user"
		}
		cursor = tagEnd
	}
	messages = append(messages, Message{Role: role, Content: prompt[cursor:]})
	return mergeConsecutive(messages)
}

// mergeConsecutive joins adjacent messages sharing a role, since a prompt
// may alternate short literal segments with tags without an intervening
// role change.
func mergeConsecutive(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}
	out := []Message{messages[0]}
	for _, m := range messages[1:] {
		last := &out[len(out)-1]
		if last.Role == m.Role {
			last.Content += m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}
