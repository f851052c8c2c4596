package conversation

import "strings"

// BranchMarkerPrefix marks synthetic branch-origin notices. Messages carrying
// it are neither user nor assistant content and pass through normalization
// untouched.
const BranchMarkerPrefix = "⑂ "

// Normalize enforces the role invariant on a message slice: a message is an
// assistant message if and only if it carries a ModelID. The input slice is
// returned with roles rewritten in place.
func Normalize(messages Conversation) Conversation {
	for _, m := range messages {
		if strings.HasPrefix(m.Text, BranchMarkerPrefix) {
			continue
		}
		if m.ModelID != "" {
			m.Role = RoleAssistant
		} else {
			m.Role = RoleUser
		}
	}
	return messages
}

// DeduplicateByID keeps the first occurrence of every message ID, preserving
// order. Used whenever two message slices are concatenated.
func DeduplicateByID(messages Conversation) Conversation {
	seen := make(map[MessageID]struct{}, len(messages))
	ret := make(Conversation, 0, len(messages))
	for _, m := range messages {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		ret = append(ret, m)
	}
	return ret
}

// DeduplicateByModel keeps at most one message per ModelID, preserving order.
// Messages without a ModelID are always kept. Used when collecting the set of
// model replies for a multi-branch fan-out.
func DeduplicateByModel(messages Conversation) Conversation {
	seen := make(map[string]struct{}, len(messages))
	ret := make(Conversation, 0, len(messages))
	for _, m := range messages {
		if m.ModelID != "" {
			if _, ok := seen[m.ModelID]; ok {
				continue
			}
			seen[m.ModelID] = struct{}{}
		}
		ret = append(ret, m)
	}
	return ret
}
