package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
)

// conversationID picks the thread of a new message: the server's native
// thread id, else the conversation of any known message it replies to or
// references, else a fresh id.
func (x *Exec) conversationID(ctx context.Context, st store.Store, m *model.EmailMessage, threadID uint64) (string, error) {
	if threadID != 0 {
		return fmt.Sprintf("gm-%x", threadID), nil
	}

	refs := referencedIDs(m)
	if len(refs) > 0 {
		id, err := st.FindConversationID(ctx, x.account.ID, refs)
		if err != nil {
			return "", fmt.Errorf("resolving conversation: %w", err)
		}
		if id != "" {
			return id, nil
		}
	}
	return uuid.NewString(), nil
}

// referencedIDs returns the message ids m points at, nearest first.
func referencedIDs(m *model.EmailMessage) []string {
	var ids []string
	seen := map[string]bool{m.MessageID: true}
	add := func(s string) {
		fields := strings.Fields(s)
		for i := len(fields) - 1; i >= 0; i-- {
			id := strings.Trim(fields[i], "<>")
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	add(m.InReplyTo)
	add(m.References)
	return ids
}
