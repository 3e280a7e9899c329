package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/transport"
)

// SearchCommand runs a text search over every selectable server folder
// and maps the hits to cached messages.
type SearchCommand struct {
	Op *model.PendingOperation
}

func (c *SearchCommand) Name() string                        { return "search" }
func (c *SearchCommand) Pendings() []*model.PendingOperation { return []*model.PendingOperation{c.Op} }

func (c *SearchCommand) Run(ctx context.Context, x *Exec) (Event, error) {
	folders, err := x.store.ListFolders(ctx, x.account.ID)
	if err != nil {
		return nil, err
	}
	criteria := transport.SearchCriteria{
		Text:       c.Op.SearchQuery,
		NotDeleted: true,
		Since:      time.Now().AddDate(0, 0, -x.cfg.SearchLookbackDays),
	}

	var hits []model.EmailMessage
	for _, f := range folders {
		if f.IsClientOwned || f.NoSelect {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := x.ensureOpen(ctx, f.ServerID, false); err != nil {
			if transport.IsMailboxNotFound(err) {
				x.log.Info("skipping folder missing on server", "folder", f.ServerID)
				continue
			}
			return nil, err
		}
		uids, err := x.sess().Search(ctx, criteria)
		if err != nil {
			return nil, fmt.Errorf("searching %s: %w", f.ServerID, err)
		}
		if len(uids) == 0 {
			continue
		}
		// Only cached messages count. Of those, newest arrivals first and
		// no more than the cap from one folder.
		msgs, err := x.store.GetMessagesByUids(ctx, f.ID, uids)
		if err != nil {
			return nil, err
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].Uid > msgs[j].Uid })
		if len(msgs) > x.cfg.SearchMaxHits {
			msgs = msgs[:x.cfg.SearchMaxHits]
		}
		hits = append(hits, msgs...)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Date.After(hits[j].Date) })
	if len(hits) > x.cfg.SearchMaxHits {
		hits = hits[:x.cfg.SearchMaxHits]
	}

	res := model.SearchResult{MessageIDs: make([]string, 0, len(hits))}
	for _, m := range hits {
		res.MessageIDs = append(res.MessageIDs, m.ID)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding search result: %w", err)
	}
	x.log.Info("search finished", "query_len", len(c.Op.SearchQuery), "hits", len(hits))
	x.resolver.Succeed(ctx, c.Op, string(raw))
	return Success{}, nil
}
