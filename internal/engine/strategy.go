package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/store"
)

// Strategy turns the cached protocol state of a folder into sync kits.
type Strategy interface {
	// FastSyncKit plans an abbreviated pass after a metadata refresh. A nil
	// or empty kit declines the pass.
	FastSyncKit(ctx context.Context, st store.Store, f *model.Folder) (*model.SyncKit, error)
	// SyncKit plans a full pass over the folder.
	SyncKit(ctx context.Context, st store.Store, f *model.Folder) (*model.SyncKit, error)
	// PendingResolved is called once a pending operation reached a
	// terminal state.
	PendingResolved(ctx context.Context, p *model.PendingOperation)
}

// DefaultStrategy fetches new UIDs newest first, refreshes the flags of
// the most recent known messages and checks known messages the server no
// longer lists.
type DefaultStrategy struct {
	SyncSpan   int
	FlagWindow int

	log *slog.Logger
}

// NewDefaultStrategy returns a strategy sized by cfg.
func NewDefaultStrategy(cfg model.EngineConfig, log *slog.Logger) *DefaultStrategy {
	return &DefaultStrategy{SyncSpan: cfg.SyncSpan, FlagWindow: cfg.FlagWindow, log: log}
}

type folderState struct {
	server []uint32
	known  []uint32
	fresh  []uint32
	// missing are known UIDs absent from the server's set.
	missing []uint32
}

func (s *DefaultStrategy) load(ctx context.Context, st store.Store, f *model.Folder) (*folderState, error) {
	known, err := st.ListMessageUids(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	fs := &folderState{server: f.Uids(), known: model.SortedUids(known)}
	fs.fresh = model.SubtractUids(fs.server, fs.known)
	fs.missing = model.SubtractUids(fs.known, fs.server)
	return fs, nil
}

// local adds the messages waiting for upload and the prunable ids to kit.
func (s *DefaultStrategy) local(ctx context.Context, st store.Store, f *model.Folder, kit *model.SyncKit) error {
	uploads, err := st.ListAwaitingUpload(ctx, f.ID)
	if err != nil {
		return err
	}
	for i := range uploads {
		kit.UploadMessages = append(kit.UploadMessages, &uploads[i])
	}
	prunable, err := st.ListPrunable(ctx, f.ID)
	if err != nil {
		return err
	}
	for _, m := range prunable {
		kit.DeleteEmailIDs = append(kit.DeleteEmailIDs, m.ID)
	}
	return nil
}

func (s *DefaultStrategy) FastSyncKit(ctx context.Context, st store.Store, f *model.Folder) (*model.SyncKit, error) {
	fs, err := s.load(ctx, st, f)
	if err != nil {
		return nil, err
	}
	kit := &model.SyncKit{Folder: f, Method: model.SyncMethodFastSync}

	fresh := newestFirst(fs.fresh)
	kit.FullSync = len(fresh) <= s.SyncSpan
	if len(fresh) > s.SyncSpan {
		fresh = fresh[:s.SyncSpan]
	}
	if len(fresh) > 0 {
		kit.Instructions = append(kit.Instructions, newInstruction(fresh))
	}

	present := model.SubtractUids(fs.known, fs.missing)
	recent := present
	if len(recent) > s.FlagWindow {
		recent = recent[len(recent)-s.FlagWindow:]
	}
	if flags := model.UnionUids(recent, fs.missing); len(flags) > 0 {
		kit.Instructions = append(kit.Instructions, model.SyncInstruction{Uids: flags, Flags: true})
	}

	if err := s.local(ctx, st, f, kit); err != nil {
		return nil, err
	}
	if kit.IsEmpty() {
		return nil, nil
	}
	return kit, nil
}

func (s *DefaultStrategy) SyncKit(ctx context.Context, st store.Store, f *model.Folder) (*model.SyncKit, error) {
	fs, err := s.load(ctx, st, f)
	if err != nil {
		return nil, err
	}
	kit := &model.SyncKit{Folder: f, Method: model.SyncMethodSync, FullSync: true}

	fresh := newestFirst(fs.fresh)
	for len(fresh) > 0 {
		n := min(len(fresh), s.SyncSpan)
		kit.Instructions = append(kit.Instructions, newInstruction(fresh[:n]))
		fresh = fresh[n:]
	}
	if len(fs.known) > 0 {
		kit.Instructions = append(kit.Instructions, model.SyncInstruction{Uids: fs.known, Flags: true})
	}

	if err := s.local(ctx, st, f, kit); err != nil {
		return nil, err
	}
	return kit, nil
}

func (s *DefaultStrategy) PendingResolved(_ context.Context, p *model.PendingOperation) {
	if s.log != nil {
		s.log.Debug("strategy saw resolved pending operation", "pending", p.ID, "kind", p.Kind, "folder", p.ParentID)
	}
}

func newInstruction(uids []uint32) model.SyncInstruction {
	return model.SyncInstruction{
		Uids:        model.SortedUids(uids),
		Envelope:    true,
		Flags:       true,
		GetPreviews: true,
	}
}

func newestFirst(uids []uint32) []uint32 {
	out := append([]uint32(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

var _ Strategy = (*DefaultStrategy)(nil)
