package model

// SyncMethod selects how a folder pass is run.
type SyncMethod int

const (
	// SyncMethodSync executes a caller-supplied kit as is.
	SyncMethodSync SyncMethod = iota
	// SyncMethodFastSync refreshes metadata and asks the strategy for a kit.
	SyncMethodFastSync
)

func (m SyncMethod) String() string {
	switch m {
	case SyncMethodSync:
		return "sync"
	case SyncMethodFastSync:
		return "fastsync"
	default:
		return "unknown"
	}
}

// SyncInstruction is one fetch work order over a set of UIDs.
type SyncInstruction struct {
	// Uids is the set of UIDs to fetch.
	Uids []uint32

	// Envelope requests full summaries; without it only flags are fetched.
	Envelope bool

	// Flags requests message flags.
	Flags bool

	// HeaderFields lists extra header fields to fetch with the summary.
	HeaderFields []string

	// GetPreviews requests a body preview for messages without one.
	GetPreviews bool

	// GetHeaders requests the raw header block for messages without one.
	GetHeaders bool
}

// SyncKit is a declarative work order consumed by one sync pass.
type SyncKit struct {
	Folder *Folder
	Method SyncMethod

	// FullSync marks a kit covering the folder's whole UID set. Completing
	// it clears the folder's NeedFullSync flag.
	FullSync bool

	Instructions []SyncInstruction

	// UploadMessages are local messages to append before fetching.
	UploadMessages []*EmailMessage

	// DeleteEmailIDs are local message ids to prune regardless of server state.
	DeleteEmailIDs []string

	// Pending is the operation that requested this pass, if any.
	Pending *PendingOperation
}

// IsEmpty reports whether the kit carries no work.
func (k *SyncKit) IsEmpty() bool {
	if k == nil {
		return true
	}
	for _, inst := range k.Instructions {
		if len(inst.Uids) > 0 {
			return false
		}
	}
	return len(k.UploadMessages) == 0 && len(k.DeleteEmailIDs) == 0
}
