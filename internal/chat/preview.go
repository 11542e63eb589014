package chat

import "github.com/whisper/rooms/internal/store"

// DeletedPlaceholder replaces the content of a soft-deleted message in a
// reply preview.
const DeletedPlaceholder = "[deleted message]"

// ReplyPreview is the snapshot of a replied-to message shown with a reply.
type ReplyPreview struct {
	ID      string
	Content string
	Sender  store.User
}

// Preview builds the reply preview for target. It returns nil when there
// is no target. The original sender is always kept.
func Preview(target *store.Message) *ReplyPreview {
	if target == nil {
		return nil
	}
	p := &ReplyPreview{
		ID:      target.ID,
		Content: target.Content,
		Sender:  target.Sender,
	}
	if target.Deleted() {
		p.Content = DeletedPlaceholder
	}
	return p
}
