package chat

import (
	"strings"

	"github.com/onnwee/chat-relay/innertube"
)

var deleteActions = map[string]struct{}{
	innertube.ItemRemoveChatItem:         {},
	innertube.ItemRemoveChatItemByAuthor: {},
	innertube.ItemMarkDeletedByAuthor:    {},
}

// IsDeleteAction reports whether tag is one of the vendor delete actions.
func IsDeleteAction(tag string) bool {
	_, ok := deleteActions[tag]
	return ok
}

// Debug is the metadata logged alongside a normalized item.
type Debug struct {
	VideoID  string
	ItemID   string
	AuthorID string
	Tag      string
}

// Normalized is one vendor item ready for dispatch. EventType is the
// dispatch-table key.
type Normalized struct {
	Item      *innertube.ChatItem
	EventType string
	VideoID   string
	Debug     Debug
}

// WrapDirect turns a bare {author, text} chat update into a wrapped
// LiveChatTextMessage item. Updates that already carry an item are returned as is.
func WrapDirect(u innertube.ChatUpdate) innertube.ChatUpdate {
	if u.Item != nil || (u.Author == nil && u.Text == "") {
		return u
	}
	item := &innertube.ChatItem{Type: innertube.ItemTextMessage}
	if u.Author != nil {
		item.Author = *u.Author
	}
	if u.Text != "" {
		item.Message = []innertube.Run{{Text: u.Text}}
	}
	return innertube.ChatUpdate{Item: item, VideoID: u.VideoID}
}

// Normalize classifies u. ok is false when the update carries no item or the
// item is a delete action.
func Normalize(u innertube.ChatUpdate) (n Normalized, ok bool) {
	if u.Item == nil {
		return Normalized{}, false
	}
	tag := strings.TrimSpace(u.Item.Type)
	if IsDeleteAction(tag) {
		return Normalized{}, false
	}
	return Normalized{
		Item:      u.Item,
		EventType: tag,
		VideoID:   u.VideoID,
		Debug: Debug{
			VideoID:  u.VideoID,
			ItemID:   u.Item.ID,
			AuthorID: u.Item.Author.ID,
			Tag:      tag,
		},
	}, true
}

// MessageText joins message runs, preferring Text and falling back to EmojiText.
func MessageText(runs []innertube.Run) string {
	var b strings.Builder
	for _, r := range runs {
		if r.Text != "" {
			b.WriteString(r.Text)
		} else {
			b.WriteString(r.EmojiText)
		}
	}
	return strings.TrimSpace(b.String())
}
