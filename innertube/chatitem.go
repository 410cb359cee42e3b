package innertube

import "time"

// Vendor chat-item tags. The set is open: clients may deliver tags not listed here.
const (
	ItemTextMessage      = "LiveChatTextMessage"
	ItemPaidMessage      = "LiveChatPaidMessage"
	ItemPaidSticker      = "LiveChatPaidSticker"
	ItemMembership       = "LiveChatMembershipItem"
	ItemGiftPurchase     = "LiveChatSponsorshipsGiftPurchaseAnnouncement"
	ItemGiftRedemption   = "LiveChatSponsorshipsGiftRedemptionAnnouncement"
	ItemViewerEngagement = "LiveChatViewerEngagementMessage"

	// Renderer variants duplicate a standard item.
	ItemTickerPaidMessage  = "LiveChatTickerPaidMessageItem"
	ItemTickerPaidSticker  = "LiveChatTickerPaidStickerItem"
	ItemTickerSponsor      = "LiveChatTickerSponsorItem"
	ItemPaidMessageRender  = "LiveChatPaidMessageRenderer"
	ItemPaidStickerRender  = "LiveChatPaidStickerRenderer"
	ItemMembershipRender   = "LiveChatMembershipItemRenderer"
	ItemGiftRedeemRender   = "LiveChatSponsorshipsGiftRedemptionAnnouncementRenderer"
	ItemGiftPurchaseRender = "LiveChatSponsorshipsGiftPurchaseAnnouncementRenderer"

	// Low-priority notices.
	ItemPlaceholder    = "LiveChatPlaceholderItem"
	ItemModeChange     = "LiveChatModeChangeMessage"
	ItemBannerAdd      = "AddBannerToLiveChatCommand"
	ItemBannerRemove   = "RemoveBannerForLiveChatCommand"
	ItemPollUpdate     = "UpdateLiveChatPollAction"
	ItemTooltip        = "ShowLiveChatTooltipCommand"
	ItemRestrictedChat = "LiveChatRestrictedParticipation"

	// Delete actions.
	ItemRemoveChatItem         = "RemoveChatItemAction"
	ItemRemoveChatItemByAuthor = "RemoveChatItemByAuthorAction"
	ItemMarkDeletedByAuthor    = "MarkChatItemsByAuthorAsDeletedAction"
)

// Author is the vendor author record.
type Author struct {
	ID          string
	Name        string
	Thumbnail   string
	IsModerator bool
	IsOwner     bool
	IsVerified  bool
	IsMember    bool
	Badges      []string
}

// Run is one part of a message: plain text or an emoji.
type Run struct {
	Text      string
	EmojiText string
}

// Money is a purchase amount.
type Money struct {
	Amount   float64
	Currency string
}

// ChatItem is one vendor chat item. Which payload fields are populated depends on Type.
type ChatItem struct {
	Type      string
	ID        string
	Author    Author
	Message   []Run
	Timestamp time.Time

	// Paid messages and stickers.
	Purchase     *Money
	StickerLabel string

	// Memberships.
	MembershipTier   string
	MembershipMonths int
	HeaderSubtext    string

	// Gift purchases.
	GiftCount int

	// Target of delete actions.
	TargetItemID string
}

// ChatUpdate is the payload of a chat-update callback. Clients either wrap the
// item (Item != nil) or deliver a bare text message through Author and Text.
type ChatUpdate struct {
	Item    *ChatItem
	Author  *Author
	Text    string
	VideoID string
}
