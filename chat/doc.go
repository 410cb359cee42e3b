// Package chat turns vendor chat items into normalized events.
//
// It provides two layers:
//   - Normalize: classifies one vendor item, skipping the delete actions
//     (RemoveChatItemAction, RemoveChatItemByAuthorAction,
//     MarkChatItemsByAuthorAsDeletedAction) and attaching debug metadata.
//   - Processor: owns the dispatch table (vendor tag -> handler) built once per
//     instance. Text messages become chat-message events; Super Chats and Super
//     Stickers become gift events; memberships become paypiggy events and gift
//     membership purchases become giftpaypiggy events. Renderer and ticker
//     variants that duplicate a standard item are routed to a no-op so a purchase
//     is counted once. Gift redemptions are also a no-op.
//
// Unknown tags never stop the pipeline: each is logged once, counted and, when
// data logging is enabled, appended to the unknown-events file. A handler that
// fails (or panics) is reported as a processing error and the next item is
// handled normally.
package chat
