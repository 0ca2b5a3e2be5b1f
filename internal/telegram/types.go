// Package telegram is a minimal Bot API client over plain HTTP. Only
// the methods the daemon actually uses are implemented; everything
// rides the shared httpkit transport.
package telegram

// Update is one getUpdates result entry.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	EditedMessage *Message       `json:"edited_message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is an inbound or outbound chat message.
type Message struct {
	MessageID int64       `json:"message_id"`
	Chat      *Chat       `json:"chat,omitempty"`
	From      *User       `json:"from,omitempty"`
	ReplyTo   *Message    `json:"reply_to_message,omitempty"`
	ThreadID  int64       `json:"message_thread_id,omitempty"`
	Entities  []Entity    `json:"entities,omitempty"`
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	Photo     []PhotoSize `json:"photo,omitempty"`
	Date      int64       `json:"date,omitempty"`
}

// Chat identifies a conversation endpoint.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"` // private|group|supergroup|channel
}

// User is a Telegram account.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot,omitempty"`
	Username string `json:"username,omitempty"`
}

// Entity is a rich-text span. Offsets and lengths are in UTF-16 code
// units, per the Bot API.
type Entity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
	User     *User  `json:"user,omitempty"`
}

// PhotoSize is one resolution of an inbound photo.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

// CallbackQuery is an inline-keyboard button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// File is the getFile result.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// BotCommand is one setMyCommands entry.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// ReactionEmoji is a setMessageReaction entry.
type ReactionEmoji struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}
