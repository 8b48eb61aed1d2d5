package types

import (
	"context"
	"io"
)

// Kind discriminates inbound events from the messaging gateway.
type Kind string

const (
	KindStart    Kind = "start"    // begin a new intake session
	KindText     Kind = "text"     // plain text fragment
	KindDocument Kind = "document" // document attachment (extension policy applies)
	KindPhoto    Kind = "photo"    // photo attachment (always accepted)
	KindFinalize Kind = "finalize" // publish the accumulated task
	KindCancel   Kind = "cancel"   // discard the accumulated task
	KindAck      Kind = "ack"      // inline acknowledgement, no intake effect
)

// Attachment describes a file carried by an inbound event. FileID is the
// transport's handle for fetching the content; Name is the original filename
// (or a synthetic one for photos).
type Attachment struct {
	FileID   string
	UniqueID string
	Name     string
	Photo    bool
}

// Message is one inbound event from a channel.
type Message struct {
	ID         string
	Kind       Kind
	ChannelID  string
	ChatID     string
	UserID     int64
	UserName   string
	Text       string
	Attachment *Attachment
}

// Outbound is a message sent back through a channel.
type Outbound struct {
	ChatID   string
	Text     string
	HTML     bool
	Keyboard bool // show the intake reply keyboard
}

// Channel is an input/output transport (Telegram, CLI in tests).
type Channel interface {
	Start(ctx context.Context, handler func(Message)) error
	Send(ctx context.Context, out Outbound) error
	ID() string
}

// Downloader fetches attachment content by transport file id.
type Downloader interface {
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}
