// Package funnel drives the intake pipeline: inbound events mutate the
// per-user session, a finalize signal publishes the accumulated task locally
// and mirrors it to Weeek best-effort, a cancel signal discards it. Local
// persistence is the authoritative record; remote failures never roll it
// back.
package funnel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"backlogbot/app/core/compose"
	"backlogbot/app/core/session"
	"backlogbot/app/core/store"
	"backlogbot/app/core/weeek"
	"backlogbot/app/pkg/logger"
	"backlogbot/app/pkg/types"
)

const emptyRenameLog = "Files were not attached"

const welcomeText = "To create a task, send text, photos, and files.\n" +
	"When everything is ready, press 'Create task'.\n\n" +
	"The 'Cancel' button resets the input, deleting files but keeping the task record in the system."

// Ticketer is the remote synchronizer surface the funnel needs. A non-zero
// ticket id may be returned together with an error when the ticket was
// created but a follow-up step failed.
type Ticketer interface {
	CreateTicket(ctx context.Context, pc weeek.Context, title, description, filesInfo string) (int64, error)
}

type manifest struct {
	FileCount int      `json:"file_count"`
	DocIDs    []string `json:"doc_ids"`
	PhotoIDs  []string `json:"photo_ids"`
	RenameLog string   `json:"rename_log"`
}

type Funnel struct {
	store    *store.Store
	sessions *session.Manager
	policy   *session.Policy
	ticketer Ticketer
	remote   weeek.Context
	out      types.Channel
	files    types.Downloader

	adminChatID string
	now         func() time.Time
}

func New(st *store.Store, sm *session.Manager, policy *session.Policy, tk Ticketer, remote weeek.Context, out types.Channel, files types.Downloader, adminChatID string) *Funnel {
	return &Funnel{
		store:       st,
		sessions:    sm,
		policy:      policy,
		ticketer:    tk,
		remote:      remote,
		out:         out,
		files:       files,
		adminChatID: adminChatID,
		now:         time.Now,
	}
}

// Handle processes one inbound event. The transport serializes delivery per
// user, so no two events for the same session run concurrently. The event id
// is carried through every log line so one submission can be correlated
// across collect, publish, and cancel.
func (f *Funnel) Handle(ctx context.Context, msg types.Message) {
	logger.Info("event %s: %s from channel %s", msg.ID, msg.Kind, msg.ChannelID)
	switch msg.Kind {
	case types.KindStart:
		f.start(ctx, msg)
	case types.KindText, types.KindDocument, types.KindPhoto:
		f.collect(ctx, msg)
	case types.KindFinalize:
		f.publish(ctx, msg)
	case types.KindCancel:
		f.cancel(ctx, msg)
	case types.KindAck:
		// acknowledged by the transport, nothing to accumulate
	}
}

func (f *Funnel) start(ctx context.Context, msg types.Message) {
	taskID, err := f.store.CreateTask(ctx)
	if err != nil {
		logger.Error("create task for user %d: %v", msg.UserID, err)
		f.reply(ctx, msg, "Failed to create a task. Please try again later.")
		return
	}
	f.sessions.Begin(msg.UserID, taskID)
	f.send(ctx, types.Outbound{ChatID: msg.ChatID, Text: welcomeText, Keyboard: true})
	logger.Info("event %s: user %s started task %d", msg.ID, msg.UserName, taskID)
}

func (f *Funnel) collect(ctx context.Context, msg types.Message) {
	sess, ok := f.sessions.Get(msg.UserID)
	if !ok {
		f.reply(ctx, msg, "Please begin with the /start command.")
		return
	}

	var turn session.Turn
	if text := strings.TrimSpace(msg.Text); text != "" {
		turn.Entries = append(turn.Entries, session.Entry{Kind: session.EntryText, Text: text})
	}

	if att := msg.Attachment; att != nil {
		entry, ok := f.acceptAttachment(ctx, msg, sess, att)
		if ok {
			turn.Entries = append(turn.Entries, entry)
		}
	}

	sess.Append(turn)
	logger.Info("event %s: collected message from %s for task %d", msg.ID, msg.UserName, sess.TaskID)
}

// acceptAttachment applies the extension policy, downloads accepted files,
// and returns the entry to record. Rejected documents are not downloaded but
// still produce a placeholder entry.
func (f *Funnel) acceptAttachment(ctx context.Context, msg types.Message, sess *session.Session, att *types.Attachment) (session.Entry, bool) {
	if !att.Photo && !f.policy.Allowed(att.Name) {
		sess.Reject(att.Name)
		logger.Info("event %s: rejected attachment %s for task %d", msg.ID, att.Name, sess.TaskID)
		return session.Entry{Kind: session.EntryFile, Name: att.Name, Rejected: true}, true
	}

	rc, err := f.files.Download(ctx, att.FileID)
	if err != nil {
		logger.Error("download %s for task %d: %v", att.Name, sess.TaskID, err)
		f.reply(ctx, msg, "Failed to receive the file. Please send it again.")
		return session.Entry{}, false
	}
	defer rc.Close()

	var saved session.Saved
	if att.Photo {
		saved, err = sess.SavePhoto(att.UniqueID, rc)
	} else {
		saved, err = sess.SaveDocument(att.Name, rc)
	}
	if err != nil {
		logger.Error("save %s for task %d: %v", att.Name, sess.TaskID, err)
		f.reply(ctx, msg, "Failed to store the file. Please send it again.")
		return session.Entry{}, false
	}
	return session.Entry{Kind: session.EntryFile, Name: saved.Display}, true
}

func (f *Funnel) publish(ctx context.Context, msg types.Message) {
	sess, ok := f.sessions.Get(msg.UserID)
	if !ok {
		f.reply(ctx, msg, "Please begin with the /start command.")
		return
	}

	turns := sess.Turns()
	createdAt := f.now().Format("2006-01-02 15:04:05")
	fullText := compose.Transcript(turns)
	renameLog := sess.RenameLog()
	if renameLog == "" {
		renameLog = emptyRenameLog
	}

	manifestJSON, err := json.MarshalIndent(manifest{
		FileCount: sess.AcceptedCount(),
		DocIDs:    []string{},
		PhotoIDs:  []string{},
		RenameLog: renameLog,
	}, "", "  ")
	if err != nil {
		logger.Error("marshal manifest for task %d: %v", sess.TaskID, err)
		f.reply(ctx, msg, "Failed to save the task. Please try again.")
		return
	}

	fields := []struct {
		name  string
		value any
	}{
		{"user_id", msg.UserID},
		{"user_name", msg.UserName},
		{"created_at", createdAt},
		{"full_text", fullText},
		{"files_json", string(manifestJSON)},
		{"sost", store.StatusPublished},
	}
	for _, fld := range fields {
		if err := f.store.UpdateField(ctx, sess.TaskID, fld.name, fld.value); err != nil {
			logger.Error("persist task %d %s: %v", sess.TaskID, fld.name, err)
			f.reply(ctx, msg, "Failed to save the task. Please try again.")
			f.start(ctx, msg)
			return
		}
	}

	if _, err := sess.SaveTranscript(fullText); err != nil {
		logger.Error("write transcript for task %d: %v", sess.TaskID, err)
	}
	if _, err := sess.SaveRenameLog(renameLog); err != nil {
		logger.Error("write rename log for task %d: %v", sess.TaskID, err)
	}

	userLabel := fmt.Sprintf("<a href='tg://user?id=%d'>%s</a>", msg.UserID, msg.UserName)
	card := BuildCard(sess.TaskID, userLabel, createdAt, turns, sess.Files())

	title := compose.Title(turns, compose.RemoteTitleBudget)
	description := compose.TicketDescription(turns)
	ticketID, err := f.ticketer.CreateTicket(ctx, f.remote, title, description, renameLog)
	if ticketID != 0 {
		if storeErr := f.store.UpdateField(ctx, sess.TaskID, "weeek_task_id", strconv.FormatInt(ticketID, 10)); storeErr != nil {
			logger.Error("persist weeek id for task %d: %v", sess.TaskID, storeErr)
		}
	}
	if err != nil {
		logger.Error("mirror task %d to weeek: %v", sess.TaskID, err)
		f.reply(ctx, msg, fmt.Sprintf("Task saved, but not mirrored to Weeek: %v", err))
	} else {
		logger.Info("task %d mirrored to weeek ticket %d", sess.TaskID, ticketID)
	}

	f.send(ctx, types.Outbound{ChatID: msg.ChatID, Text: "Task created:\n\n" + card, HTML: true})

	if f.adminChatID != "" {
		adminOut := types.Outbound{ChatID: f.adminChatID, Text: "New task:\n\n" + card, HTML: true}
		if err := f.out.Send(ctx, adminOut); err != nil {
			logger.Error("notify operator about task %d: %v", sess.TaskID, err)
			f.reply(ctx, msg, fmt.Sprintf("Could not deliver the task to the operator: %v", err))
		}
	}

	logger.Info("event %s: task %d published", msg.ID, sess.TaskID)
	f.start(ctx, msg)
}

func (f *Funnel) cancel(ctx context.Context, msg types.Message) {
	sess, ok := f.sessions.Get(msg.UserID)
	if !ok {
		f.reply(ctx, msg, "Please begin with the /start command.")
		return
	}

	if err := f.store.MarkDeleted(ctx, sess.TaskID); err != nil {
		logger.Error("mark task %d deleted: %v", sess.TaskID, err)
	}
	if err := sess.Purge(); err != nil {
		logger.Error("purge files for task %d: %v", sess.TaskID, err)
	}
	f.reply(ctx, msg, "Task cancelled. Input reset.")
	logger.Info("event %s: task %d cancelled, files purged", msg.ID, sess.TaskID)
	f.start(ctx, msg)
}

func (f *Funnel) reply(ctx context.Context, msg types.Message, text string) {
	f.send(ctx, types.Outbound{ChatID: msg.ChatID, Text: text})
}

func (f *Funnel) send(ctx context.Context, out types.Outbound) {
	if err := f.out.Send(ctx, out); err != nil {
		logger.Error("send to chat %s: %v", out.ChatID, err)
	}
}
