package eas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
)

// runOutbox drains the outbox: each sendable message (no send-failed
// marker, all attachments loaded) is posted through SendMail with a
// copy filed in Sent Items. A failed send marks the message so it is
// not retried until the user asks.
func (w *Worker) runOutbox(ctx context.Context) ExitStatus {
	messages, err := w.store.ListSendableMessages(w.Mailbox.ID)
	if err != nil {
		log.ErrorErr(log.CatEAS, "Listing outbox", err, "mailbox", w.Mailbox.ID)
		return ExitException
	}

	for _, msg := range messages {
		if w.stopped() {
			return ExitDone
		}

		w.notify.Notify(StatusEvent{
			Kind: EventSendMessage, MessageID: msg.ID, Status: StatusInProgress,
		})

		rctx, done := w.trackRequest(ctx)
		err := w.client.SendMail(rctx, formatRFC822(msg), true)
		done()

		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.IsAuthFailure() {
				return ExitLoginFailure
			}
			if isConnectivityLoss(err) {
				return ExitDone
			}

			log.ErrorErr(log.CatEAS, "SendMail failed", err, "message", msg.ID)
			if markErr := w.store.MarkSendFailed(msg.ID); markErr != nil {
				log.ErrorErr(log.CatStore, "Marking send failure", markErr)
			}
			w.notify.Notify(StatusEvent{
				Kind: EventSendMessage, MessageID: msg.ID, Status: StatusConnectionError,
			})
			continue
		}

		// The server owns the message now; drop the local outbox copy.
		if err := w.store.DeleteMessage(msg.ID); err != nil {
			log.ErrorErr(log.CatStore, "Removing sent message", err, "message", msg.ID)
		}
		w.notify.Notify(StatusEvent{
			Kind: EventSendMessage, MessageID: msg.ID, Status: StatusSuccess,
		})
	}
	return ExitDone
}

// formatRFC822 renders a minimal RFC822 message from the stored row.
func formatRFC822(msg *store.Message) []byte {
	var sb strings.Builder
	writeHeader := func(name, value string) {
		if value != "" {
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\r\n")
		}
	}

	writeHeader("From", msg.From)
	writeHeader("To", msg.To)
	writeHeader("Subject", msg.Subject)
	writeHeader("Date", time.Now().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/plain; charset="utf-8"`)
	writeHeader("Message-ID", fmt.Sprintf("<%d@easync.local>", msg.ID))
	sb.WriteString("\r\n")
	sb.WriteString(msg.Body)
	return []byte(sb.String())
}
