package eas

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/easync/internal/log"
)

// attachmentChunkSize is the streaming granularity; progress callbacks
// fire at most once per chunk.
const attachmentChunkSize = 16 * 1024

// handleAttachmentLoad streams an attachment body to disk, emitting
// percent progress after each chunk, and records the content location
// on the attachment row.
func (w *Worker) handleAttachmentLoad(ctx context.Context, req Request) error {
	att, err := w.store.GetAttachment(req.AttachmentID)
	if err != nil {
		return err
	}

	notify := func(status StatusCode, progress int) {
		w.notify.Notify(StatusEvent{
			Kind:         EventAttachment,
			MessageID:    att.MessageID,
			AttachmentID: att.ID,
			Status:       status,
			Progress:     progress,
		})
	}
	notify(StatusInProgress, 0)

	cmd := "GetAttachment&AttachmentName=" + url.QueryEscape(att.Location)
	rctx, finish := w.trackRequest(ctx)
	defer finish()

	resp, cancel, err := w.client.Stream(rctx, cmd)
	if err != nil {
		notify(StatusConnectionError, 0)
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		notify(StatusMessageNotFound, 0)
		return &StatusError{Cmd: "GetAttachment", Code: resp.StatusCode}
	}

	destPath := req.DestPath
	if destPath == "" {
		destPath = uniqueDestPath(os.TempDir(), att.FileName)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
		return fmt.Errorf("creating attachment directory: %w", err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating attachment file: %w", err)
	}
	defer f.Close()

	total := att.Size
	if total == 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	var written int64
	lastPercent := -1
	buf := make([]byte, attachmentChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing attachment: %w", err)
			}
			written += int64(n)
			if total > 0 {
				percent := int(written * 100 / total)
				if percent > 100 {
					percent = 100
				}
				if percent != lastPercent {
					lastPercent = percent
					notify(StatusInProgress, percent)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			notify(StatusConnectionError, lastPercent)
			return fmt.Errorf("reading attachment: %w", readErr)
		}
	}

	contentURI := req.ContentURI
	if contentURI == "" {
		contentURI = "file://" + destPath
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = att.MimeType
	}
	if err := w.store.SetAttachmentContent(att.ID, contentURI, mimeType); err != nil {
		return err
	}

	log.Debug(log.CatEAS, "Attachment loaded",
		"attachment", att.ID, "bytes", written, "dest", destPath)
	notify(StatusSuccess, 100)
	return nil
}

// uniqueDestPath picks a non-clobbering path under dir for name.
func uniqueDestPath(dir, name string) string {
	if name == "" {
		name = fmt.Sprintf("attachment-%d", time.Now().UnixMilli())
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}
