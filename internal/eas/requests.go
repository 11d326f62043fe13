package eas

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/wbxml"
)

// MoveItems response status codes.
const (
	moveStatusInvalidSource = 1
	moveStatusInvalidDest   = 2
	moveStatusSuccess       = 3
	moveStatusSameFolder    = 4
)

// MeetingResponse status code for success.
const meetingStatusSuccess = 1

// drainRequests empties the worker's queue in FIFO order. Per-request
// failures are reported on the callback surface without killing the
// worker; auth failures end the run.
func (w *Worker) drainRequests(ctx context.Context) ExitStatus {
	for {
		if w.stopped() {
			return ExitDone
		}
		req, ok := w.queue.Dequeue()
		if !ok {
			return ExitDone
		}

		var err error
		switch req.Kind {
		case RequestAttachmentLoad:
			err = w.handleAttachmentLoad(ctx, req)
		case RequestMeetingResponse:
			err = w.handleMeetingResponse(ctx, req)
		case RequestMessageMove:
			err = w.handleMessageMove(ctx, req)
		case RequestUpsync:
			// The sync turn itself carries local changes upstream.
		}

		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.IsAuthFailure() {
				return ExitLoginFailure
			}
			log.ErrorErr(log.CatEAS, "Request failed", err,
				"mailbox", w.Mailbox.ID, "request", req.ID)
		}
	}
}

// handleMessageMove serializes a MoveItems command and applies the
// server's verdict locally.
func (w *Worker) handleMessageMove(ctx context.Context, req Request) error {
	msg, err := w.store.GetMessage(req.MessageID)
	if err != nil {
		return err
	}
	target, err := w.store.GetMailbox(req.TargetMailboxID)
	if err != nil {
		return err
	}

	s := wbxml.NewSerializer()
	s.Start(wbxml.MoveMoveItems).
		Start(wbxml.MoveMove).
		Data(wbxml.MoveSrcMsgID, msg.ServerID).
		Data(wbxml.MoveSrcFldID, w.Mailbox.ServerID).
		Data(wbxml.MoveDstFldID, target.ServerID).
		End().
		End()
	body, err := s.Bytes()
	if err != nil {
		return err
	}

	rctx, done := w.trackRequest(ctx)
	data, err := w.client.SendCommand(rctx, "MoveItems", body)
	done()
	if err != nil {
		return err
	}

	status, dstMsgID, err := parseMoveResponse(bytes.NewReader(data))
	if err != nil {
		return err
	}
	switch status {
	case moveStatusSuccess:
		return w.store.MoveMessageLocal(msg.ID, target.ID, dstMsgID)
	case moveStatusSameFolder:
		return nil
	default:
		return fmt.Errorf("eas: MoveItems status %d", status)
	}
}

func parseMoveResponse(r *bytes.Reader) (status int, dstMsgID string, err error) {
	p, err := wbxml.NewParser(r)
	if err != nil {
		return 0, "", err
	}

	if tag, err := p.NextTag(0); err != nil {
		return 0, "", err
	} else if tag != wbxml.MoveMoveItems {
		return 0, "", errors.New("eas: unexpected MoveItems root tag")
	}

	for {
		tag, err := p.NextTag(wbxml.MoveMoveItems)
		if err != nil {
			return 0, "", err
		}
		if tag == wbxml.Done {
			return status, dstMsgID, nil
		}
		if tag != wbxml.MoveResponse {
			if err := p.Skip(); err != nil {
				return 0, "", err
			}
			continue
		}

		for {
			inner, err := p.NextTag(wbxml.MoveResponse)
			if err != nil {
				return 0, "", err
			}
			if inner == wbxml.Done {
				break
			}
			switch inner {
			case wbxml.MoveStatus:
				if status, err = p.ValueInt(); err != nil {
					return 0, "", err
				}
			case wbxml.MoveDstMsgID:
				if dstMsgID, err = p.Value(); err != nil {
					return 0, "", err
				}
			default:
				if err := p.Skip(); err != nil {
					return 0, "", err
				}
			}
		}
	}
}

// handleMeetingResponse posts an accept/tentative/decline for a meeting
// request and reports the outcome on the send-message surface.
func (w *Worker) handleMeetingResponse(ctx context.Context, req Request) error {
	msg, err := w.store.GetMessage(req.MessageID)
	if err != nil {
		return err
	}

	s := wbxml.NewSerializer()
	s.Start(wbxml.MeetingResponse).
		Start(wbxml.MeetingRequest).
		DataInt(wbxml.MeetingUserResponse, req.Response).
		Data(wbxml.MeetingCollectionID, w.Mailbox.ServerID).
		Data(wbxml.MeetingRequestID, msg.ServerID).
		End().
		End()
	body, err := s.Bytes()
	if err != nil {
		return err
	}

	rctx, done := w.trackRequest(ctx)
	data, err := w.client.SendCommand(rctx, "MeetingResponse", body)
	done()
	if err != nil {
		w.notify.Notify(StatusEvent{
			Kind: EventSendMessage, MessageID: msg.ID, Status: StatusConnectionError,
		})
		return err
	}

	status, err := parseMeetingResponse(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if status != meetingStatusSuccess {
		w.notify.Notify(StatusEvent{
			Kind: EventSendMessage, MessageID: msg.ID, Status: StatusRemoteException,
		})
		return fmt.Errorf("eas: MeetingResponse status %d", status)
	}

	w.notify.Notify(StatusEvent{
		Kind: EventSendMessage, MessageID: msg.ID, Status: StatusSuccess,
	})
	return nil
}

func parseMeetingResponse(r *bytes.Reader) (int, error) {
	p, err := wbxml.NewParser(r)
	if err != nil {
		return 0, err
	}

	if tag, err := p.NextTag(0); err != nil {
		return 0, err
	} else if tag != wbxml.MeetingResponse {
		return 0, errors.New("eas: unexpected MeetingResponse root tag")
	}

	status := 0
	for {
		tag, err := p.NextTag(wbxml.MeetingResponse)
		if err != nil {
			return 0, err
		}
		if tag == wbxml.Done {
			return status, nil
		}
		if tag != wbxml.MeetingResult {
			if err := p.Skip(); err != nil {
				return 0, err
			}
			continue
		}

		for {
			inner, err := p.NextTag(wbxml.MeetingResult)
			if err != nil {
				return 0, err
			}
			if inner == wbxml.Done {
				break
			}
			if inner == wbxml.MeetingStatus {
				if status, err = p.ValueInt(); err != nil {
					return 0, err
				}
			} else if err := p.Skip(); err != nil {
				return 0, err
			}
		}
	}
}
