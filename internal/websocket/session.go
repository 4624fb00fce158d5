package websocket

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/forum"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/subscription"
	"github.com/zfogg/livecache/internal/view"
	"go.uber.org/zap"
)

// errorReply is an error whose code is sent to the client verbatim
type errorReply struct {
	code string
	msg  string
}

func (e *errorReply) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (c *Client) sendReplyError(original *Message, err error) {
	payload := ErrorPayload{Message: err.Error()}
	var reply *errorReply
	if errors.As(err, &reply) {
		payload.Code = reply.code
		payload.Message = reply.msg
	} else {
		payload.Code = string(apperrors.CodeOf(err))
	}
	_ = c.Send(NewReply(original, MessageTypeError, payload))
}

// subscribe starts pushing snapshots of a path. Subscribing to a path the
// client already watches replays its latest snapshot; a path whose stream
// ended with an error is re-attempted.
func (c *Client) subscribe(msg *Message) error {
	var req PathPayload
	if err := msg.ParsePayload(&req); err != nil {
		return &errorReply{code: ErrorCodeInvalidPayload, msg: err.Error()}
	}
	path, err := store.ParsePath(req.Path)
	if err != nil {
		return err
	}

	c.stateMu.Lock()
	existing := c.subs[path]
	c.stateMu.Unlock()

	if existing != nil {
		if !existing.stream.Closed() {
			if snap, ok := existing.stream.Latest(); ok {
				_ = c.Send(NewReply(msg, MessageTypeSnapshot, snapshotPayload(snap)))
			}
			return nil
		}
		c.unwatchPath(path, existing)
	}

	stream, err := c.reg.Acquire(path, c.Scope())
	if err != nil {
		return err
	}
	w := &pathWatch{stream: stream}

	c.stateMu.Lock()
	c.subs[path] = w
	c.stateMu.Unlock()

	w.cancel = stream.Watch(func(snap subscription.Snapshot, err error) {
		if err != nil {
			_ = c.Send(NewMessage(MessageTypeError, ErrorPayload{
				Code:    string(apperrors.CodeOf(err)),
				Message: err.Error(),
				Path:    string(path),
			}))
			return
		}
		_ = c.Send(NewMessage(MessageTypeSnapshot, snapshotPayload(snap)))
	})

	logger.Log.Debug("Client subscribed", logger.WithConnID(c.ID), logger.WithPath(string(path)))
	return nil
}

func (c *Client) unsubscribe(msg *Message) error {
	var req PathPayload
	if err := msg.ParsePayload(&req); err != nil {
		return &errorReply{code: ErrorCodeInvalidPayload, msg: err.Error()}
	}
	path, err := store.ParsePath(req.Path)
	if err != nil {
		return err
	}

	c.stateMu.Lock()
	w := c.subs[path]
	c.stateMu.Unlock()
	if w == nil {
		return &errorReply{code: ErrorCodeNotSubscribed, msg: fmt.Sprintf("not subscribed to %q", req.Path)}
	}
	c.unwatchPath(path, w)
	return nil
}

func (c *Client) unwatchPath(path store.Path, w *pathWatch) {
	c.stateMu.Lock()
	if c.subs[path] == w {
		delete(c.subs, path)
	}
	c.stateMu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	if err := c.reg.Release(path, c.Scope()); err != nil {
		logger.Log.Debug("Release failed", logger.WithConnID(c.ID), logger.WithPath(string(path)), zap.Error(err))
	}
}

// watchView derives a named forum view for this client. The reply carries
// the view id used by later pushes and by unwatch_view.
func (c *Client) watchView(msg *Message) error {
	var req WatchViewPayload
	if err := msg.ParsePayload(&req); err != nil {
		return &errorReply{code: ErrorCodeInvalidPayload, msg: err.Error()}
	}

	def, err := forum.Named(forum.Query{
		View:      req.View,
		GroupID:   req.Group,
		ProblemID: req.Problem,
		Viewer:    c.UserID,
	})
	if err != nil {
		return err
	}
	handle, err := def.Derive(c.reg, c.Scope())
	if err != nil {
		return err
	}

	id := uuid.NewString()
	w := &viewWatch{query: req, handle: handle}
	c.stateMu.Lock()
	c.views[id] = w
	c.stateMu.Unlock()

	if _, state, _ := handle.Value(); state == view.Pending {
		_ = c.Send(NewReply(msg, MessageTypeView, viewPayload(id, req, nil, state, nil)))
	}
	w.cancel = handle.OnChange(func(value any, state view.State, err error) {
		_ = c.Send(NewMessage(MessageTypeView, viewPayload(id, req, value, state, err)))
	})

	logger.Log.Debug("Client watching view",
		logger.WithConnID(c.ID),
		zap.String("view", req.View),
		zap.String("view_id", id),
	)
	return nil
}

func (c *Client) unwatchView(msg *Message) error {
	var req UnwatchViewPayload
	if err := msg.ParsePayload(&req); err != nil {
		return &errorReply{code: ErrorCodeInvalidPayload, msg: err.Error()}
	}

	c.stateMu.Lock()
	w := c.views[req.ID]
	delete(c.views, req.ID)
	c.stateMu.Unlock()
	if w == nil {
		return &errorReply{code: ErrorCodeUnknownView, msg: fmt.Sprintf("no view %q", req.ID)}
	}

	if w.cancel != nil {
		w.cancel()
	}
	return w.handle.Close()
}

func snapshotPayload(snap subscription.Snapshot) SnapshotPayload {
	return SnapshotPayload{
		Path:   string(snap.Path),
		Value:  snap.Value,
		Exists: snap.Exists,
		Seq:    snap.Seq,
	}
}

func viewPayload(id string, req WatchViewPayload, value any, state view.State, err error) ViewPayload {
	p := ViewPayload{
		ID:      id,
		View:    req.View,
		Group:   req.Group,
		Problem: req.Problem,
		State:   state.String(),
	}
	if state == view.Ready {
		p.Value = value
	}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}
