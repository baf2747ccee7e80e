package lifecycle

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"cachegen/internal/faults"
)

type MessageType string

const (
	MsgSkipWaiting    MessageType = "SKIP_WAITING"
	MsgGetVersion     MessageType = "GET_VERSION"
	MsgCheckForUpdate MessageType = "CHECK_FOR_UPDATE"

	// Aliases accepted on the control channel.
	MsgProceedActivation MessageType = "PROCEED_ACTIVATION"
	MsgQueryVersion      MessageType = "QUERY_VERSION"
)

var aliases = map[MessageType]MessageType{
	MsgProceedActivation: MsgSkipWaiting,
	MsgQueryVersion:      MsgGetVersion,
}

// Message is one control channel request.
type Message struct {
	Type MessageType `json:"type"`
}

// Reply always carries the version of the generation in control after the
// message was handled.
type Reply struct {
	Version    string `json:"version"`
	Generation string `json:"generation,omitempty"`
	// Activated is set when the message caused an activation.
	Activated bool `json:"activated,omitempty"`
}

// Response is what a posted message resolves to.
type Response struct {
	Reply Reply
	Err   error
}

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan Response
}

type handler func(ctx context.Context, c *Controller) (Reply, error)

// dispatch maps every message kind to exactly one handler.
var dispatch = map[MessageType]handler{
	MsgSkipWaiting: func(_ context.Context, c *Controller) (Reply, error) {
		err := c.OnActivate()
		if err != nil && !faults.IsNotFound(err) {
			return c.reply(false), err
		}
		return c.reply(err == nil), nil
	},
	MsgGetVersion: func(_ context.Context, c *Controller) (Reply, error) {
		return c.reply(false), nil
	},
	MsgCheckForUpdate: func(_ context.Context, c *Controller) (Reply, error) {
		c.spawn(func(ctx context.Context) {
			if err := c.CheckForUpdate(ctx); err != nil {
				c.log.Warn("requested update check failed", zap.Error(err))
			}
		})
		return c.reply(false), nil
	},
}

var errStopped = errors.New("lifecycle controller stopped")

func normalize(t MessageType) MessageType {
	t = MessageType(strings.ToUpper(strings.TrimSpace(string(t))))
	if a, ok := aliases[t]; ok {
		return a
	}
	return t
}

// HandleControlMessage runs msg synchronously.
func (c *Controller) HandleControlMessage(ctx context.Context, msg Message) (Reply, error) {
	h, ok := dispatch[normalize(msg.Type)]
	if !ok {
		return Reply{}, faults.Invalid("unknown message type %q", msg.Type)
	}
	return h(ctx, c)
}

// Post queues msg for the controller's mailbox. The returned channel yields
// exactly one Response.
func (c *Controller) Post(ctx context.Context, msg Message) <-chan Response {
	reply := make(chan Response, 1)
	select {
	case <-c.stop:
		reply <- Response{Err: errStopped}
		return reply
	default:
	}
	select {
	case c.inbox <- envelope{ctx: ctx, msg: msg, reply: reply}:
	case <-ctx.Done():
		reply <- Response{Err: ctx.Err()}
	case <-c.stop:
		reply <- Response{Err: errStopped}
	}
	return reply
}

// Ask posts msg and waits for its reply.
func (c *Controller) Ask(ctx context.Context, msg Message) (Reply, error) {
	select {
	case res := <-c.Post(ctx, msg):
		return res.Reply, res.Err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// run serves the mailbox one message at a time.
func (c *Controller) run(ctx context.Context) {
	defer c.drainInbox()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case env := <-c.inbox:
			rep, err := c.HandleControlMessage(env.ctx, env.msg)
			env.reply <- Response{Reply: rep, Err: err}
		}
	}
}

func (c *Controller) drainInbox() {
	for {
		select {
		case env := <-c.inbox:
			env.reply <- Response{Err: errStopped}
		default:
			return
		}
	}
}

func (c *Controller) reply(activated bool) Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := Reply{Activated: activated}
	if g := c.gens[c.active]; g != nil {
		r.Version, r.Generation = g.version, g.id
	}
	return r
}
