// Package flows executes the chatbot automations tenants build for their
// WhatsApp numbers. A flow is a directed graph of typed nodes; execution
// walks the graph one inbound message at a time, suspending at nodes that
// wait on the contact and resuming when the reply arrives. A session pins a
// contact to their position in a flow and carries the variable bag between
// invocations.
package flows

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/whatsapp"
)

// the most nodes a single inbound message may execute, loops are expressed
// with loop nodes that carry their own cursor rather than unbounded cycles
const maxSteps = 30

// trigger keyword that accepts any inbound message
const triggerCatchAll = "*"

// hidden bag entries the interpreter uses between invocations
const (
	varPendingButtons = "_pendingButtons"
	varPendingList    = "_pendingList"
	varListPage       = "_listPage"
	varLastSelection  = "_lastSelection"
	loopIndexPrefix   = "_loop_"
)

// Sender records and submits an outgoing message on a conversation.
type Sender interface {
	Send(ctx context.Context, org *models.Org, contact *models.Contact, msg *models.Msg, env *whatsapp.Envelope) (*models.Msg, error)
}

// Input is one inbound message reduced to what the interpreter needs.
type Input struct {
	Text        string
	Type        models.MsgType
	SelectionID string // id of the tapped button or picked list row
	FormJSON    string // fields submitted through a WhatsApp Flow form
	MediaURL    string
	MediaID     string
}

// InputFromProvider reduces a provider message and its recorded counterpart
// to an interpreter input.
func InputFromProvider(m *whatsapp.WAMessage, msg *models.Msg) *Input {
	in := &Input{
		Text:        m.ExtractText(),
		Type:        m.MsgType(),
		SelectionID: m.SelectionID(),
	}
	if msg != nil {
		in.MediaURL = string(msg.MediaURL)
		in.MediaID = string(msg.MediaID)
	}
	if m.Interactive.Type == "nfm_reply" {
		in.FormJSON = m.Interactive.NFMReply.ResponseJSON
	}
	return in
}

// Engine resolves inbound messages to flows and executes them.
type Engine struct {
	rt     *runtime.Runtime
	db     store.Store
	sender Sender
	media  store.MediaStore
	pub    realtime.Publisher
}

func NewEngine(rt *runtime.Runtime, db store.Store, sender Sender, media store.MediaStore, pub realtime.Publisher) *Engine {
	return &Engine{rt: rt, db: db, sender: sender, media: media, pub: pub}
}

// HandleInbound runs the interpreter for one inbound message: it resolves
// which flow should see it, creates, resumes, resets or discards the
// contact's session accordingly, and walks the graph until it suspends or
// exits. Messages that resolve to no flow are ignored.
func (e *Engine) HandleInbound(ctx context.Context, org *models.Org, contact *models.Contact, conv *models.Conversation, input *Input) error {
	log := slog.With("comp", "flows", "org_id", org.ID, "contact", contact.WaID)

	enabled, err := e.db.GetEnabledFlows(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("error loading flows: %w", err)
	}
	if len(enabled) == 0 {
		return nil
	}

	session, err := e.db.GetSession(ctx, org.ID, contact.ID)
	if err != nil {
		return fmt.Errorf("error loading session: %w", err)
	}

	now := time.Now()
	triggered := matchTrigger(enabled, input.Text)

	if session != nil {
		flow := flowByID(enabled, session.FlowID)

		if flow == nil {
			// the flow was deleted or disabled since the session started
			if err := e.db.DeleteSession(ctx, session.ID); err != nil {
				return fmt.Errorf("error deleting orphaned session: %w", err)
			}
			session = nil
		} else if triggered != nil {
			// a trigger keyword outranks the live session.. a different
			// flow's takes the session over from scratch, the same flow's
			// restarts it keeping the bag
			if !triggered.WorkingHours.IsOpenAt(now) {
				log.Debug("ignoring inbound outside working hours", "flow_id", triggered.ID)
				return nil
			}
			if triggered.ID != session.FlowID {
				session.Reset(triggered)
			} else {
				session.CurrentNodeID = ""
				session.WaitingOn = models.SessionWaitNone
			}
			return e.invoke(ctx, log, org, contact, conv, triggered, session, input)
		} else if session.IsExpired(flow, now) {
			if err := e.db.DeleteSession(ctx, session.ID); err != nil {
				return fmt.Errorf("error deleting expired session: %w", err)
			}
			log.Debug("discarded expired session", "session_id", session.ID, "flow_id", flow.ID)
			session = nil
		} else {
			return e.invoke(ctx, log, org, contact, conv, flow, session, input)
		}
	}

	flow := selectFlow(enabled, triggered, input.Text)
	if flow == nil {
		return nil
	}
	if !flow.WorkingHours.IsOpenAt(now) {
		log.Debug("ignoring inbound outside working hours", "flow_id", flow.ID)
		return nil
	}

	session = models.NewSession(org, flow, contact.ID)
	return e.invoke(ctx, log, org, contact, conv, flow, session, input)
}

func (e *Engine) invoke(ctx context.Context, log *slog.Logger, org *models.Org, contact *models.Contact, conv *models.Conversation, flow *models.Flow, session *models.Session, input *Input) error {
	r := &run{
		engine:  e,
		org:     org,
		contact: contact,
		conv:    conv,
		flow:    flow,
		session: session,
		input:   input,
		client:  whatsapp.NewClient(e.rt, org),
		log:     log.With("flow_id", flow.ID),
	}
	r.injectSystemVars()
	return r.invoke(ctx)
}

// matchTrigger returns the flow whose trigger keyword exactly matches the
// inbound text, upper cased and trimmed
func matchTrigger(flows []*models.Flow, text string) *models.Flow {
	keyword := strings.ToUpper(strings.TrimSpace(text))
	if keyword == "" {
		return nil
	}
	for _, f := range flows {
		trigger := strings.ToUpper(strings.TrimSpace(string(f.TriggerKeyword)))
		if trigger != "" && trigger != triggerCatchAll && trigger == keyword {
			return f
		}
	}
	return nil
}

// selectFlow picks the flow a fresh inbound starts: its exact trigger match,
// then a catch all trigger, then the first flow whose start_trigger accepts
// the text, then the org default
func selectFlow(flows []*models.Flow, triggered *models.Flow, text string) *models.Flow {
	if triggered != nil {
		return triggered
	}
	for _, f := range flows {
		if strings.TrimSpace(string(f.TriggerKeyword)) == triggerCatchAll {
			return f
		}
	}
	for _, f := range flows {
		if startTriggerAccepts(f, text) {
			return f
		}
	}
	for _, f := range flows {
		if f.IsDefault {
			return f
		}
	}
	return nil
}

func flowByID(flows []*models.Flow, id models.FlowID) *models.Flow {
	for _, f := range flows {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// startTriggerAccepts returns whether the flow's start_trigger node accepts
// the inbound text, either any message or one of its keywords
func startTriggerAccepts(f *models.Flow, text string) bool {
	for i := range f.Nodes {
		if f.Nodes[i].Type == "start_trigger" {
			cfg := &startTriggerConfig{}
			if err := decodeConfig(&f.Nodes[i], cfg); err != nil {
				return false
			}
			return cfg.Any || cfg.match(text) >= 0
		}
	}
	return false
}

// run is the state of one interpreter invocation
type run struct {
	engine  *Engine
	org     *models.Org
	contact *models.Contact
	conv    *models.Conversation
	flow    *models.Flow
	session *models.Session
	input   *Input
	client  *whatsapp.Client
	log     *slog.Logger
}

// injectSystemVars seeds the bag with this invocation's system variables,
// node effects may overwrite them within the walk
func (r *run) injectSystemVars() {
	v := r.session.Vars
	v.Set("sender_mobile", models.StringValue(r.contact.Phone))
	v.Set("sender_name", models.StringValue(r.contact.DisplayName()))
	v.Set("last_input", models.StringValue(r.input.Text))
	v.Set("last_response", models.StringValue(r.input.Text))
	v.Set("last_message_type", models.StringValue(string(r.input.Type)))
	if r.input.MediaURL != "" {
		v.Set("last_media_url", models.StringValue(r.input.MediaURL))
	}
	if r.input.MediaID != "" {
		v.Set("last_media_id", models.StringValue(r.input.MediaID))
	}
}

// invoke walks the graph from the session's position until a node waits on
// the contact, the walk exits, or the step cap trips. Node errors route to
// the node's fail edge when it has one, otherwise the invocation ends with
// the session left where it was.
func (r *run) invoke(ctx context.Context) error {
	var current string

	if r.session.WaitingOn != models.SessionWaitNone && r.session.CurrentNodeID != "" {
		node := r.flow.Node(r.session.CurrentNodeID)
		if node == nil {
			return r.exit(ctx)
		}
		next, stay, err := r.capture(ctx, node)
		if err != nil {
			r.log.Error("error resuming node", "error", err, "node", node.ID, "node_type", node.Type)
			if next = r.flow.Next(node.ID, "fail"); next == "" {
				return r.suspend(ctx, node, r.session.WaitingOn)
			}
		} else if stay {
			return r.suspend(ctx, node, r.session.WaitingOn)
		}
		current = next
	} else if r.session.CurrentNodeID != "" {
		// a previous invocation stopped on this node without waiting, pick
		// it back up
		current = r.session.CurrentNodeID
	} else {
		entry := r.flow.EntryNode()
		if entry == nil {
			r.log.Error("flow has no entry node")
			return r.exit(ctx)
		}
		current = entry.ID
	}

	for steps := 0; current != ""; {
		node := r.flow.Node(current)
		if node == nil {
			break // dangling edge, treat as an exit
		}
		if steps++; steps > maxSteps {
			r.log.Warn("step cap reached", "node", node.ID)
			return r.suspend(ctx, node, models.SessionWaitNone)
		}

		next, wait, err := r.execute(ctx, node)
		if err != nil {
			r.log.Error("error executing node", "error", err, "node", node.ID, "node_type", node.Type)
			if next = r.flow.Next(node.ID, "fail"); next == "" {
				return r.suspend(ctx, node, models.SessionWaitNone)
			}
		} else if wait != models.SessionWaitNone {
			return r.suspend(ctx, node, wait)
		}
		current = next
	}

	return r.exit(ctx)
}

// suspend persists the session parked on the given node
func (r *run) suspend(ctx context.Context, node *models.Node, wait models.SessionWait) error {
	r.session.CurrentNodeID = node.ID
	r.session.WaitingOn = wait
	r.session.LastInteractionOn = time.Now()

	if r.session.ID == models.NilSessionID {
		created, err := r.engine.db.CreateSession(ctx, r.session)
		if err != nil {
			return fmt.Errorf("error creating session: %w", err)
		}
		r.session = created
		return nil
	}
	if err := r.engine.db.SaveSession(ctx, r.session); err != nil {
		return fmt.Errorf("error saving session: %w", err)
	}
	return nil
}

// exit ends the walk normally, dropping the session if it was ever persisted
func (r *run) exit(ctx context.Context) error {
	if r.session.ID == models.NilSessionID {
		return nil
	}
	if err := r.engine.db.DeleteSession(ctx, r.session.ID); err != nil {
		return fmt.Errorf("error deleting session: %w", err)
	}
	return nil
}
