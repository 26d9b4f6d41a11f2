package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"p2p_chat/internal/config"
	"p2p_chat/internal/model"
	"p2p_chat/internal/negotiation"
	"p2p_chat/internal/reconcile"
	"p2p_chat/internal/session"
	"p2p_chat/internal/transport"
	"p2p_chat/internal/utils/log"
)

type (
	App struct {
		app        *tview.Application
		chatbox    *tview.TextView
		payloadBox *tview.TextView
		statusBar  *tview.TextView
		input      *tview.InputField

		cfg      *config.Config
		store    *StoreClient
		sessions *session.Manager
		sync     *reconcile.Engine

		ctx context.Context
	}
)

func NewApp(cfg *config.Config) *App {
	a := &App{
		app:      tview.NewApplication(),
		cfg:      cfg,
		store:    NewStoreClient(cfg.StoreURL),
		sessions: session.NewManager(),
	}
	a.sync = reconcile.New(a.store, a.sessions, a)
	return a
}

func (a *App) Run(ctx context.Context, name string) {
	a.ctx = ctx

	if err := a.registerUser(ctx, name); err != nil {
		log.Fatal("register user failed", zap.Error(err))
	}
	a.sessions.SetUser(name)

	a.renderUI()
}

func (a *App) Stop() {
	a.app.Stop()
}

// blocking function
func (a *App) renderUI() {
	a.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.chatbox.SetBorder(true).SetTitle(" Chat ")

	a.payloadBox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.payloadBox.SetBorder(true).SetTitle(" Negotiation (copy to peer) ")

	a.statusBar = tview.NewTextView().SetDynamicColors(true)
	a.statusBar.SetText("[gray]/connect <name> to start, /accept <payload> to join[-]")

	a.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	a.input.SetBorder(true).SetTitle(" New Message ")

	a.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := a.input.GetText()
		if text == "" {
			return
		}
		a.input.SetText("")

		switch {
		case strings.HasPrefix(text, "/connect "):
			go a.startNegotiation(strings.TrimSpace(strings.TrimPrefix(text, "/connect ")))
		case strings.HasPrefix(text, "/accept "):
			go a.acceptPayload(strings.TrimSpace(strings.TrimPrefix(text, "/accept ")))
		default:
			go a.sendMessage(text)
		}
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.chatbox, 0, 2, false).
		AddItem(a.payloadBox, 0, 1, false).
		AddItem(a.statusBar, 1, 0, false).
		AddItem(a.input, 3, 0, true)

	if err := a.app.SetRoot(layout, true).SetFocus(a.input).Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

// startNegotiation runs the initiator flow: a fresh session replaces any
// current one, and the offer payload is surfaced for manual transmission.
func (a *App) startNegotiation(remote string) {
	user := a.sessions.User()
	if remote == "" || remote == user {
		a.setStatus("[red]cannot connect to that name[-]")
		return
	}

	capability := transport.NewWS()
	engine := negotiation.New(capability, a.cfg.GatherTimeout)
	engine.OnEstablished(a.onEstablished)

	conversationID, _ := model.ConversationID(user, remote)
	old := a.sessions.Replace(&session.PeerSession{
		Engine:         engine,
		RemoteName:     remote,
		ConversationID: conversationID,
	})
	if old != nil && old.Engine != nil {
		old.Engine.Abandon()
	}

	payload, err := engine.Initiate(a.ctx, user, remote)
	if err != nil {
		a.setStatus("[red]negotiation failed[-]")
		return
	}
	a.showPayload(payload, fmt.Sprintf("offer for %s", remote))
	a.setStatus(fmt.Sprintf("[yellow]waiting for %s's answer[-]", remote))
}

// acceptPayload consumes a pasted offer or answer. Parse failures abort
// before the previous session is touched.
func (a *App) acceptPayload(text string) {
	payload, err := model.ParsePayload(text)
	if err != nil {
		log.Error("processing negotiation payload failed", zap.Error(err))
		a.setStatus("[red]processing failed[-]")
		return
	}

	user := a.sessions.User()

	if payload.Role == model.RoleAnswer {
		active := a.sessions.Active()
		if active == nil || active.Engine == nil {
			a.setStatus("[red]no negotiation in progress[-]")
			return
		}
		if _, err := active.Engine.Accept(a.ctx, user, payload); err != nil {
			log.Error("processing answer failed", zap.Error(err))
			a.setStatus("[red]processing failed[-]")
		}
		return
	}

	// incoming offer: responder flow on a fresh session
	conversationID, ok := model.ConversationID(user, payload.Sender)
	if !ok {
		a.setStatus("[red]offer names an unusable sender[-]")
		return
	}

	capability := transport.NewWS()
	engine := negotiation.New(capability, a.cfg.GatherTimeout)
	engine.OnEstablished(a.onEstablished)
	engine.OnHistory(a.loadHistory)

	// the peer identity must be on the session before Accept: the channel
	// can bind mid-handshake and the establishment path reads it
	old := a.sessions.Replace(&session.PeerSession{
		Engine:         engine,
		RemoteName:     payload.Sender,
		ConversationID: conversationID,
	})
	if old != nil && old.Engine != nil {
		old.Engine.Abandon()
	}

	answer, err := engine.Accept(a.ctx, user, payload)
	if err != nil {
		log.Error("processing offer failed", zap.Error(err))
		a.setStatus("[red]processing failed[-]")
		return
	}

	a.showPayload(answer, fmt.Sprintf("answer for %s", payload.Sender))
	a.setStatus(fmt.Sprintf("[yellow]send the answer back to %s[-]", payload.Sender))
}

// onEstablished wires channel handlers and exchanges histories so both
// sides reconcile whatever accumulated while disconnected.
func (a *App) onEstablished(ch transport.Channel) {
	a.sessions.SetChannel(ch)
	ch.OnMessage(a.onChannelData)
	ch.OnClose(func() {
		a.setStatus("[red]channel closed[-]")
	})

	active := a.sessions.Active()
	if active == nil {
		return
	}
	a.setStatus(fmt.Sprintf("[green]connected to %s[-]", active.RemoteName))

	user := a.sessions.User()
	history, err := a.store.GetConversation(a.ctx, user, active.ConversationID)
	if err != nil {
		log.Error("load history for sync failed", zap.Error(err))
		return
	}
	queued := a.sessions.Queued(active.ConversationID)

	if err := ch.Send(&model.Envelope{
		Type:     model.EnvelopeSync,
		Sender:   user,
		Messages: append(history, queued...),
	}); err != nil {
		log.Error("send sync envelope failed", zap.Error(err))
	}
}

// loadHistory runs after a responder learns the conversation id; merging
// with an empty remote batch pulls the stored record into the view and
// drains any queued offline messages for it.
func (a *App) loadHistory(conversationID string) {
	if err := a.sync.Merge(a.ctx, conversationID, nil); err != nil {
		log.Error("history load failed", zap.Error(err))
		a.setStatus("[red]sync failed[-]")
	}
}

func (a *App) onChannelData(data []byte) {
	env, conversationID, err := receiveEnvelope(a.ctx, a.store, a.sessions, data)
	if err != nil {
		log.Error("dropping channel frame", zap.Error(err))
		return
	}

	switch env.Type {
	case model.EnvelopeMessage:
		a.renderMessage(env.Message(), false)
	case model.EnvelopeSync:
		if err := a.sync.Merge(a.ctx, conversationID, env.Messages); err != nil {
			log.Error("sync merge failed", zap.Error(err))
			a.setStatus("[red]sync failed[-]")
		}
	default:
		log.Debug("ignoring envelope", zap.String("type", env.Type))
	}
}

func (a *App) sendMessage(text string) {
	m := model.Message{
		Sender:    a.sessions.User(),
		Content:   text,
		Timestamp: model.Now(),
	}

	queued, err := dispatchMessage(a.ctx, a.store, a.sessions, m)
	if err != nil {
		a.setStatus("[red]no active conversation; /connect first[-]")
		return
	}

	a.renderMessage(m, true)
	if queued {
		a.setStatus("[yellow]saved offline; will sync on next connection[-]")
	}
}

// ReplaceConversation implements reconcile.View: clear, then re-render
// every merged message in order. Rendering here is the only echo path, so
// replayed messages cannot double-print.
func (a *App) ReplaceConversation(conversationID string, msgs []model.Message) {
	user := a.sessions.User()
	a.app.QueueUpdateDraw(func() {
		a.chatbox.Clear()
		for _, m := range msgs {
			a.writeMessage(m, m.Sender == user)
		}
		a.chatbox.ScrollToEnd()
	})
}

func (a *App) renderMessage(m model.Message, mine bool) {
	a.app.QueueUpdateDraw(func() {
		a.writeMessage(m, mine)
		a.chatbox.ScrollToEnd()
	})
}

func (a *App) writeMessage(m model.Message, mine bool) {
	if mine {
		fmt.Fprintf(a.chatbox, "[yellow]You:[-] %s\n", m.Content)
		return
	}
	fmt.Fprintf(a.chatbox, "[green]%s:[-] %s\n", m.Sender, m.Content)
}

func (a *App) showPayload(p *model.NegotiationPayload, label string) {
	text, err := p.Encode()
	if err != nil {
		log.Error("encode payload failed", zap.Error(err))
		a.setStatus("[red]negotiation failed[-]")
		return
	}
	a.app.QueueUpdateDraw(func() {
		a.payloadBox.Clear()
		fmt.Fprintf(a.payloadBox, "[gray]%s:[-]\n%s\n", label, text)
	})
}

func (a *App) setStatus(msg string) {
	a.app.QueueUpdateDraw(func() {
		a.statusBar.SetText(msg)
	})
}
