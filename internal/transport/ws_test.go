package transport

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"p2p_chat/internal/model"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGatherCandidatesIncludesLoopback(t *testing.T) {
	ctx := context.Background()
	tr := NewWS()
	defer tr.Close()

	if _, err := tr.CreateOffer(ctx); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	cands, err := tr.GatherCandidates(ctx)
	if err != nil {
		t.Fatalf("GatherCandidates: %v", err)
	}
	if len(cands) == 0 {
		t.Fatalf("no candidates gathered")
	}
	if !strings.HasPrefix(cands[0].Addr, "127.0.0.1:") {
		t.Errorf("first candidate = %q, want loopback", cands[0].Addr)
	}
}

func TestGatherCandidatesHonorsCancellation(t *testing.T) {
	tr := NewWS()
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := tr.CreateOffer(ctx); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	cancel()

	if _, err := tr.GatherCandidates(ctx); err == nil {
		t.Errorf("GatherCandidates succeeded on cancelled context")
	}
}

func TestChannelBindAndExchange(t *testing.T) {
	ctx := context.Background()

	initiator := NewWS()
	defer initiator.Close()
	responder := NewWS()
	defer responder.Close()

	offer, err := initiator.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	initiatorCh, err := initiator.OpenChannel()
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	received := make(chan []byte, 1)
	initiatorCh.OnMessage(func(data []byte) { received <- data })

	cands, err := initiator.GatherCandidates(ctx)
	if err != nil {
		t.Fatalf("GatherCandidates: %v", err)
	}

	accepted := make(chan Channel, 1)
	responder.AcceptChannel(func(ch Channel) { accepted <- ch })
	if err := responder.ApplyRemote(ctx, offer); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}

	// Loopback candidate is first and must suffice; applying it twice
	// exercises duplicate tolerance.
	if err := responder.AddCandidate(ctx, cands[0]); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	if err := responder.AddCandidate(ctx, cands[0]); err != nil {
		t.Fatalf("duplicate AddCandidate: %v", err)
	}

	var responderCh Channel
	select {
	case responderCh = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("responder channel never accepted")
	}

	waitFor(t, "initiator channel open", initiatorCh.Open)
	if !responderCh.Open() {
		t.Fatalf("responder channel not open")
	}

	env := model.NewEnvelope(model.Message{Sender: "bob", Content: "hey", Timestamp: 900})
	if err := responderCh.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-received:
		var got model.Envelope
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if got.Type != model.EnvelopeMessage || got.Content != "hey" {
			t.Errorf("envelope = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message never arrived")
	}
}

func TestSendOnPendingChannel(t *testing.T) {
	tr := NewWS()
	defer tr.Close()

	ch, err := tr.OpenChannel()
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if ch.Open() {
		t.Fatalf("pre-opened channel reports open before binding")
	}
	if err := ch.Send("anything"); err != ErrChannelNotOpen {
		t.Errorf("Send err = %v, want ErrChannelNotOpen", err)
	}
}
