package esl_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/esl"
)

func testInboundConfig(addr string) esl.InboundConfig {
	return esl.InboundConfig{
		Addr:             addr,
		Password:         "ClueCon",
		ConnectTimeout:   2 * time.Second,
		ReadTimeout:      2 * time.Second,
		ReconnectRetries: 3,
		ReconnectDelay:   10 * time.Millisecond,
	}
}

func TestInboundClientConnectAndClose(t *testing.T) {
	t.Parallel()
	addr := startSwitch(t, func(i int, p *fsPeer) {
		p.greetAndAuth("ClueCon")
		p.waitClosed()
	})

	client := esl.NewInboundClient(testInboundConfig(addr), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if !client.Connected() {
		t.Error("Connected() = false after successful Connect")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestInboundClientAuthRejected(t *testing.T) {
	t.Parallel()
	addr := startSwitch(t, func(i int, p *fsPeer) {
		p.send("Content-Type: auth/request\n\n")
		p.expect("auth")
		p.sendReply("-ERR invalid")
	})

	client := esl.NewInboundClient(testInboundConfig(addr), nil)
	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() succeeded with rejected auth")
	}
	if !strings.Contains(err.Error(), "auth rejected") {
		t.Errorf("Connect() error = %v, want auth rejection", err)
	}
}

func TestInboundClientExecuteAPI(t *testing.T) {
	t.Parallel()
	addr := startSwitch(t, func(i int, p *fsPeer) {
		p.greetAndAuth("ClueCon")
		p.expect("api status")
		p.sendAPIResponse("UP 0 years, 0 days, 1 hour\n")
		p.waitClosed()
	})

	client := esl.NewInboundClient(testInboundConfig(addr), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	body, err := client.ExecuteAPI(context.Background(), "status")
	if err != nil {
		t.Fatalf("ExecuteAPI() error: %v", err)
	}
	if want := "UP 0 years, 0 days, 1 hour"; body != want {
		t.Errorf("ExecuteAPI() = %q, want %q", body, want)
	}
}

func TestInboundClientRoutesEventsAroundReplies(t *testing.T) {
	t.Parallel()
	addr := startSwitch(t, func(i int, p *fsPeer) {
		p.greetAndAuth("ClueCon")
		p.expect("api uuid_exists u-1")
		// An event arriving before the reply must not be mistaken for it.
		p.sendEvent(map[string]string{
			"Event-Name": "CHANNEL_ANSWER",
			"Unique-ID":  "u-1",
		})
		p.sendAPIResponse("true")
		p.waitClosed()
	})

	events := make(chan esl.Event, 1)
	client := esl.NewInboundClient(testInboundConfig(addr), nil)
	client.OnEvent(func(ev esl.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	body, err := client.ExecuteAPI(context.Background(), "uuid_exists u-1")
	if err != nil {
		t.Fatalf("ExecuteAPI() error: %v", err)
	}
	if body != "true" {
		t.Errorf("ExecuteAPI() = %q, want true", body)
	}

	select {
	case ev := <-events:
		if got := ev.Name(); got != "CHANNEL_ANSWER" {
			t.Errorf("event name = %q, want CHANNEL_ANSWER", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was never dispatched")
	}
}

func TestInboundClientWaitForEvent(t *testing.T) {
	t.Parallel()
	addr := startSwitch(t, func(i int, p *fsPeer) {
		p.greetAndAuth("ClueCon")
		// A non-matching channel first, then the one being waited on.
		p.sendEvent(map[string]string{
			"Event-Name": "CHANNEL_ANSWER",
			"Unique-ID":  "other",
		})
		p.sendEvent(map[string]string{
			"Event-Name": "CHANNEL_ANSWER",
			"Unique-ID":  "wanted",
		})
		p.waitClosed()
	})

	client := esl.NewInboundClient(testInboundConfig(addr), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	ev, err := client.WaitForEvent(context.Background(), "CHANNEL_ANSWER", "wanted", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForEvent() error: %v", err)
	}
	if got := ev.UniqueID(); got != "wanted" {
		t.Errorf("WaitForEvent() unique id = %q, want wanted", got)
	}
}

func TestInboundClientWaitForEventTimeout(t *testing.T) {
	t.Parallel()
	addr := startSwitch(t, func(i int, p *fsPeer) {
		p.greetAndAuth("ClueCon")
		p.waitClosed()
	})

	client := esl.NewInboundClient(testInboundConfig(addr), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	_, err := client.WaitForEvent(context.Background(), "CHANNEL_ANSWER", "", 50*time.Millisecond)
	if err == nil {
		t.Fatal("WaitForEvent() succeeded with no event")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("WaitForEvent() error = %v, want timeout", err)
	}
}

func TestInboundClientOriginate(t *testing.T) {
	t.Parallel()
	addr := startSwitch(t, func(i int, p *fsPeer) {
		p.greetAndAuth("ClueCon")
		got := p.expect("api originate")
		want := "api originate {ignore_early_media=true,origination_uuid=b-leg-1}user/1001@default &park()"
		if got != want {
			p.fail("originate command = %q, want %q", got, want)
		}
		p.sendAPIResponse("+OK b-leg-1\n")
		p.waitClosed()
	})

	client := esl.NewInboundClient(testInboundConfig(addr), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	uuid, err := client.Originate(context.Background(), esl.OriginateRequest{
		DialString: "user/1001@default",
		Variables: map[string]string{
			"origination_uuid":   "b-leg-1",
			"ignore_early_media": "true",
		},
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}
	if uuid != "b-leg-1" {
		t.Errorf("Originate() uuid = %q, want b-leg-1", uuid)
	}
}

func TestInboundClientOriginateFailureCause(t *testing.T) {
	t.Parallel()
	addr := startSwitch(t, func(i int, p *fsPeer) {
		p.greetAndAuth("ClueCon")
		p.expect("api originate")
		p.sendAPIResponse("-ERR USER_BUSY\n")
		p.waitClosed()
	})

	client := esl.NewInboundClient(testInboundConfig(addr), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	_, err := client.Originate(context.Background(), esl.OriginateRequest{DialString: "user/1002@default"})
	var oerr *esl.OriginateError
	if !errors.As(err, &oerr) {
		t.Fatalf("Originate() error = %v, want *OriginateError", err)
	}
	if oerr.Cause != "USER_BUSY" {
		t.Errorf("OriginateError.Cause = %q, want USER_BUSY", oerr.Cause)
	}
}

func TestInboundClientReconnectsAndResubscribes(t *testing.T) {
	t.Parallel()
	addr := startSwitch(t, func(i int, p *fsPeer) {
		switch i {
		case 0:
			p.greetAndAuth("ClueCon")
			p.expect("event plain CHANNEL_ANSWER DTMF")
			p.sendReply("+OK event listener enabled plain")
			// Drop the connection to force a reconnect.
		default:
			p.greetAndAuth("ClueCon")
			p.expect("event plain CHANNEL_ANSWER DTMF")
			p.sendReply("+OK event listener enabled plain")
			p.sendEvent(map[string]string{
				"Event-Name": "CHANNEL_ANSWER",
				"Unique-ID":  "after-reconnect",
			})
			p.waitClosed()
		}
	})

	client := esl.NewInboundClient(testInboundConfig(addr), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	if err := client.SubscribeEvents(context.Background(), "CHANNEL_ANSWER", "DTMF"); err != nil {
		t.Fatalf("SubscribeEvents() error: %v", err)
	}

	ev, err := client.WaitForEvent(context.Background(), "CHANNEL_ANSWER", "after-reconnect", 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForEvent() after reconnect: %v", err)
	}
	if got := ev.UniqueID(); got != "after-reconnect" {
		t.Errorf("unique id = %q, want after-reconnect", got)
	}
}
