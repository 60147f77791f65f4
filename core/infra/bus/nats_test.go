package bus

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestSubject(t *testing.T) {
	got, err := Subject("org.fedoraproject.prod.", "bodhi.mashtask.start")
	if err != nil || got != "org.fedoraproject.prod.bodhi.mashtask.start" {
		t.Fatalf("unexpected subject %q err=%v", got, err)
	}
	got, err = Subject("org.example.stg", ".mashtask.complete.")
	if err != nil || got != "org.example.stg.mashtask.complete" {
		t.Fatalf("unexpected subject %q err=%v", got, err)
	}
	if _, err := Subject("", "x"); !errors.Is(err, errEmptyPrefix) {
		t.Fatalf("expected empty prefix error, got %v", err)
	}
	if _, err := Subject("a.", " "); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
}

func TestNatsBusPublishErrors(t *testing.T) {
	var nilBus *NatsBus
	if err := nilBus.Publish("masher.start", []byte("{}")); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	bus := &NatsBus{nc: &nats.Conn{}}
	if err := bus.Publish("", []byte("{}")); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
	if err := bus.Publish("masher.start", nil); !errors.Is(err, errNilMessage) {
		t.Fatalf("expected nil payload error, got %v", err)
	}
	if err := bus.PublishJSON("masher.start", nil); !errors.Is(err, errNilMessage) {
		t.Fatalf("expected nil payload error, got %v", err)
	}
	if err := bus.PublishJSON("masher.start", map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatalf("expected encode error")
	}
}

func TestNatsBusSubscribeErrors(t *testing.T) {
	var nilBus *NatsBus
	if err := nilBus.Subscribe("masher.start", "", func([]byte) error { return nil }); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	bus := &NatsBus{nc: &nats.Conn{}}
	if err := bus.Subscribe("", "", func([]byte) error { return nil }); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
	if err := bus.Subscribe("masher.start", "", nil); !errors.Is(err, errNilHandler) {
		t.Fatalf("expected nil handler error, got %v", err)
	}
}

func TestNatsBusStatusDefaults(t *testing.T) {
	var nilBus *NatsBus
	if nilBus.IsConnected() {
		t.Fatalf("expected disconnected nil bus")
	}
	if status := nilBus.Status(); status != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN status, got %s", status)
	}
	if url := nilBus.ConnectedURL(); url != "" {
		t.Fatalf("expected empty url, got %s", url)
	}
	nilBus.Close()
}
