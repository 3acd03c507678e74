package agentfactory

import (
	"errors"
	"testing"

	"github.com/agentdeck/agentdeck/agent"
	"github.com/agentdeck/agentdeck/transport/transporttest"
)

func testDeps() agent.Deps {
	return agent.Deps{
		Transport:    transporttest.New(),
		Availability: agent.NewAvailability(),
		Policy:       agent.DefaultApprovalPolicy(),
	}
}

func TestGetEveryKind(t *testing.T) {
	r := NewRegistry(testDeps())
	for _, kind := range r.Kinds() {
		ad, err := r.Get(kind)
		if err != nil {
			t.Fatalf("Get(%s): %v", kind, err)
		}
		if ad == nil {
			t.Fatalf("Get(%s): nil adapter", kind)
		}
		if ad.Kind() != kind {
			t.Errorf("Get(%s).Kind() = %s", kind, ad.Kind())
		}
	}
}

func TestGetCachesInstance(t *testing.T) {
	r := NewRegistry(testDeps())
	first, err := r.Get(agent.KindClaude)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Get(agent.KindClaude)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("Get returned a new instance for the same kind")
	}
}

func TestGetUnknownKind(t *testing.T) {
	r := NewRegistry(testDeps())
	ad, err := r.Get("invalid")
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("err = %v, want ErrUnknownAgent", err)
	}
	if ad != nil {
		t.Errorf("adapter = %T, want nil", ad)
	}
}
