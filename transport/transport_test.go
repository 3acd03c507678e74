package transport

import (
	"reflect"
	"sort"
	"testing"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"proc:p1:stdout", "proc:p1:stdout", true},
		{"proc:p1:stdout", "proc:p1:stderr", false},
		{"proc:p1:*", "proc:p1:stdout", true},
		{"proc:p1:*", "proc:p1:exit", true},
		{"proc:p1:*", "proc:p2:stdout", false},
		{"proc:p1:*", "proc:p1:", true},
		{"*", "anything", true},
		{"*", "", true},
		{"", "", true},
		{"", "x", false},
		{"proc:p1", "proc:p1:stdout", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			if got := Matches(tt.pattern, tt.eventType); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.pattern, tt.eventType, got, tt.want)
			}
		})
	}
}

func TestSubscriptionBookEdges(t *testing.T) {
	b := newSubscriptionBook()

	tok1, first := b.add("a:*", func(Event) {})
	if !first {
		t.Error("first add not reported as first")
	}
	tok2, first := b.add("a:*", func(Event) {})
	if first {
		t.Error("second add reported as first")
	}

	if last := b.remove("a:*", tok1); last {
		t.Error("remove with one listener left reported as last")
	}
	if last := b.remove("a:*", tok1); last {
		t.Error("double remove reported as last")
	}
	if last := b.remove("a:*", tok2); !last {
		t.Error("final remove not reported as last")
	}
	if last := b.remove("a:*", tok2); last {
		t.Error("remove on empty pattern reported as last")
	}
}

func TestSubscriptionBookDispatch(t *testing.T) {
	b := newSubscriptionBook()
	var got []string
	b.add("proc:p1:*", func(ev Event) { got = append(got, "wild:"+ev.Type) })
	b.add("proc:p1:exit", func(ev Event) { got = append(got, "exact:"+ev.Type) })
	b.add("other", func(ev Event) { got = append(got, "other:"+ev.Type) })

	b.dispatch(Event{Type: "proc:p1:exit"})

	sort.Strings(got)
	want := []string{"exact:proc:p1:exit", "wild:proc:p1:exit"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("dispatched to %v, want %v", got, want)
	}
}

func TestLivePatterns(t *testing.T) {
	b := newSubscriptionBook()
	b.add("a", func(Event) {})
	tok, _ := b.add("b", func(Event) {})
	b.add("b", func(Event) {})
	b.remove("b", tok)

	got := b.livePatterns()
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("livePatterns = %v", got)
	}
}

func TestConnectionStateString(t *testing.T) {
	if StateConnected.String() != "connected" || StateConnecting.String() != "connecting" || StateDisconnected.String() != "disconnected" {
		t.Error("ConnectionState strings wrong")
	}
}
