package types_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/scrypster/agentmem/pkg/types"
)

func TestScopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		scope   types.Scope
		wantErr bool
	}{
		{"session only", types.Scope{TenantID: "t", AgentID: "a", SessionID: "s"}, false},
		{"user only", types.Scope{TenantID: "t", AgentID: "a", UserID: "u"}, false},
		{"both", types.Scope{TenantID: "t", AgentID: "a", SessionID: "s", UserID: "u"}, false},
		{"missing tenant", types.Scope{AgentID: "a", SessionID: "s"}, true},
		{"missing agent", types.Scope{TenantID: "t", SessionID: "s"}, true},
		{"blank tenant", types.Scope{TenantID: "  ", AgentID: "a", SessionID: "s"}, true},
		{"missing session and user", types.Scope{TenantID: "t", AgentID: "a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Validate()
			if tt.wantErr {
				if !errors.Is(err, types.ErrInvalidScope) {
					t.Errorf("Validate() = %v, want ErrInvalidScope", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestScopeKeyDoesNotCollide(t *testing.T) {
	a := types.Scope{TenantID: "t/a", AgentID: "b", SessionID: "s"}
	b := types.Scope{TenantID: "t", AgentID: "a/b", SessionID: "s"}
	if a.Key() == b.Key() {
		t.Fatalf("keys collide: %q", a.Key())
	}
	if strings.Count(a.Key(), "/") != 3 {
		t.Errorf("Key() = %q, want exactly 3 separators", a.Key())
	}
}

func TestScopeThreadKeyIgnoresUser(t *testing.T) {
	a := types.Scope{TenantID: "t", AgentID: "a", SessionID: "s", UserID: "u1"}
	b := types.Scope{TenantID: "t", AgentID: "a", SessionID: "s", UserID: "u2"}
	if a.ThreadKey() != b.ThreadKey() {
		t.Errorf("ThreadKey() differs by user: %q vs %q", a.ThreadKey(), b.ThreadKey())
	}
	if a.Key() == b.Key() {
		t.Error("Key() should still include the user")
	}

	c := types.Scope{TenantID: "t/a", AgentID: "s", SessionID: "x"}
	d := types.Scope{TenantID: "t", AgentID: "a/s", SessionID: "x"}
	if c.ThreadKey() == d.ThreadKey() {
		t.Fatalf("thread keys collide: %q", c.ThreadKey())
	}
}

func TestScopeSameThreadAndSemantic(t *testing.T) {
	base := types.Scope{TenantID: "t", AgentID: "a", SessionID: "s", UserID: "u"}

	if !base.SameThread(types.Scope{TenantID: "t", AgentID: "a", SessionID: "s", UserID: "other"}) {
		t.Error("SameThread should ignore the user id")
	}
	if base.SameThread(types.Scope{TenantID: "x", AgentID: "a", SessionID: "s"}) {
		t.Error("SameThread should compare tenant")
	}
	if !base.SameSemantic(types.Scope{TenantID: "t", AgentID: "a", UserID: "u"}) {
		t.Error("SameSemantic should ignore the session id")
	}
	if base.SameSemantic(types.Scope{TenantID: "t", AgentID: "a", UserID: "v"}) {
		t.Error("SameSemantic should compare user")
	}
}

func TestContextPayloadRender(t *testing.T) {
	score := 0.9125
	p := &types.ContextPayload{
		Entries: []types.ContextEntry{
			{Source: types.SourceThread, TurnIndex: 1, Key: "user_utterance", Value: json.RawMessage(`"hi"`)},
			{Source: types.SourceThread, TurnIndex: 2, Key: "agent_reply", Value: json.RawMessage(`"hello"`)},
			{Source: types.SourceSemantic, Content: "likes tea", Score: &score},
			{Source: types.SourceSemantic, Content: "lives in Oslo", Degraded: true},
		},
	}

	out := p.Render()
	for _, want := range []string{
		"=== RECENT CONVERSATION ===",
		`[1] user_utterance: "hi"`,
		`[2] agent_reply: "hello"`,
		"=== RELEVANT MEMORIES ===",
		"1. (score=0.912) likes tea",
		"2. (recent) lives in Oslo",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q in:\n%s", want, out)
		}
	}

	if got := len(p.ThreadEntries()); got != 2 {
		t.Errorf("ThreadEntries() = %d, want 2", got)
	}
	if got := len(p.SemanticEntries()); got != 2 {
		t.Errorf("SemanticEntries() = %d, want 2", got)
	}
}

func TestContextPayloadRenderEmpty(t *testing.T) {
	var p *types.ContextPayload
	if p.Render() != "" {
		t.Error("nil payload should render empty")
	}
	if !(&types.ContextPayload{}).IsEmpty() {
		t.Error("payload without entries should be empty")
	}
}
