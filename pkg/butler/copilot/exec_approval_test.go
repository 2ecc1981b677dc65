package copilot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder captures messages sent through a SendFunc.
type recorder struct {
	mu   sync.Mutex
	msgs []string
	sent chan string
}

func newRecorder() *recorder {
	return &recorder{sent: make(chan string, 16)}
}

func (r *recorder) send(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	r.sent <- text
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func waitMessage(t *testing.T, r *recorder) string {
	t.Helper()
	select {
	case m := <-r.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return ""
	}
}

func requestAsync(c *ApprovalCorrelator, tool ToolName, tier RiskTier) <-chan ApprovalOutcome {
	out := make(chan ApprovalOutcome, 1)
	go func() {
		out <- c.RequestApproval(context.Background(), tool, map[string]any{"command": "rm -rf ./build"}, tier)
	}()
	return out
}

func waitOutcome(t *testing.T, ch <-chan ApprovalOutcome) ApprovalOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("approval never resolved")
		return ApprovalDenied
	}
}

func TestApprovalAutoApprovesAtOrBelowCeiling(t *testing.T) {
	rec := newRecorder()
	c := NewApprovalCorrelator("p", time.Second, RiskLow, rec.send, nil)

	for _, tier := range []RiskTier{RiskSafe, RiskLow} {
		if got := c.RequestApproval(context.Background(), ToolFileRead, nil, tier); got != ApprovalAuto {
			t.Errorf("tier %s: outcome = %s, want auto", tier, got)
		}
	}
	if n := len(rec.messages()); n != 0 {
		t.Errorf("sent %d messages, want none", n)
	}
}

func TestApprovalYesAndNo(t *testing.T) {
	tests := []struct {
		reply string
		want  ApprovalOutcome
	}{
		{"yes", ApprovalApproved},
		{"  Yep! ", ApprovalApproved},
		{"OK", ApprovalApproved},
		{"no", ApprovalDenied},
		{"Cancel.", ApprovalDenied},
		{"nope", ApprovalDenied},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			rec := newRecorder()
			c := NewApprovalCorrelator("p", 5*time.Second, RiskLow, rec.send, nil)

			done := requestAsync(c, ToolBash, RiskHigh)
			prompt := waitMessage(t, rec)
			if !strings.Contains(prompt, "*Permission Required*") || !strings.Contains(prompt, "🔴 HIGH") {
				t.Fatalf("unexpected prompt: %q", prompt)
			}

			if !c.HandleReply(tt.reply) {
				t.Fatalf("HandleReply(%q) = false", tt.reply)
			}
			if got := waitOutcome(t, done); got != tt.want {
				t.Errorf("outcome = %s, want %s", got, tt.want)
			}
			if _, ok := c.Pending(); ok {
				t.Error("slot should be empty after resolution")
			}
		})
	}
}

func TestApprovalTimeoutDeniesAndNotifies(t *testing.T) {
	rec := newRecorder()
	c := NewApprovalCorrelator("p", 50*time.Millisecond, RiskLow, rec.send, nil)

	done := requestAsync(c, ToolBash, RiskMedium)
	prompt := waitMessage(t, rec)

	if got := waitOutcome(t, done); got != ApprovalExpired {
		t.Fatalf("outcome = %s, want expired", got)
	}
	notice := waitMessage(t, rec)
	pa := strings.SplitN(strings.SplitN(prompt, "[", 2)[1], "]", 2)[0]
	if !strings.Contains(notice, "["+pa+"] timed out") {
		t.Errorf("notice = %q, want id %s", notice, pa)
	}

	// A late reply finds nothing to resolve.
	if c.HandleReply("yes") {
		t.Error("late reply must not be consumed")
	}
}

func TestApprovalYesAllSuppressesLaterPrompts(t *testing.T) {
	rec := newRecorder()
	c := NewApprovalCorrelator("p", 5*time.Second, RiskLow, rec.send, nil)

	done := requestAsync(c, ToolBash, RiskHigh)
	waitMessage(t, rec)
	if !c.HandleReply("yes all") {
		t.Fatal("yes all not consumed")
	}
	if got := waitOutcome(t, done); got != ApprovalApproved {
		t.Fatalf("outcome = %s, want approved", got)
	}

	if got := c.RequestApproval(context.Background(), ToolBash, nil, RiskCritical); got != ApprovalAuto {
		t.Errorf("after yes all: outcome = %s, want auto", got)
	}
	if n := len(rec.messages()); n != 1 {
		t.Errorf("sent %d messages, want only the first prompt", n)
	}
}

func TestHandleReplyWithoutPending(t *testing.T) {
	c := NewApprovalCorrelator("p", time.Second, RiskLow, newRecorder().send, nil)
	for _, text := range []string{"yes", "no", "yes all"} {
		if c.HandleReply(text) {
			t.Errorf("HandleReply(%q) with nothing pending = true", text)
		}
	}
	if c.ApproveAll() {
		t.Error("yes all with nothing pending must not enable approve-all")
	}
}

func TestHandleReplyIgnoresOtherText(t *testing.T) {
	rec := newRecorder()
	c := NewApprovalCorrelator("p", 5*time.Second, RiskLow, rec.send, nil)

	done := requestAsync(c, ToolBash, RiskHigh)
	waitMessage(t, rec)

	if c.HandleReply("what does that command do?") {
		t.Fatal("free text must not be consumed")
	}
	if _, ok := c.Pending(); !ok {
		t.Fatal("request should still be pending")
	}
	c.HandleReply("no")
	waitOutcome(t, done)
}

func TestHandleReplyMatchesCorrelationID(t *testing.T) {
	rec := newRecorder()
	c := NewApprovalCorrelator("p", 5*time.Second, RiskLow, rec.send, nil)

	done := requestAsync(c, ToolBash, RiskHigh)
	waitMessage(t, rec)
	pa, ok := c.Pending()
	if !ok {
		t.Fatal("nothing pending")
	}

	foreign := "DEADBEEF"
	if pa.ID == foreign {
		foreign = "CAFEBABE"
	}
	if c.HandleReply("yes " + foreign) {
		t.Fatal("reply with a foreign id was consumed")
	}
	if !c.HandleReply("yes " + strings.ToLower(pa.ID)) {
		t.Fatal("reply with matching id was not consumed")
	}
	if got := waitOutcome(t, done); got != ApprovalApproved {
		t.Errorf("outcome = %s, want approved", got)
	}
}

func TestApprovalRequestsAreSerialized(t *testing.T) {
	rec := newRecorder()
	c := NewApprovalCorrelator("p", 5*time.Second, RiskLow, rec.send, nil)

	first := requestAsync(c, ToolBash, RiskHigh)
	p1 := waitMessage(t, rec)
	second := requestAsync(c, ToolFileWrite, RiskMedium)

	// The second prompt must not appear while the first is pending.
	select {
	case m := <-rec.sent:
		t.Fatalf("second prompt sent early: %q", m)
	case <-time.After(50 * time.Millisecond):
	}

	c.HandleReply("no")
	if got := waitOutcome(t, first); got != ApprovalDenied {
		t.Errorf("first = %s, want denied", got)
	}

	p2 := waitMessage(t, rec)
	if p1 == p2 || !strings.Contains(p2, "file_write") {
		t.Fatalf("second prompt = %q", p2)
	}
	c.HandleReply("y")
	if got := waitOutcome(t, second); got != ApprovalApproved {
		t.Errorf("second = %s, want approved", got)
	}
}

func TestApprovalCancelledContextDenies(t *testing.T) {
	rec := newRecorder()
	c := NewApprovalCorrelator("p", 5*time.Second, RiskLow, rec.send, nil)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan ApprovalOutcome, 1)
	go func() { out <- c.RequestApproval(ctx, ToolBash, nil, RiskHigh) }()
	waitMessage(t, rec)
	cancel()

	if got := waitOutcome(t, out); got != ApprovalDenied {
		t.Errorf("outcome = %s, want denied", got)
	}
}

func TestArgsPreviewTruncates(t *testing.T) {
	long := strings.Repeat("a", 500)
	got := argsPreview(map[string]any{"content": long})
	if n := len([]rune(got)); n != argsPreviewLimit {
		t.Errorf("preview length = %d, want %d", n, argsPreviewLimit)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("preview should end with ellipsis: %q", got[len(got)-10:])
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		in, phrase, id string
	}{
		{"Yes", "yes", ""},
		{"  yes   all ", "yes all", ""},
		{"no [3f9a01bc]", "no", "3f9a01bc"},
		{"yes 3F9A01BC", "yes", "3f9a01bc"},
		{"sure!", "sure", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		phrase, id := parseReply(tt.in)
		if phrase != tt.phrase || id != tt.id {
			t.Errorf("parseReply(%q) = %q, %q; want %q, %q", tt.in, phrase, id, tt.phrase, tt.id)
		}
	}
}

func TestApprovalRegistry(t *testing.T) {
	reg, err := NewApprovalRegistry(ApprovalConfig{Timeout: time.Second, AutoApproveBelow: "medium"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Ceiling() != RiskMedium {
		t.Errorf("ceiling = %s", reg.Ceiling())
	}
	a := reg.For("telegram:1", newRecorder().send)
	b := reg.For("telegram:1", newRecorder().send)
	if a != b {
		t.Error("registry must return the same correlator per participant")
	}
	if _, ok := reg.Lookup("telegram:2"); ok {
		t.Error("Lookup must not create correlators")
	}

	if _, err := NewApprovalRegistry(ApprovalConfig{AutoApproveBelow: "extreme"}, nil); err == nil {
		t.Error("expected error for unknown tier")
	}
}
