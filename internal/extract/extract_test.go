package extract

import (
	"reflect"
	"strings"
	"testing"

	"contextmem/internal/item"
)

func chatArtifact(body string) *item.Artifact {
	return &item.Artifact{Workspace: "ws1", ID: "A1", Thread: "t1", ContentType: item.ContentChat, Body: body}
}

func TestChatExtractionSubtypes(t *testing.T) {
	a := chatArtifact("User: We must use JWT for auth.\nAssistant: Agreed. We will store refresh tokens in httpOnly cookies.")
	got := New().Extract(a)

	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(got), got)
	}
	if got[0].Subtype != item.SubtypeRequirement {
		t.Errorf("first candidate subtype = %s, want requirement", got[0].Subtype)
	}
	if !strings.Contains(got[0].Summary, "use JWT for auth") {
		t.Errorf("first summary = %q", got[0].Summary)
	}
	if got[1].Subtype != item.SubtypeDecision {
		t.Errorf("second candidate subtype = %s, want decision", got[1].Subtype)
	}
	if !strings.Contains(got[1].Summary, "refresh tokens") {
		t.Errorf("second summary = %q", got[1].Summary)
	}
}

func TestChatClassification(t *testing.T) {
	cases := []struct {
		text string
		want item.Subtype
	}{
		{"User: Let's use JWT.", item.SubtypeDecision},
		{"User: Instead of JWT, use opaque session tokens.", item.SubtypeDecision},
		{"User: We'll switch to Postgres next sprint.", item.SubtypeDecision},
		{"User: The service should retry twice.", item.SubtypeRequirement},
		{"User: You need to validate the nonce.", item.SubtypeRequirement},
		{"User: Do not log request bodies.", item.SubtypeConstraint},
		{"User: Tokens must not outlive the session.", item.SubtypeConstraint},
		{"User: Fix the flaky login test.", item.SubtypeTask},
		{"User: Implement the retry backoff.", item.SubtypeTask},
		{"User: I would rather keep the config in YAML.", item.SubtypePreference},
		{"User: The AuthHandler wraps validateToken().", item.SubtypeEntity},
	}
	ex := New()
	for _, tc := range cases {
		got := ex.Extract(chatArtifact(tc.text))
		if len(got) != 1 {
			t.Errorf("%q: got %d candidates, want 1", tc.text, len(got))
			continue
		}
		if got[0].Subtype != tc.want {
			t.Errorf("%q: subtype = %s, want %s", tc.text, got[0].Subtype, tc.want)
		}
	}
}

func TestChatFillerDropped(t *testing.T) {
	got := New().Extract(chatArtifact("User: ok\nAssistant: thanks, sounds good to me"))
	if len(got) != 0 {
		t.Errorf("filler produced %d candidates: %+v", len(got), got)
	}
}

func TestChatDeterministicOrder(t *testing.T) {
	a := chatArtifact("User: We must ship auth. Let's use JWT. Fix the login test.")
	first := New().Extract(a)
	second := New().Extract(a)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("extraction is not deterministic")
	}
	if len(first) != 3 {
		t.Fatalf("got %d candidates, want 3", len(first))
	}
	for i := 1; i < len(first); i++ {
		if first[i].Span.Start <= first[i-1].Span.Start {
			t.Errorf("candidates out of document order")
		}
	}
}

func TestChatSpanOffsets(t *testing.T) {
	body := "User: We must use JWT for auth."
	a := chatArtifact(body)
	got := New().Extract(a)
	if len(got) != 1 {
		t.Fatalf("got %d candidates", len(got))
	}
	sp := got[0].Span
	if sp.ArtifactID != "A1" {
		t.Errorf("span artifact = %s", sp.ArtifactID)
	}
	if body[sp.Start:sp.End] != "We must use JWT for auth" {
		t.Errorf("span covers %q", body[sp.Start:sp.End])
	}
}

func TestChatInlineRefs(t *testing.T) {
	got := New().Extract(chatArtifact("User: We will revisit S3 after E12 is resolved."))
	if len(got) != 1 {
		t.Fatalf("got %d candidates", len(got))
	}
	if !reflect.DeepEqual(got[0].Refs, []string{"S3", "E12"}) {
		t.Errorf("refs = %v", got[0].Refs)
	}
}

func TestChatSalienceModulation(t *testing.T) {
	ex := New()
	plain := ex.Extract(chatArtifact("User: Fix the login test."))
	urgent := ex.Extract(chatArtifact("User: Fix the critical login test."))
	if len(plain) != 1 || len(urgent) != 1 {
		t.Fatalf("unexpected candidate counts")
	}
	if urgent[0].Salience <= plain[0].Salience {
		t.Errorf("boost cue did not raise salience: %f vs %f", urgent[0].Salience, plain[0].Salience)
	}
}

func TestChatTags(t *testing.T) {
	got := New().Extract(chatArtifact("User: We must use JWT for auth over HTTPS."))
	if len(got) != 1 {
		t.Fatalf("got %d candidates", len(got))
	}
	tags, _ := got[0].Payload["tags"].([]string)
	want := []string{"auth", "https", "jwt"}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("tags = %v, want %v", tags, want)
	}
}

func TestDiffExtraction(t *testing.T) {
	diff := `--- a/auth/token.go
+++ b/auth/token.go
@@ -10,4 +10,6 @@
 func unchanged() {}
+func RefreshToken(s string) error {
+	return nil
+}
-func OldRefresh() {}
`
	a := &item.Artifact{Workspace: "ws1", ID: "A2", ContentType: item.ContentDiff, Body: diff}
	got := New().Extract(a)

	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(got), got)
	}
	for _, c := range got {
		if c.Subtype != item.SubtypeEntity {
			t.Errorf("subtype = %s, want entity", c.Subtype)
		}
		if c.Payload["file"] != "auth/token.go" {
			t.Errorf("file = %v", c.Payload["file"])
		}
	}
	if got[0].Payload["symbol"] != "RefreshToken" || got[1].Payload["symbol"] != "OldRefresh" {
		t.Errorf("symbols = %v, %v", got[0].Payload["symbol"], got[1].Payload["symbol"])
	}
	if got[0].Payload["hunk_start"] != 10 {
		t.Errorf("hunk_start = %v", got[0].Payload["hunk_start"])
	}
}

func TestDiffDeduplicatesSymbolsPerFile(t *testing.T) {
	diff := `+++ b/main.go
@@ -1,2 +1,2 @@
-func main() {
+func main() {
`
	got := New().Extract(&item.Artifact{ID: "A3", ContentType: item.ContentDiff, Body: diff})
	if len(got) != 1 {
		t.Errorf("symbol repeated across +/- lines: %d candidates", len(got))
	}
}

func TestLogExtraction(t *testing.T) {
	logs := "2025-01-01 ERROR connection refused\n2025-01-02 INFO started worker\n2025-01-03 --- FAIL: TestLogin failed\n"
	got := New().Extract(&item.Artifact{ID: "A4", ContentType: item.ContentLogs, Body: logs})

	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	wants := []item.Subtype{item.SubtypeError, item.SubtypeLog, item.SubtypeTestFailure}
	for i, want := range wants {
		if got[i].Subtype != want {
			t.Errorf("line %d subtype = %s, want %s", i, got[i].Subtype, want)
		}
	}
}

func TestLogContinuationLines(t *testing.T) {
	logs := "2025-01-01 ERROR panic in handler\n  goroutine 7 [running]:\n  main.handle(0x0)\n2025-01-02 INFO recovered\n"
	got := New().Extract(&item.Artifact{ID: "A5", ContentType: item.ContentLogs, Body: logs})

	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if !strings.Contains(got[0].Body, "goroutine 7") {
		t.Errorf("stack trace not attached to error record: %q", got[0].Body)
	}
	if got[0].Subtype != item.SubtypeError || got[1].Subtype != item.SubtypeLog {
		t.Errorf("subtypes = %s, %s", got[0].Subtype, got[1].Subtype)
	}
}

func TestLogSalienceDefaults(t *testing.T) {
	logs := "2025-01-01 ERROR boom\n2025-01-01 INFO fine\n"
	got := New().Extract(&item.Artifact{ID: "A6", ContentType: item.ContentLogs, Body: logs})
	if len(got) != 2 {
		t.Fatalf("got %d candidates", len(got))
	}
	if got[0].Salience != 0.75 {
		t.Errorf("error salience = %f, want 0.75", got[0].Salience)
	}
	if got[1].Salience != 0.4 {
		t.Errorf("log salience = %f, want 0.4", got[1].Salience)
	}
}
