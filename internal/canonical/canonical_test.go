package canonical

import (
	"strings"
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	got, err := JCS(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(got) != `{"a":"x","b":1}` {
		t.Errorf("got %s, want {\"a\":\"x\",\"b\":1}", got)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	got, err := JCS(map[string]string{"url": "https://a.example/x?y=1&z=<2>"})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if strings.Contains(string(got), `<`) || strings.Contains(string(got), `&`) {
		t.Errorf("HTML escaping leaked into canonical form: %s", got)
	}
}

func TestCompactPreservesFieldOrder(t *testing.T) {
	v := struct {
		TicketID   string `json:"ticket_id"`
		ApprovedBy string `json:"approved_by"`
		ApprovedAt string `json:"approved_at"`
	}{"JIRA-123", "alice@example.com", "2026-01-15T10:30:00Z"}

	got, err := Compact(v)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	want := `{"ticket_id":"JIRA-123","approved_by":"alice@example.com","approved_at":"2026-01-15T10:30:00Z"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestHashGoldenVectors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty",
			input: "",
			want:  "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:  "golden thread",
			input: `{"ticket_id":"JIRA-123","approved_by":"alice@example.com","approved_at":"2026-01-15T10:30:00Z"}`,
			want:  "sha256:85bc7509a6d441e332a55b51ca0f4d8114ba882140069dc275de22d7a0d9d7ce",
		},
		{
			name:  "sorted object",
			input: `{"a":"x","b":1}`,
			want:  "sha256:cdab067e9f3beb32d1252cfd63e492592fecbf591b0d08cadb24bb17f3864246",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Hash([]byte(tt.input)); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHashJCSDeterministic(t *testing.T) {
	v := map[string]any{"z": []int{3, 2, 1}, "a": map[string]string{"k": "v"}}
	first, err := HashJCS(v)
	if err != nil {
		t.Fatalf("HashJCS failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := HashJCS(v)
		if err != nil {
			t.Fatalf("HashJCS failed: %v", err)
		}
		if again != first {
			t.Fatalf("hash changed between calls: %s vs %s", first, again)
		}
	}
}
