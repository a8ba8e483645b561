package telegram

import (
	"reflect"
	"strings"
	"testing"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"bold", "**hello**", "<b>hello</b>"},
		{"italic", "*hello*", "<i>hello</i>"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
		{"code span", "run `go vet` first", "run <code>go vet</code> first"},
		{"heading", "# Title\n\nbody", "<b>Title</b>\n\nbody"},
		{"list", "- a\n- b", "• a\n• b"},
		{"task list", "- [x] done\n- [ ] later", "• ☑ done\n• ☐ later"},
		{"link", "[go](https://go.dev)", `<a href="https://go.dev">go</a>`},
		{"escaping", "1 < 2 & 3 > 2", "1 &lt; 2 &amp; 3 &gt; 2"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Format(tc.in); got != tc.want {
				t.Errorf("Format(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFormatCodeBlock(t *testing.T) {
	got := Format("```\nif x < 1 {\n}\n```")
	want := "<pre>if x &lt; 1 {\n}\n</pre>"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatTable(t *testing.T) {
	got := Format("| a | b |\n|---|---|\n| 1 | 2 |")
	want := "<pre>| a | b |\n|---|---|\n| 1 | 2 |\n</pre>"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); !reflect.DeepEqual(got, []string{"short"}) {
		t.Errorf("splitMessage = %v", got)
	}

	got := splitMessage(strings.Repeat("x", 15), 10)
	want := []string{strings.Repeat("x", 10), strings.Repeat("x", 5)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("hard split = %v, want %v", got, want)
	}

	got = splitMessage("aaaa\nbbbb\ncccc", 10)
	want = []string{"aaaa\nbbbb", "cccc"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("newline split = %v, want %v", got, want)
	}
}
