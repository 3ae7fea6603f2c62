package unitfile

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/cnelson/go-fleet/fleeterr"
)

func TestParse_CommentsIgnored(t *testing.T) {
	opts, err := ParseString("[Service]\n# comment\nExecStart=/usr/bin/sleep 1d")
	if err != nil {
		t.Fatalf("ParseString() error: %v", err)
	}
	want := []Option{{Section: "Service", Name: "ExecStart", Value: "/usr/bin/sleep 1d"}}
	if !reflect.DeepEqual(opts, want) {
		t.Errorf("ParseString() = %v, want %v", opts, want)
	}
}

func TestParse_Continuation(t *testing.T) {
	opts, err := ParseString("[Section]\nThisLine=The start of \\\nsomething very\\\n long and boring\n")
	if err != nil {
		t.Fatalf("ParseString() error: %v", err)
	}
	if len(opts) != 1 {
		t.Fatalf("got %d options, want 1: %v", len(opts), opts)
	}
	want := Option{Section: "Section", Name: "ThisLine", Value: "The start of something very long and boring"}
	if opts[0] != want {
		t.Errorf("option = %+v, want %+v", opts[0], want)
	}
}

func TestParse_ContinuationEdges(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Option
	}{
		{
			name: "continuation at end of input",
			text: "[Service]\nExecStart=/bin/echo \\",
			want: []Option{{"Service", "ExecStart", "/bin/echo"}},
		},
		{
			name: "comment inside continuation skipped",
			text: "[Service]\nExecStart=/bin/echo \\\n# note\n  hello",
			want: []Option{{"Service", "ExecStart", "/bin/echo hello"}},
		},
		{
			name: "blank line ends continuation",
			text: "[Service]\nExecStart=/bin/echo \\\n\nUser=core",
			want: []Option{{"Service", "ExecStart", "/bin/echo"}, {"Service", "User", "core"}},
		},
		{
			name: "bracket line inside continuation is content",
			text: "[Service]\nExecStart=/bin/echo \\\n[x]",
			want: []Option{{"Service", "ExecStart", "/bin/echo [x]"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseString(tt.text)
			if err != nil {
				t.Fatalf("ParseString() error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParse_RepeatedOptionsKeepOrder(t *testing.T) {
	text := `
[Unit]
Description=Hello
After=docker.service
After=etcd.service

[Service]
ExecStartPre=-/usr/bin/docker rm hello
ExecStart=/usr/bin/docker run --name hello busybox /bin/sh -c "while true; do echo Hello; sleep 1; done"

[X-Fleet]
Conflicts=hello@*.service
`
	opts, err := ParseString(text)
	if err != nil {
		t.Fatalf("ParseString() error: %v", err)
	}
	var names []string
	for _, o := range opts {
		names = append(names, o.Section+"."+o.Name)
	}
	want := []string{"Unit.Description", "Unit.After", "Unit.After", "Service.ExecStartPre", "Service.ExecStart", "X-Fleet.Conflicts"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("option order = %v, want %v", names, want)
	}
	if opts[2].Value != "etcd.service" {
		t.Errorf("second After = %q, want etcd.service", opts[2].Value)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantLine int
	}{
		{"option outside section", "SomeKey=WithNoSection", 1},
		{"missing equals", "[Section]\nSome Line with No Equals", 2},
		{"comment then stray line", "# header\n\nstray", 3},
		{"empty section", "[]\nA=b", 1},
		{"continued line without equals", "[S]\nA=b\nfoo \\\nbar", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseString(tt.text)
			var fe *fleeterr.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("ParseString() error = %v, want *FormatError", err)
			}
			if fe.Line != tt.wantLine {
				t.Errorf("error line = %d, want %d", fe.Line, tt.wantLine)
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.service")
	if err := os.WriteFile(path, []byte("[Service]\nExecStart=/usr/bin/sleep 1d\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	opts, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error: %v", err)
	}
	if len(opts) != 1 || opts[0].Value != "/usr/bin/sleep 1d" {
		t.Errorf("ParseFile() = %v", opts)
	}

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.service"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ParseFile(missing) error = %v, want os.ErrNotExist", err)
	}
}

func TestSerialize(t *testing.T) {
	text := "[Service]\nExecStart=/usr/bin/sleep 1d"
	opts, err := ParseString(text)
	if err != nil {
		t.Fatalf("ParseString() error: %v", err)
	}
	if got := Serialize(opts); got != text {
		t.Errorf("Serialize() = %q, want %q", got, text)
	}
}

func TestSerialize_GroupsSections(t *testing.T) {
	opts := []Option{
		{"Unit", "Description", "x"},
		{"Service", "ExecStart", "/bin/true"},
		{"Unit", "After", "y"},
	}
	got := Serialize(opts)
	want := "[Unit]\nDescription=x\nAfter=y\n[Service]\nExecStart=/bin/true"
	if got != want {
		t.Errorf("Serialize() = %q, want %q", got, want)
	}
	if Serialize(nil) != "" {
		t.Error("Serialize(nil) should be empty")
	}
}

func sortedOptions(opts []Option) []Option {
	out := append([]Option(nil), opts...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

func assertRoundTrip(t *testing.T, text string) {
	t.Helper()
	first, err := ParseString(text)
	if err != nil {
		t.Fatalf("first parse error: %v\n%s", err, text)
	}
	second, err := ParseString(Serialize(first))
	if err != nil {
		t.Fatalf("second parse error: %v", err)
	}
	if !reflect.DeepEqual(sortedOptions(first), sortedOptions(second)) {
		t.Errorf("round trip changed options:\nfirst:  %v\nsecond: %v", first, second)
	}
}

func TestRoundTrip_Fixtures(t *testing.T) {
	fixtures := []string{
		"[Service]\n# comment\nExecStart=/usr/bin/sleep 1d",
		"[Section]\nThisLine=The start of \\\nsomething very\\\n long and boring\n",
		"[Unit]\nA=1\n[Service]\nB=2\n[Unit]\nC=3\n",
		"[X-Fleet]\nMachineMetadata=role=web\nMachineMetadata=region=us-east\n",
		"[Service]\nEnvironment=\"A=b c\"\nEmpty=\n=novalue\n",
	}
	for i, text := range fixtures {
		t.Run(fmt.Sprintf("fixture-%d", i), func(t *testing.T) {
			assertRoundTrip(t, text)
		})
	}
}

// randomUnitText builds well-formed unit file text with comments, blank
// lines, repeated sections and continuations.
func randomUnitText(r *rand.Rand) string {
	sections := []string{"Unit", "Service", "X-Fleet", "Install", "Socket"}
	names := []string{"After", "ExecStart", "Description", "Conflicts", "Environment"}
	words := []string{"alpha", "/usr/bin/docker", "run", "--rm", "x=y", "a\\b", "[not-a-section]", "#hash"}

	var b strings.Builder
	for s := 0; s < 1+r.Intn(4); s++ {
		fmt.Fprintf(&b, "[%s]\n", sections[r.Intn(len(sections))])
		for o := 0; o < r.Intn(5); o++ {
			if r.Intn(4) == 0 {
				b.WriteString("# a comment\n\n")
			}
			fmt.Fprintf(&b, "%s=%s", names[r.Intn(len(names))], words[r.Intn(len(words))])
			for c := 0; c < r.Intn(3); c++ {
				fmt.Fprintf(&b, " \\\n   %s", words[r.Intn(len(words))])
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func TestRoundTrip_Generated(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		assertRoundTrip(t, randomUnitText(r))
	}
}
