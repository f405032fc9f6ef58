package argrule_test

import (
	"strings"
	"testing"

	"github.com/a2y-d5l/pipeproc/internal/argrule"
)

func TestGeneric_NoRestrictions(t *testing.T) {
	g := argrule.Generic{}
	if err := g.Validate([]string{"%", "", "\x01", `"unbalanced`}); err != nil {
		t.Fatalf("generic rule should never reject: %v", err)
	}
	got := g.Format("/bin/echo", []string{"a", "b"})
	want := []string{"/bin/echo", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestBatchScript_Validate(t *testing.T) {
	b := argrule.BatchScript{}

	tests := []struct {
		name    string
		arg     string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"empty", "", true},
		{"percent", "50%done", true},
		{"control", "a\x01b", true},
		{"balanced-quotes", `"quoted"`, false},
		{"unbalanced-open", `"quoted`, true},
		{"unbalanced-close", `quoted"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Validate([]string{tt.arg})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%q) error = %v, wantErr %v", tt.arg, err, tt.wantErr)
			}
			if err != nil {
				var ve *argrule.ViolationError
				if !asViolation(err, &ve) {
					t.Fatalf("expected *ViolationError, got %T", err)
				}
			}
		})
	}
}

func asViolation(err error, target **argrule.ViolationError) bool {
	ve, ok := err.(*argrule.ViolationError)
	if ok {
		*target = ve
	}
	return ok
}

func TestBatchScript_FormatEscapesActiveChars(t *testing.T) {
	b := argrule.BatchScript{}
	got := b.Format("run.bat", []string{"a&b"})
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	want := `"a^&b"`
	if got[1] != want {
		t.Fatalf("got %q want %q", got[1], want)
	}
}

func TestPowerShell_FormatWrapsInvocation(t *testing.T) {
	p := argrule.PowerShell{}
	got := p.Format("script.ps1", []string{"-Verbose"})
	want := "powershell.exe -ExecutionPolicy Bypass -File script.ps1 -Verbose"
	if strings.Join(got, " ") != want {
		t.Fatalf("got %q want %q", strings.Join(got, " "), want)
	}
	if err := p.Validate([]string{"%anything"}); err != nil {
		t.Fatalf("powershell rule passes args through unchecked: %v", err)
	}
}
