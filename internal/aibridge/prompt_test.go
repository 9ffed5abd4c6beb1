package aibridge

import (
	"strings"
	"testing"
)

func TestBuildSystemInstruction_CustomerIncludesContext(t *testing.T) {
	out := BuildSystemInstruction(PromptInput{
		LineName:        "Acme Plumbing",
		CallerName:      "Mario",
		Recognized:      true,
		IsCustomer:      true,
		CustomerContext: "Open order #1234, delivery scheduled Friday.",
	})

	for _, want := range []string{"Acme Plumbing", "Mario", "Open order #1234", "press zero"} {
		if !strings.Contains(out, want) {
			t.Fatalf("instruction missing %q:\n%s", want, out)
		}
	}
}

func TestBuildSystemInstruction_UnknownCallerGetsDiscovery(t *testing.T) {
	out := BuildSystemInstruction(PromptInput{LineName: "Acme Plumbing"})

	if !strings.Contains(out, "find out their name") {
		t.Fatalf("unknown caller needs discovery instructions:\n%s", out)
	}
	if strings.Contains(out, "known customer") {
		t.Fatalf("unknown caller must not get the customer framing")
	}
	if !strings.Contains(out, "offer to set one up") {
		t.Fatalf("unknown caller needs the soft appointment offer:\n%s", out)
	}
	if !strings.Contains(out, "never a formal sales register") {
		t.Fatalf("unknown caller must keep the warm register:\n%s", out)
	}
}

func TestBuildSystemInstruction_CarriesVoiceCallConstraints(t *testing.T) {
	out := BuildSystemInstruction(PromptInput{LineName: "Acme Plumbing"})

	for _, want := range []string{
		"natural pauses",
		"digit by digit",
		"empathy",
		"one question at a time",
		"markdown",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("instruction missing %q:\n%s", want, out)
		}
	}
}

func TestBuildSystemInstruction_RecognizedNonCustomerStaysNeutral(t *testing.T) {
	out := BuildSystemInstruction(PromptInput{
		LineName:   "Acme Plumbing",
		CallerName: "Mario",
		Recognized: true,
	})

	if strings.Contains(out, "Mario") {
		t.Fatalf("non-customer instruction must not leak the name:\n%s", out)
	}
	if !strings.Contains(out, "do not mention whether they are on file") {
		t.Fatalf("non-customer instruction must forbid disclosure:\n%s", out)
	}
	if !strings.Contains(out, "offer to set one up") {
		t.Fatalf("non-customer instruction needs the soft appointment offer:\n%s", out)
	}
}

func TestBuildSystemInstruction_EmptyLineNameFallsBack(t *testing.T) {
	out := BuildSystemInstruction(PromptInput{})
	if !strings.Contains(out, "this business") {
		t.Fatalf("expected generic business fallback:\n%s", out)
	}
}
