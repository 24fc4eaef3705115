package bridge

import (
	"fmt"
	"strings"

	"github.com/helloml/voicebridge/internal/store"
)

// greetingTrigger is the synthetic user message that makes the model open
// the conversation as soon as the media stream is live.
const greetingTrigger = "[Call connected]"

// goodbyeInstruction is injected as a system item when the model has asked
// to end the call, so it says goodbye before the line drops.
const goodbyeInstruction = "The call is ending. Say your goodbye message to the caller now."

// Instructions assembles the session instructions for one call from the
// agent and business configuration.
func Instructions(snap *store.AgentSnapshot) string {
	var b strings.Builder

	prompt := strings.TrimSpace(snap.Agent.SystemPrompt)
	if prompt == "" {
		prompt = fmt.Sprintf(
			"You are %s, a friendly phone assistant answering calls for %s.",
			orDefault(snap.Agent.Name, "the assistant"), orDefault(snap.Business.Name, "the business"),
		)
	}
	b.WriteString(prompt)
	b.WriteString("\n\n")

	b.WriteString("Business details:\n")
	writeDetail(&b, "Name", snap.Business.Name)
	writeDetail(&b, "Address", snap.Business.Address)
	writeDetail(&b, "Email", snap.Business.ContactEmail)
	writeDetail(&b, "Phone", snap.Business.Phone)
	b.WriteString("\n")

	b.WriteString("You are speaking on a live phone call. Keep answers short and conversational. " +
		"Never read out URLs, markdown, or long lists. " +
		"Use the search_knowledge_base tool before answering questions about the business. " +
		"When the caller is done, use the end_call tool to hang up.\n")

	if snap.Tool(store.ProviderGoogleCalendar) != nil {
		b.WriteString("You can check availability with check_calendar and book appointments " +
			"with create_calendar_event once the caller confirms a time.\n")
	}

	if g := strings.TrimSpace(snap.Agent.Greeting); g != "" {
		fmt.Fprintf(&b, "\nWhen the call connects, greet the caller with: %q\n", g)
	}
	if g := strings.TrimSpace(snap.Agent.Goodbye); g != "" {
		fmt.Fprintf(&b, "When the call ends, say goodbye with: %q\n", g)
	}

	return b.String()
}

func writeDetail(b *strings.Builder, label, value string) {
	if value != "" {
		fmt.Fprintf(b, "- %s: %s\n", label, value)
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
