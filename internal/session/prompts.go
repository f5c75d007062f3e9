// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"strings"

	"github.com/jeranaias/pagebrief/internal/content"
)

// systemPrompt is shared by every mode: the model only ever sees one page
// and one instruction.
const systemPrompt = "You are a reading assistant. You are given the text of " +
	"a single web page. Answer only from that text; if the page does not " +
	"contain the answer, say so. Respond in Markdown."

// modeInstructions maps each mode to its task line.
var modeInstructions = map[Mode]string{
	ModeBrief:   "Summarize this page in a few short paragraphs. Lead with the single most important point.",
	ModeExplain: "Explain this page in plain language for a reader new to the topic. Define jargon as you go.",
	ModeQuery:   "Answer the question using only the page text.",
}

// buildPrompt assembles the single-turn prompt for a run. Page content is
// already capped by the content package before it reaches here.
func buildPrompt(mode Mode, page *content.Page, question string) string {
	var b strings.Builder

	b.WriteString(modeInstructions[mode])
	b.WriteString("\n\n")

	if page.Title != "" {
		b.WriteString("Page title: ")
		b.WriteString(page.Title)
		b.WriteString("\n")
	}
	if page.SiteName != "" {
		b.WriteString("Site: ")
		b.WriteString(page.SiteName)
		b.WriteString("\n")
	}

	if mode == ModeQuery {
		b.WriteString("\nQuestion: ")
		b.WriteString(strings.TrimSpace(question))
		b.WriteString("\n")
	}

	b.WriteString("\nPage text:\n")
	b.WriteString(page.Content)

	return b.String()
}
