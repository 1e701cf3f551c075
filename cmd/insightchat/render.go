package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/lukasbauer/insightchat/internal/backend"
	"github.com/lukasbauer/insightchat/internal/conversation"
)

// printer writes the parts of successive snapshots that changed.
type printer struct {
	w io.Writer

	transcriptID string
	firstID      string
	shown        int
	voice        string
	notice       string
	caption      string
	loading      bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, voice: "idle"}
}

func (p *printer) render(s conversation.Snapshot) {
	if s.Voice != p.voice {
		fmt.Fprintf(p.w, "-- voice %s --\n", s.Voice)
		p.voice = s.Voice
	}
	if s.TranscriptID != p.transcriptID {
		if s.TranscriptID != "" {
			fmt.Fprintf(p.w, "-- transcript %s --\n", s.TranscriptID)
		}
		p.transcriptID = s.TranscriptID
	}
	if s.Loading && !p.loading {
		fmt.Fprintln(p.w, "loading…")
	}
	p.loading = s.Loading

	// A switch clears the list and a history load prepends to it; both
	// change the first message, so the view is printed again.
	first := ""
	if len(s.Messages) > 0 {
		first = s.Messages[0].ID
	}
	if len(s.Messages) < p.shown || first != p.firstID {
		if p.shown > 0 {
			fmt.Fprintln(p.w, "-- new view --")
		}
		p.shown = 0
		p.firstID = first
	}
	for i := p.shown; i < len(s.Messages); i++ {
		writeMessage(p.w, i+1, s.Messages[i])
	}
	p.shown = len(s.Messages)

	if s.Caption != p.caption && s.Caption != "" {
		fmt.Fprintf(p.w, "   (agent) %s\n", s.Caption)
	}
	p.caption = s.Caption
	if s.Notice != p.notice && s.Notice != "" {
		fmt.Fprintf(p.w, "!! %s\n", s.Notice)
	}
	p.notice = s.Notice
}

func writeMessage(w io.Writer, n int, m conversation.Message) {
	who := "you"
	switch {
	case m.IsError:
		who = "error"
	case m.Role == backend.RoleAssistant:
		who = "assistant"
	}
	text := m.Text
	if text == "" && len(m.Graphs) > 0 {
		text = "(chart)"
	}
	fmt.Fprintf(w, "[%d] %s: %s\n", n, who, strings.TrimSpace(text))
	for i, g := range m.Graphs {
		title := g.Title
		if title == "" {
			title = "untitled"
		}
		pin := ""
		if g.GraphID != "" {
			pin = " [pinned]"
		}
		fmt.Fprintf(w, "      chart %d: %s (%s)%s\n", i+1, title, g.Type, pin)
	}
}
