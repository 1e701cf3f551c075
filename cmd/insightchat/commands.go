package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lukasbauer/insightchat/internal/failure"
	"github.com/lukasbauer/insightchat/internal/httpapi"
)

const helpText = `Type a question and press Enter. Commands:
  /voice                 start talking
  /stop                  stop listening and end the voice session
  /stop-after            stop after the next utterance
  /new                   start a new chat
  /history               list saved transcripts
  /open <id>             open a transcript
  /delete <id>           delete a transcript
  /rename <id> <title>   rename a transcript
  /pin <msg> <chart>     pin a chart to the dashboard
  /unpin <msg> <chart>   unpin a chart
  /quit                  exit`

var errQuit = errors.New("quit")

type command struct {
	name string
	args []string
	text string // the question for plain input, the title for /rename
}

// argCount is the number of arguments each command requires.
var argCount = map[string]int{
	"voice": 0, "stop": 0, "stop-after": 0, "new": 0, "history": 0, "help": 0, "quit": 0,
	"open": 1, "delete": 1, "rename": 2, "pin": 2, "unpin": 2,
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "ask", text: line}, nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, errors.New("empty command, try /help")
	}
	cmd := command{name: strings.ToLower(fields[0]), args: fields[1:]}
	if cmd.name == "exit" {
		cmd.name = "quit"
	}
	want, ok := argCount[cmd.name]
	if !ok {
		return command{}, fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
	if len(cmd.args) < want {
		return command{}, fmt.Errorf("/%s needs %d argument(s)", cmd.name, want)
	}
	if cmd.name == "rename" {
		// Everything after the id is the title.
		rest := strings.TrimSpace(line[1+len(fields[0]):])
		cmd.text = strings.TrimSpace(strings.TrimPrefix(rest, cmd.args[0]))
		cmd.args = cmd.args[:1]
	}
	return cmd, nil
}

// execute runs cmd against the conversation. Output that is not part of the
// transcript goes to out.
func execute(ctx context.Context, conv httpapi.Conversation, cmd command, out io.Writer) error {
	switch cmd.name {
	case "ask":
		if cmd.text == "" {
			return nil
		}
		_, err := conv.Ask(ctx, cmd.text)
		return err
	case "voice":
		return conv.StartVoice(ctx)
	case "stop":
		return conv.StopVoice(ctx, false)
	case "stop-after":
		return conv.StopVoice(ctx, true)
	case "new":
		return conv.NewChat(ctx)
	case "history":
		list, err := conv.ListTranscripts(ctx)
		if err != nil && len(list) == 0 {
			return err
		}
		if err != nil {
			fmt.Fprintln(out, "(offline, showing cached list)")
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "no saved transcripts")
		}
		for _, t := range list {
			title := t.Title
			if title == "" {
				title = "untitled"
			}
			fmt.Fprintf(out, "  %s  %s\n", t.ID, title)
		}
		return nil
	case "open":
		return conv.SelectTranscript(ctx, cmd.args[0])
	case "delete":
		return conv.DeleteTranscript(ctx, cmd.args[0])
	case "rename":
		t, err := conv.RenameTranscript(ctx, cmd.args[0], cmd.text)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "renamed %s to %q\n", t.ID, t.Title)
		return nil
	case "pin", "unpin":
		msgID, index, err := resolveGraph(conv, cmd.args)
		if err != nil {
			return err
		}
		if cmd.name == "unpin" {
			return conv.UnpinGraph(ctx, msgID, index)
		}
		graphID, err := conv.PinGraph(ctx, msgID, index)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "pinned as %s\n", graphID)
		return nil
	case "help":
		fmt.Fprintln(out, helpText)
		return nil
	case "quit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q", cmd.name)
}

// resolveGraph maps the 1-based message and chart numbers shown by the
// printer to a message id and graph index.
func resolveGraph(conv httpapi.Conversation, args []string) (string, int, error) {
	msgNum, err1 := strconv.Atoi(args[0])
	chartNum, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || msgNum < 1 || chartNum < 1 {
		return "", 0, errors.New("usage: /pin <message number> <chart number>")
	}
	msgs := conv.Snapshot().Messages
	if msgNum > len(msgs) {
		return "", 0, fmt.Errorf("no message %d", msgNum)
	}
	return msgs[msgNum-1].ID, chartNum - 1, nil
}

// describe renders err for the terminal.
func describe(err error) string {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return failure.UserMessage(err)
	}
	return err.Error()
}
