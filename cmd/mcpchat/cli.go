package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chris/mcpchat/internal/agent"
	"github.com/chris/mcpchat/internal/conversation"
	"github.com/chris/mcpchat/internal/db"
	"github.com/chris/mcpchat/internal/llm"
)

const prompt = "you> "

type runner interface {
	Run(ctx context.Context, conv *conversation.Conversation, input string) (agent.Result, error)
}

type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	isPipe bool
}

func newCLI(in io.Reader, out, errOut io.Writer) *cli {
	c := &cli{in: in, out: out, errOut: errOut, isPipe: true}
	// Check if stdin is a pipe (non-interactive)
	if f, ok := in.(*os.File); ok {
		if stat, err := f.Stat(); err == nil {
			c.isPipe = (stat.Mode() & os.ModeCharDevice) == 0
		}
	}
	return c
}

// run reads lines until exit, EOF or ctx is cancelled. A failed turn is
// reported and the loop continues with the same conversation.
func (c *cli) run(ctx context.Context, r runner, conv *conversation.Conversation) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.prompt()
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			return nil
		}

		input := strings.TrimSpace(line)
		switch {
		case input == "":
			c.prompt()
			continue
		case strings.EqualFold(input, "exit"), strings.EqualFold(input, "quit"):
			return nil
		case strings.EqualFold(input, "reset"):
			conv.Reset()
			fmt.Fprintf(c.out, "started conversation %s\n", conv.ID())
			c.prompt()
			continue
		}

		res, err := r.Run(ctx, conv, input)
		if err != nil {
			fmt.Fprintf(c.errOut, "error: %v\n", err)
		} else {
			fmt.Fprintln(c.out, res.Reply)
		}

		if c.isPipe {
			return nil // single exchange in pipe mode
		}
		c.prompt()
	}
}

func (c *cli) prompt() {
	if !c.isPipe {
		fmt.Fprint(c.out, prompt)
	}
}

// toolProgress prints one line per tool call in interactive mode.
func (c *cli) toolProgress(call llm.ToolCall, output string, err error, elapsed time.Duration) {
	if c.isPipe {
		return
	}
	if err != nil {
		fmt.Fprintf(c.errOut, "  %s failed after %s: %v\n", call.Name, elapsed.Round(time.Millisecond), err)
		return
	}
	fmt.Fprintf(c.errOut, "  %s returned %s in %s\n", call.Name, humanize.Bytes(uint64(len(output))), elapsed.Round(time.Millisecond))
}

type conversationLister interface {
	ListConversations(limit int) ([]db.ConversationSummary, error)
}

func listConversations(w io.Writer, store conversationLister) error {
	convs, err := store.ListConversations(20)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(w, "no stored conversations")
		return nil
	}
	for _, s := range convs {
		fmt.Fprintf(w, "%s  %-14s  %3d turns  %s\n", s.ID, humanize.Time(s.UpdatedAt), s.Turns, preview(s.Preview, 60))
	}
	return nil
}

// preview flattens s to one line of at most n runes.
func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
