package main

import (
	"github.com/alecthomas/kong"
)

// DocCmd prints the full command tree as markdown, driven by
// MarkdownHelpPrinter.
type DocCmd struct{}

func (c *DocCmd) Run(cctx *Context) error {
	parser, err := kong.New(&CLI{}, kong.Description(description))
	if err != nil {
		return err
	}
	kctx, err := kong.Trace(parser, []string{})
	if err != nil {
		return err
	}
	return MarkdownHelpPrinter(kong.HelpOptions{}, kctx)
}
