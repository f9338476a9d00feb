// Package parse turns raw input text into a structured command. It is
// deterministic and side-effect free: malformed input degrades to a
// typed Error or Unknown command instead of failing.
package parse

import (
	"strings"

	"github.com/google/shlex"
)

// Kind classifies a parsed command.
type Kind string

// Command kinds.
const (
	KindProgram  Kind = "program"  // sequence of pipelines/commands
	KindPipeline Kind = "pipeline" // ordered sequence of simple commands
	KindCommand  Kind = "command"  // a single simple command
	KindError    Kind = "error"    // malformed input with a message
	KindUnknown  Kind = "unknown"  // unparseable input, raw text preserved
)

// Redirect is a single redirection in a command.
type Redirect struct {
	Op     string // ">", ">>", "<", "2>", "&>"
	Target string // may be empty when the user is still typing
}

// Command is the structured form of parsed input.
type Command struct {
	Kind      Kind
	Name      string
	Args      []string   // non-option positional arguments
	Options   []string   // "-x" / "--long" tokens
	Redirects []Redirect
	Pipeline  []Command // populated for KindPipeline
	Commands  []Command // populated for KindProgram
	Raw       string    // original text, always preserved
	Message   string    // populated for KindError
}

// program separators, checked as standalone tokens.
var separators = map[string]bool{";": true, "&&": true, "||": true}

// redirect operators, checked as standalone tokens and as prefixes.
var redirectOps = []string{"&>", "2>", ">>", ">", "<"}

// Parse parses text into a Command. It never returns an error: shlex
// failures (an unterminated quote, typically mid-keystroke) yield
// KindUnknown with the raw text preserved so completion can still
// reason about the trailing token.
func Parse(text string) Command {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Command{Kind: KindUnknown, Raw: text}
	}

	tokens, err := shlex.Split(trimmed)
	if err != nil {
		return Command{Kind: KindUnknown, Raw: text}
	}
	if len(tokens) == 0 {
		return Command{Kind: KindUnknown, Raw: text}
	}

	groups, ok := splitProgram(tokens)
	if !ok {
		return Command{
			Kind:    KindError,
			Raw:     text,
			Message: "empty command before separator",
		}
	}

	if len(groups) == 1 {
		return parsePipeline(groups[0], text)
	}

	prog := Command{Kind: KindProgram, Raw: text}
	for _, g := range groups {
		prog.Commands = append(prog.Commands, parsePipeline(g, ""))
	}
	return prog
}

// splitProgram splits a token stream on ";", "&&" and "||". It reports
// false when a separator has no command on one side.
func splitProgram(tokens []string) ([][]string, bool) {
	var groups [][]string
	var current []string

	for _, tok := range tokens {
		if separators[tok] {
			if len(current) == 0 {
				return nil, false
			}
			groups = append(groups, current)
			current = nil
			continue
		}
		current = append(current, tok)
	}
	if len(current) == 0 {
		// Trailing separator: treat as malformed.
		return nil, false
	}
	groups = append(groups, current)
	return groups, true
}

// parsePipeline parses one pipeline group, splitting on "|".
func parsePipeline(tokens []string, raw string) Command {
	var stages [][]string
	var current []string

	for _, tok := range tokens {
		if tok == "|" {
			if len(current) == 0 {
				return Command{Kind: KindError, Raw: raw, Message: "empty pipeline stage"}
			}
			stages = append(stages, current)
			current = nil
			continue
		}
		current = append(current, tok)
	}
	if len(current) == 0 {
		return Command{Kind: KindError, Raw: raw, Message: "empty pipeline stage"}
	}
	stages = append(stages, current)

	if len(stages) == 1 {
		return parseSimple(stages[0], raw)
	}

	pipe := Command{Kind: KindPipeline, Raw: raw}
	for _, s := range stages {
		pipe.Pipeline = append(pipe.Pipeline, parseSimple(s, ""))
	}
	// The pipeline's name is its first stage's name, which is what the
	// history and pattern stores key on.
	pipe.Name = pipe.Pipeline[0].Name
	return pipe
}

// parseSimple parses a single command's tokens into name, options,
// positional args and redirects.
func parseSimple(tokens []string, raw string) Command {
	cmd := Command{Kind: KindCommand, Name: tokens[0], Raw: raw}

	rest := tokens[1:]
	for i := 0; i < len(rest); i++ {
		tok := rest[i]

		if op, target, ok := matchRedirect(tok); ok {
			if target == "" && i+1 < len(rest) {
				i++
				target = rest[i]
			}
			cmd.Redirects = append(cmd.Redirects, Redirect{Op: op, Target: target})
			continue
		}

		if strings.HasPrefix(tok, "-") && tok != "-" {
			cmd.Options = append(cmd.Options, tok)
			continue
		}

		cmd.Args = append(cmd.Args, tok)
	}
	return cmd
}

// matchRedirect reports whether tok is or begins with a redirect
// operator, returning the operator and any attached target
// (">out.txt" yields ">" and "out.txt").
func matchRedirect(tok string) (op, target string, ok bool) {
	for _, r := range redirectOps {
		if tok == r {
			return r, "", true
		}
		if strings.HasPrefix(tok, r) {
			return r, strings.TrimPrefix(tok, r), true
		}
	}
	return "", "", false
}

// LastToken returns the trailing (possibly partial) token of raw input,
// including an unterminated quote or variable sigil. Completion uses it
// to decide what the user is in the middle of typing.
func LastToken(text string) string {
	if text == "" || strings.HasSuffix(text, " ") {
		return ""
	}
	idx := strings.LastIndexAny(text, " \t")
	return text[idx+1:]
}
