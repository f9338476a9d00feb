package generate

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tern-sh/tern/internal/completion/ctxbuild"
	"github.com/tern-sh/tern/internal/completion/parse"
	"github.com/tern-sh/tern/internal/completion/patterns"
)

// subcommands for common tools, completed after the tool name.
var knownSubcommands = map[string][]string{
	"git":       {"add", "branch", "checkout", "clone", "commit", "diff", "fetch", "log", "merge", "pull", "push", "rebase", "reset", "stash", "status", "tag"},
	"docker":    {"build", "compose", "exec", "images", "logs", "ps", "pull", "push", "restart", "rm", "run", "stop"},
	"kubectl":   {"apply", "delete", "describe", "exec", "get", "logs", "port-forward", "rollout", "scale"},
	"npm":       {"audit", "ci", "install", "run", "start", "test", "uninstall", "update"},
	"go":        {"build", "fmt", "generate", "get", "mod", "run", "test", "vet"},
	"cargo":     {"bench", "build", "check", "run", "test", "update"},
	"systemctl": {"disable", "enable", "restart", "start", "status", "stop"},
	"apt":       {"install", "list", "remove", "search", "update", "upgrade"},
	"pip":       {"freeze", "install", "list", "show", "uninstall"},
	"make":      {"all", "build", "clean", "install", "test"},
}

// flags for common tools, completed when the last token starts with "-".
var knownFlags = map[string][]string{
	"git":    {"--all", "--amend", "--force", "--hard", "--oneline", "--rebase", "--staged", "-b", "-m"},
	"docker": {"--detach", "--env", "--name", "--publish", "--rm", "--volume", "-d", "-it"},
	"ls":     {"--color", "-a", "-h", "-l", "-la", "-lh", "-t"},
	"rm":     {"-f", "-i", "-r", "-rf"},
	"grep":   {"--include", "-E", "-i", "-n", "-r", "-v"},
	"curl":   {"--data", "--header", "-L", "-o", "-s", "-X"},
	"tar":    {"-czf", "-tzf", "-xzf"},
	"ssh":    {"-A", "-L", "-i", "-p"},
}

// HeuristicGenerator proposes completions from static knowledge of
// common tools, from the learned pattern analyzers, and from syntactic
// repair of the in-flight input (open quotes, dangling redirects,
// variable references).
type HeuristicGenerator struct {
	files *patterns.FileTypeAnalyzer
	limit int
}

// NewHeuristicGenerator creates a heuristic generator. files may be nil
// when file-type learning is disabled.
func NewHeuristicGenerator(files *patterns.FileTypeAnalyzer, limit int) *HeuristicGenerator {
	if limit <= 0 {
		limit = 20
	}
	return &HeuristicGenerator{files: files, limit: limit}
}

// Name implements Generator.
func (g *HeuristicGenerator) Name() string { return string(SourceHeuristic) }

// Generate implements Generator.
func (g *HeuristicGenerator) Generate(_ context.Context, cc *ctxbuild.Context) []Candidate {
	var out []Candidate

	out = append(out, corrections(cc)...)
	out = append(out, quoteCandidates(cc)...)
	out = append(out, g.syntactic(cc)...)
	out = append(out, g.structural(cc)...)
	out = append(out, directoryCandidates(cc)...)

	if len(out) > g.limit {
		out = out[:g.limit]
	}
	return out
}

// corrections surfaces learned error corrections for the typed input.
func corrections(cc *ctxbuild.Context) []Candidate {
	var out []Candidate
	for _, p := range cc.Corrections {
		out = append(out, Candidate{
			Text:        p.Corrected,
			Source:      SourceCorrection,
			Frequency:   p.Frequency,
			SuccessRate: p.SuccessRate,
			Confidence:  0.9,
			Reason:      fmt.Sprintf("fixes %q", p.Original),
		})
	}
	return out
}

// quoteCandidates repairs an unbalanced quote: it proposes closing it
// as typed, and completes the partial argument inside it against the
// probed recent files.
func quoteCandidates(cc *ctxbuild.Context) []Candidate {
	quote, partial, ok := openQuote(cc.Input)
	if !ok {
		return nil
	}

	out := []Candidate{{
		Text:       cc.Input + string(quote),
		Source:     SourceHeuristic,
		Confidence: 0.5,
		Reason:     "close quote",
	}}
	for _, f := range cc.Env.RecentFiles {
		if f == "" || f == partial || !strings.HasPrefix(f, partial) {
			continue
		}
		out = append(out, Candidate{
			Text:       cc.Input + f[len(partial):] + string(quote),
			Source:     SourceHeuristic,
			Confidence: 0.6,
			Reason:     "recent file",
		})
	}
	return out
}

// openQuote returns the unbalanced quote rune and the partial argument
// typed inside it.
func openQuote(input string) (rune, string, bool) {
	escaped := false
	inSingle, inDouble := false, false
	start := 0
	for i, r := range input {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if !inSingle {
				escaped = true
			}
		case '\'':
			if !inDouble {
				inSingle = !inSingle
				if inSingle {
					start = i
				}
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
				if inDouble {
					start = i
				}
			}
		}
	}

	switch {
	case inSingle:
		return '\'', input[start+1:], true
	case inDouble:
		return '"', input[start+1:], true
	}
	return 0, "", false
}

// syntactic handles variable references and dangling redirects.
func (g *HeuristicGenerator) syntactic(cc *ctxbuild.Context) []Candidate {
	var out []Candidate
	last := parse.LastToken(cc.Input)

	// "$PA" -> "$PATH" from the probed remote environment.
	if strings.HasPrefix(last, "$") && len(cc.Env.Vars) > 0 {
		partial := strings.TrimPrefix(last, "$")
		base := strings.TrimSuffix(cc.Input, last)
		names := make([]string, 0, len(cc.Env.Vars))
		for name := range cc.Env.Vars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if partial != "" && !strings.HasPrefix(name, partial) {
				continue
			}
			out = append(out, Candidate{
				Text:       base + "$" + name,
				Source:     SourceHeuristic,
				Confidence: 0.6,
				Reason:     "environment variable",
			})
		}
	}

	// "sort data.txt > " -> fill the redirect target from recent files.
	if cmd := trailingSimple(cc.Parsed); cmd != nil {
		for _, r := range cmd.Redirects {
			if r.Target != "" {
				continue
			}
			base := strings.TrimRight(cc.Input, " ")
			for _, f := range cc.Env.RecentFiles {
				out = append(out, Candidate{
					Text:       base + " " + f,
					Source:     SourceHeuristic,
					Confidence: 0.4,
					Reason:     "recent file",
				})
			}
			break
		}
	}
	return out
}

// structural completes subcommands, flags, learned arguments, and
// file-type associations for the parsed command.
func (g *HeuristicGenerator) structural(cc *ctxbuild.Context) []Candidate {
	cmd := trailingSimple(cc.Parsed)
	if cmd == nil || cmd.Name == "" {
		return nil
	}

	var out []Candidate
	last := parse.LastToken(cc.Input)
	typingNewToken := last == ""
	base := strings.TrimSuffix(cc.Input, last)

	// Flag completion: "-" or "--" prefix on the trailing token.
	if strings.HasPrefix(last, "-") {
		for _, flag := range knownFlags[cmd.Name] {
			if strings.HasPrefix(flag, last) && flag != last {
				out = append(out, Candidate{
					Text:       base + flag,
					Source:     SourceHeuristic,
					Confidence: 0.7,
					Reason:     "known flag",
				})
			}
		}
		return out
	}

	// Subcommand completion: no argument committed yet.
	if len(cmd.Args) == 0 || (len(cmd.Args) == 1 && cmd.Args[0] == last) {
		for _, sub := range knownSubcommands[cmd.Name] {
			if !typingNewToken && !strings.HasPrefix(sub, last) {
				continue
			}
			if sub == last {
				continue
			}
			out = append(out, Candidate{
				Text:       base + sub,
				Source:     SourceHeuristic,
				Confidence: 0.7,
				Reason:     "known subcommand",
			})
		}
	}

	// Learned arguments for this command, filtered by the trailing token.
	for _, p := range cc.ArgPatterns {
		if !typingNewToken && !strings.HasPrefix(p.Value, last) {
			continue
		}
		if p.Value == last {
			continue
		}
		out = append(out, Candidate{
			Text:        base + p.Value,
			Source:      SourceHeuristic,
			Frequency:   p.Frequency,
			LastUsed:    p.LastUsed.UnixMilli(),
			SuccessRate: p.SuccessRate,
			Confidence:  0.8,
			Reason:      fmt.Sprintf("frequent argument of %s", cmd.Name),
		})
	}

	// File-type association: the trailing token names a file whose
	// extension this command has not been seen with, but others have.
	if g.files != nil && !typingNewToken {
		if ext := filepath.Ext(last); ext != "" && ext != "." {
			for _, fc := range g.files.Patterns(ext) {
				if fc.Command == cmd.Name {
					continue
				}
				out = append(out, Candidate{
					Text:       fc.Command + " " + last,
					Source:     SourceHeuristic,
					Frequency:  fc.Count,
					Confidence: 0.3,
					Reason:     fmt.Sprintf("usual for %s files", ext),
				})
			}
		}
	}
	return out
}

// directoryCandidates proposes the full commands habitually run in the
// current directory, filtered by the typed prefix.
func directoryCandidates(cc *ctxbuild.Context) []Candidate {
	input := strings.TrimLeft(cc.Input, " \t")
	var out []Candidate
	for _, dc := range cc.DirCommands {
		if dc.Command == input {
			continue
		}
		if input != "" && !strings.HasPrefix(dc.Command, input) {
			continue
		}
		out = append(out, Candidate{
			Text:       dc.Command,
			Source:     SourceHeuristic,
			Frequency:  dc.Count,
			Confidence: 0.8,
			Reason:     fmt.Sprintf("used %dx in this directory", dc.Count),
		})
	}
	return out
}

// trailingSimple returns the simple command the cursor is inside of: the
// command itself, the last pipeline stage, or the last program segment.
func trailingSimple(cmd parse.Command) *parse.Command {
	switch cmd.Kind {
	case parse.KindCommand:
		return &cmd
	case parse.KindPipeline:
		if n := len(cmd.Pipeline); n > 0 {
			return trailingSimple(cmd.Pipeline[n-1])
		}
	case parse.KindProgram:
		if n := len(cmd.Commands); n > 0 {
			return trailingSimple(cmd.Commands[n-1])
		}
	}
	return nil
}
