package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	// MaxSynthesisSources caps the traces shown to the model.
	MaxSynthesisSources = 10
	synthesisMaxTokens  = 1500
	sourceContextChars  = 300
	sourceSolutionChars = 500
)

// Source is one trace given to the synthesizer.
type Source struct {
	Title        string
	ContextText  string
	SolutionText string
	Tags         []string
}

// Synthesis is the parsed pattern produced from a cluster.
type Synthesis struct {
	Title        string
	ContextText  string
	SolutionText string
	Tags         []string
}

const synthesisSystem = `You are a technical knowledge synthesizer. Given multiple independent solutions to the same problem, distill them into a single generalized pattern trace. Focus on the common thread: what is the underlying problem, and what is the consensus solution approach? Do NOT copy verbatim from sources. Write as if explaining to a developer who has never seen any of the individual traces.`

var levelDescriptions = map[int]string{
	0: "universal (cross-language)",
	1: "ecosystem (same language family)",
	2: "stack-agnostic (same language, different frameworks)",
	3: "environment-agnostic (same stack, different OS)",
	4: "contextual (single environment)",
}

// SynthesisRequest builds the completion request for a cluster at the
// given convergence level.
func SynthesisRequest(sources []Source, level int) Request {
	if len(sources) > MaxSynthesisSources {
		sources = sources[:MaxSynthesisSources]
	}
	desc, ok := levelDescriptions[level]
	if !ok {
		desc = levelDescriptions[4]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Synthesize these %d traces into one pattern trace.\n", len(sources))
	fmt.Fprintf(&b, "Convergence level: %s\n", desc)
	for i, s := range sources {
		fmt.Fprintf(&b, "\n### Source %d: %s\n", i+1, s.Title)
		fmt.Fprintf(&b, "**Context:** %s\n", truncate(s.ContextText, sourceContextChars))
		fmt.Fprintf(&b, "**Solution:** %s\n", truncate(s.SolutionText, sourceSolutionChars))
		fmt.Fprintf(&b, "**Tags:** %s\n", strings.Join(s.Tags, ", "))
	}
	b.WriteString(`
Output format (use exactly these headers):
TITLE: <concise title for the pattern>
CONTEXT: <1-3 sentences describing the common problem>
SOLUTION: <generalized solution with code if applicable>
TAGS: <comma-separated tags>`)

	return Request{System: synthesisSystem, Prompt: b.String(), MaxTokens: synthesisMaxTokens}
}

// Synthesize asks client to distill sources into one pattern.
// ErrSynthesisSkipped from the client is returned unwrapped.
func Synthesize(ctx context.Context, client Client, sources []Source, level int) (*Synthesis, error) {
	resp, err := client.Complete(ctx, SynthesisRequest(sources, level))
	if err != nil {
		return nil, err
	}
	s := ParseSynthesis(resp.Content, unionTags(sources))
	if s.Title == "" || s.SolutionText == "" {
		return nil, fmt.Errorf("synthesis output missing title or solution")
	}
	return s, nil
}

// ParseSynthesis reads the TITLE/CONTEXT/SOLUTION/TAGS sections of a model
// reply. Header matching is case-insensitive and sections may span lines.
// Tags fall back to fallbackTags when the reply has no TAGS line.
func ParseSynthesis(text string, fallbackTags []string) *Synthesis {
	out := &Synthesis{Tags: fallbackTags}

	var current *string
	var content []string
	flush := func() {
		if current != nil {
			*current = strings.TrimSpace(strings.Join(content, "\n"))
		}
		current, content = nil, nil
	}

	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(upper, "TITLE:"):
			flush()
			current, content = &out.Title, []string{after(line)}
		case strings.HasPrefix(upper, "CONTEXT:"):
			flush()
			current, content = &out.ContextText, []string{after(line)}
		case strings.HasPrefix(upper, "SOLUTION:"):
			flush()
			current, content = &out.SolutionText, []string{after(line)}
		case strings.HasPrefix(upper, "TAGS:"):
			flush()
			var tags []string
			for _, t := range strings.Split(after(line), ",") {
				if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
					tags = append(tags, t)
				}
			}
			out.Tags = tags
		default:
			content = append(content, line)
		}
	}
	flush()
	return out
}

func after(line string) string {
	_, rest, _ := strings.Cut(line, ":")
	return strings.TrimSpace(rest)
}

func unionTags(sources []Source) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, s := range sources {
		for _, t := range s.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	sort.Strings(tags)
	return tags
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
