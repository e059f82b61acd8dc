package api

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/prcopilot/internal/triage"
)

// CommandParser extracts operator commands addressed to a configured bot
// login: "@<login> /<command> [args...]". Matching is per line so
// surrounding prose does not defeat it.
type CommandParser struct {
	mention *regexp.Regexp
}

func NewCommandParser(botLogin string) *CommandParser {
	if botLogin == "" {
		botLogin = "prcopilot"
	}
	return &CommandParser{
		mention: regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(botLogin) + `\s+/([a-z-]+)\s*(.*)`),
	}
}

// Parse extracts the first command mention from a comment body. The second
// return is false when the body contains no mention at all.
func (p *CommandParser) Parse(body, actor string) (*triage.CommandPayload, bool) {
	for _, line := range strings.Split(body, "\n") {
		m := p.mention.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		payload := &triage.CommandPayload{
			Command: strings.ToLower(m[1]),
			Actor:   actor,
		}
		if args := strings.TrimSpace(m[2]); args != "" {
			payload.Args = strings.Fields(args)
		}
		return payload, true
	}
	return nil, false
}

// ValidateCommand checks a parsed payload and resolves the reclassify
// override. The returned error text is user-facing; the caller posts it as a
// comment instead of creating a task.
func ValidateCommand(payload *triage.CommandPayload) error {
	switch payload.Command {
	case triage.CommandTriage, triage.CommandPrioritize, triage.CommandSuggestReviewers:
		return nil
	case triage.CommandReclassify:
		if len(payload.Args) == 0 {
			return fmt.Errorf("`/reclassify` needs a category, e.g. `@prcopilot /reclassify Needs Minor Fixes`")
		}
		category, ok := triage.ParseCategory(strings.Join(payload.Args, " "))
		if !ok {
			return fmt.Errorf("unknown category %q, see `@prcopilot /help` for the list", strings.Join(payload.Args, " "))
		}
		payload.Override = category
		return nil
	case triage.CommandHelp:
		return errHelpRequested
	default:
		return fmt.Errorf("unknown command `/%s`", payload.Command)
	}
}

// errHelpRequested signals that /help was asked for explicitly, which posts
// the help comment without it being an error in the log.
var errHelpRequested = fmt.Errorf("help requested")
