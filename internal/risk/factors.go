package risk

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type Category string

const (
	CategoryState   Category = "state"
	CategoryAction  Category = "action"
	CategoryContext Category = "context"
	CategoryContent Category = "content"
)

// Factor ids are stable; operators refer to them in configuration.
const (
	FactorAltScreen           = "state.alt_screen"
	FactorIdleUnconfirmed     = "state.idle_unconfirmed"
	FactorRecentGap           = "state.recent_gap"
	FactorReserved            = "state.reserved"
	FactorMutating            = "action.mutating"
	FactorDestructive         = "action.destructive"
	FactorMultiTarget         = "action.multi_target"
	FactorAutomatedActor      = "context.automated_actor"
	FactorAdHoc               = "context.ad_hoc"
	FactorDestructiveTokens   = "content.destructive_tokens"
	FactorPrivilegeEscalation = "content.privilege_escalation"
	FactorComplexPayload      = "content.complex_payload"
)

// trigger returns a non-empty explanation when the factor applies.
type trigger func(s *Scorer, c Context) string

type definition struct {
	id       string
	category Category
	weight   int
	summary  string
	trigger  trigger
}

// catalog is evaluated in this order, which is also the order factors are
// reported in.
var catalog = []definition{
	{FactorAltScreen, CategoryState, 60, "target is running a full-screen program", altScreen},
	{FactorIdleUnconfirmed, CategoryState, 20, "target idle/prompt state is not confirmed", idleUnconfirmed},
	{FactorRecentGap, CategoryState, 35, "target output had a recent capture gap", recentGap},
	{FactorReserved, CategoryState, 50, "target is reserved by another actor", reserved},
	{FactorMutating, CategoryAction, 10, "plan changes target or shared state", mutating},
	{FactorDestructive, CategoryAction, 25, "plan includes an inherently destructive action", destructive},
	{FactorMultiTarget, CategoryAction, 15, "plan touches more than one target", multiTarget},
	{FactorAutomatedActor, CategoryContext, 10, "requested by an automated actor", automatedActor},
	{FactorAdHoc, CategoryContext, 5, "requested outside a recognized workflow", adHoc},
	{FactorDestructiveTokens, CategoryContent, 40, "payload contains destructive commands", destructiveTokens},
	{FactorPrivilegeEscalation, CategoryContent, 30, "payload escalates privileges", privilegeEscalation},
	{FactorComplexPayload, CategoryContent, 10, "payload is long or chains commands", complexPayload},
}

func altScreen(_ *Scorer, c Context) string {
	var ids []string
	for _, t := range c.Targets {
		if t.AltScreen {
			ids = append(ids, t.ID)
		}
	}
	return listed("full-screen program active on", ids)
}

func idleUnconfirmed(_ *Scorer, c Context) string {
	var ids []string
	for _, t := range c.Targets {
		if !t.IdleConfirmed {
			ids = append(ids, t.ID)
		}
	}
	return listed("idle state unconfirmed on", ids)
}

func recentGap(s *Scorer, c Context) string {
	var ids []string
	for _, t := range c.Targets {
		if !t.LastGapAt.IsZero() && c.Now.Sub(t.LastGapAt) <= s.gapWindow {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	return fmt.Sprintf("capture gap within %s on %s", s.gapWindow, strings.Join(ids, ", "))
}

func reserved(_ *Scorer, c Context) string {
	var parts []string
	for _, t := range c.Targets {
		if t.ReservedBy != "" && t.ReservedBy != c.ActorID {
			parts = append(parts, t.ID+" (by "+t.ReservedBy+")")
		}
	}
	return listed("reserved:", parts)
}

func mutating(_ *Scorer, c Context) string {
	if !c.Mutating {
		return ""
	}
	return "actions: " + strings.Join(c.ActionKinds, ", ")
}

func destructive(_ *Scorer, c Context) string {
	return listed("destructive:", c.Destructive)
}

func multiTarget(_ *Scorer, c Context) string {
	if c.TargetCount <= 1 {
		return ""
	}
	return fmt.Sprintf("%d targets referenced", c.TargetCount)
}

func automatedActor(_ *Scorer, c Context) string {
	if c.Actor == ActorHuman || c.Actor == "" {
		return ""
	}
	if c.ActorID != "" {
		return fmt.Sprintf("%s %s", c.Actor, c.ActorID)
	}
	return string(c.Actor)
}

func adHoc(_ *Scorer, c Context) string {
	if c.InWorkflow {
		return ""
	}
	return "no enclosing workflow"
}

func destructiveTokens(_ *Scorer, c Context) string {
	return firstMatch(c.Texts, destructivePatterns)
}

func privilegeEscalation(_ *Scorer, c Context) string {
	return firstMatch(c.Texts, privilegePatterns)
}

func complexPayload(s *Scorer, c Context) string {
	for _, text := range c.Texts {
		lines := strings.Count(strings.TrimRight(text, "\n"), "\n") + 1
		if lines > s.complexLines {
			return fmt.Sprintf("%d-line payload", lines)
		}
		if m := chainPattern.FindString(text); m != "" {
			return fmt.Sprintf("chained command %q", strings.TrimSpace(m))
		}
	}
	return ""
}

func listed(prefix string, items []string) string {
	if len(items) == 0 {
		return ""
	}
	return prefix + " " + strings.Join(items, ", ")
}

var destructivePatterns = compileAll(
	`^rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`,
	`^git\s+reset\s+--hard`,
	`^git\s+clean\s+-[a-z]*f`,
	`^git\s+push\s+.*--force`,
	`(?i)DROP\s+(TABLE|DATABASE|SCHEMA)`,
	`(?i)TRUNCATE\s+TABLE`,
	`(?i)DELETE\s+FROM\s+[\w."]+\s*(;|$)`,
	`^terraform\s+destroy`,
	`^kubectl\s+delete`,
	`^helm\s+uninstall`,
	`^docker\s+system\s+prune`,
	`^mkfs(\.\w+)?\s`,
	`^dd\s+.*of=/dev/`,
	`^chmod\s+-R`,
	`^chown\s+-R`,
	`>\s*/dev/sd[a-z]`,
)

var privilegePatterns = compileAll(
	`^(sudo|doas|pkexec)\s`,
	`^su(\s+-)?(\s|$)`,
)

var privilegePrefix = regexp.MustCompile(`^((sudo|doas|pkexec)(\s+-\S+)*\s+)+`)

var chainPattern = regexp.MustCompile(`&&|\|\||;\s*\S|\|\s*\S|\$\(|` + "`")

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// firstMatch tests every line of every text (leading whitespace and shell
// chaining stripped) and describes the first hit.
func firstMatch(texts []string, patterns []*regexp.Regexp) string {
	for _, text := range texts {
		for _, line := range commandLines(text) {
			candidates := []string{line}
			if stripped := privilegePrefix.ReplaceAllString(line, ""); stripped != line {
				candidates = append(candidates, stripped)
			}
			for _, candidate := range candidates {
				for _, re := range patterns {
					if m := re.FindString(candidate); m != "" {
						return fmt.Sprintf("matched %q", strings.TrimSpace(m))
					}
				}
			}
		}
	}
	return ""
}

var commandSplit = regexp.MustCompile(`\n|&&|\|\||;|\|`)

func commandLines(text string) []string {
	parts := commandSplit.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultGapWindow is how recent a capture gap must be to count.
const DefaultGapWindow = 5 * time.Minute

// DefaultComplexLines is the line count above which a payload is complex.
const DefaultComplexLines = 3
