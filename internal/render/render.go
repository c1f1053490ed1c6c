// Package render formats coordinator results for agents (JSON) and humans
// (text). Both renderings carry the same fields.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"actiongate/internal/coordinator"
	"actiongate/internal/record"
	"actiongate/internal/risk"
)

type Format string

const (
	JSON Format = "json"
	Text Format = "text"
)

// ParseFormat accepts "", "json" and "text". Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return JSON, nil
	case "text", "txt":
		return Text, nil
	default:
		return "", fmt.Errorf("unsupported format %q", s)
	}
}

// ContentType is the response media type for f.
func (f Format) ContentType() string {
	if f == Text {
		return "text/plain; charset=utf-8"
	}
	return "application/json"
}

// Write renders v in format f. Values without a text rendering fall back to
// indented JSON.
func Write(w io.Writer, f Format, v any) error {
	if f != Text {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	switch val := v.(type) {
	case coordinator.Prepared:
		return Prepared(w, val)
	case *coordinator.Prepared:
		return Prepared(w, *val)
	case coordinator.CommitResult:
		return Commit(w, val)
	case *coordinator.CommitResult:
		return Commit(w, *val)
	case coordinator.Explanation:
		return Explanation(w, val)
	case *coordinator.Explanation:
		return Explanation(w, *val)
	case coordinator.ApproveResult:
		_, err := fmt.Fprintf(w, "%s %s (approval expires %s)\n", val.PlanID, val.Status, stamp(val.ExpiresAt))
		return err
	case []record.Plan:
		return Plans(w, val)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

// Prepared renders a prepare result.
func Prepared(w io.Writer, p coordinator.Prepared) error {
	b := &builder{}
	b.linef("plan %s", p.PlanID)
	if p.ParentID != "" {
		b.linef("continues %s", p.ParentID)
	}
	b.linef("decision: %s (risk %d)", p.Decision.Kind, p.Decision.Assessment.Score)
	if p.Decision.Reason != "" {
		b.linef("reason: %s", p.Decision.Reason)
	}
	factors(b, p.Decision.Assessment.Factors)
	preview(b, p.Preview)
	b.linef("expires: %s", stamp(p.ExpiresAt))
	if p.Approval != nil {
		b.linef("approval code: %s (expires %s)", p.Approval.Code, stamp(p.Approval.ExpiresAt))
		if p.Approval.Summary != "" {
			b.linef("  %s", p.Approval.Summary)
		}
	}
	if p.CommitInstruction != "" {
		b.linef("next: %s", p.CommitInstruction)
	}
	return b.flush(w)
}

// Commit renders a commit result.
func Commit(w io.Writer, r coordinator.CommitResult) error {
	b := &builder{}
	b.linef("plan %s: %s", r.PlanID, r.Status)
	if r.ExecutionID != "" {
		b.linef("execution: %s", r.ExecutionID)
	}
	if r.Outcome != "" && r.Outcome != r.Status {
		b.linef("outcome: %s", r.Outcome)
	}
	if r.ErrorCode != "" {
		if r.Step > 0 {
			b.linef("error: %s at step %d: %s", r.ErrorCode, r.Step, r.Message)
		} else {
			b.linef("error: %s: %s", r.ErrorCode, r.Message)
		}
	} else if r.Message != "" {
		b.linef("message: %s", r.Message)
	}
	if r.Remediation != "" {
		b.linef("remediation: %s", r.Remediation)
	}
	details(b, r.Details)
	if r.Continuation != nil {
		b.linef("continuation: %s", r.Continuation.PlanID)
		if r.Continuation.Approval != nil {
			b.linef("approval code: %s (expires %s)", r.Continuation.Approval.Code, stamp(r.Continuation.Approval.ExpiresAt))
		}
		if r.Continuation.CommitInstruction != "" {
			b.linef("next: %s", r.Continuation.CommitInstruction)
		}
	} else if r.ContinuationID != "" {
		b.linef("continuation: %s", r.ContinuationID)
	}
	return b.flush(w)
}

// Explanation renders everything recorded about a plan.
func Explanation(w io.Writer, e coordinator.Explanation) error {
	b := &builder{}
	b.linef("plan %s [%s]", e.PlanID, e.Status)
	if e.ParentID != "" {
		b.linef("continues %s", e.ParentID)
	}
	b.linef("decision: %s (risk %d)", e.Decision.Kind, e.Decision.Assessment.Score)
	if e.Decision.Reason != "" {
		b.linef("reason: %s", e.Decision.Reason)
	}
	for _, o := range e.Decision.Overrides {
		b.linef("override %s: %s", o.Code, o.Reason)
	}
	factors(b, e.RiskFactors)
	if e.Preview != nil {
		preview(b, *e.Preview)
	} else {
		b.linef("title: %s", e.Title)
		b.linef("workspace: %s", e.Workspace)
	}
	for _, bind := range e.Bindings {
		b.linef("bound %s to instance %s", bind.TargetID, bind.InstanceID)
	}
	if a := e.Approval; a != nil {
		line := fmt.Sprintf("approval: %s (expires %s)", a.State, stamp(a.ExpiresAt))
		if a.ApprovedBy != "" {
			line += " by " + a.ApprovedBy
		}
		b.line(line)
	}
	if x := e.Execution; x != nil {
		b.linef("execution %s: %s", x.ID, x.Status)
		if x.ErrorCode != "" {
			b.linef("  %s: %s", x.ErrorCode, x.Message)
		}
		if x.Continuation != "" {
			b.linef("  continuation: %s", x.Continuation)
		}
	}
	if len(e.ExecutionLog) > 0 {
		b.line("log:")
		for _, entry := range e.ExecutionLog {
			b.line("  " + entryLine(entry))
		}
	}
	return b.flush(w)
}

// Plans renders a plan listing, one per line.
func Plans(w io.Writer, plans []record.Plan) error {
	b := &builder{}
	if len(plans) == 0 {
		b.line("no plans")
	}
	for _, p := range plans {
		b.linef("%s  %-11s %-16s %s", p.ID, p.Status, p.Decision.Kind, p.Title)
	}
	return b.flush(w)
}

func entryLine(e record.Entry) string {
	line := fmt.Sprintf("#%d step %s %s", e.Seq, e.Path, e.State)
	if e.Attempt > 1 {
		line += fmt.Sprintf(" (attempt %d)", e.Attempt)
	}
	if e.Replay {
		line += " (replayed)"
	}
	if e.ErrorCode != "" {
		line += " " + e.ErrorCode
	}
	if e.Message != "" {
		line += ": " + e.Message
	}
	return line
}

func factors(b *builder, fs []risk.Factor) {
	if len(fs) == 0 {
		return
	}
	b.line("risk factors:")
	for _, f := range fs {
		b.linef("  +%d %s: %s", f.Weight, f.ID, f.Explanation)
	}
}

func preview(b *builder, p coordinator.Preview) {
	b.linef("title: %s", p.Title)
	b.linef("workspace: %s", p.Workspace)
	for _, pre := range p.Preconditions {
		b.linef("requires: %s", pre)
	}
	b.line("steps:")
	steps(b, p.Steps, "  ", "")
	if p.OnFailure != "" {
		b.linef("on failure: %s", p.OnFailure)
	}
}

func steps(b *builder, list []coordinator.StepPreview, indent, prefix string) {
	for _, s := range list {
		num := fmt.Sprintf("%s%d", prefix, s.Number)
		line := fmt.Sprintf("%s%s. %s", indent, num, s.Action)
		if s.Target != "" {
			line += " " + s.Target
		}
		if s.Detail != "" {
			line += ": " + s.Detail
		}
		if s.OnFailure != "" {
			line += " [" + s.OnFailure + "]"
		}
		b.line(line)
		if s.Description != "" {
			b.linef("%s   %s", indent, s.Description)
		}
		if len(s.Steps) > 0 {
			steps(b, s.Steps, indent+"  ", num+".")
		}
	}
}

func details(b *builder, d map[string]string) {
	if len(d) == 0 {
		return
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := d[k]
		if strings.Contains(v, "\n") {
			b.linef("%s:", k)
			for _, l := range strings.Split(strings.TrimRight(v, "\n"), "\n") {
				b.line("  " + l)
			}
			continue
		}
		b.linef("%s: %s", k, v)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

type builder struct {
	sb strings.Builder
}

func (b *builder) line(s string) {
	b.sb.WriteString(s)
	b.sb.WriteByte('\n')
}

func (b *builder) linef(format string, args ...any) {
	b.line(fmt.Sprintf(format, args...))
}

func (b *builder) flush(w io.Writer) error {
	_, err := io.WriteString(w, b.sb.String())
	return err
}
