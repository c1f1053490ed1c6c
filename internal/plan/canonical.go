package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxCanonicalDepth stops runaway recursion on cyclic plans that skipped
// validation. Validation rejects far shallower nesting.
const maxCanonicalDepth = 64

// CanonicalString renders the plan deterministically. Unordered collections
// are sorted, strings are NFC-normalized and quoted, integers are decimal and
// volatile fields are left out.
func CanonicalString(p *ActionPlan) string {
	var c canon
	c.plan(p, 0)
	return c.String()
}

// StepCanonical renders a single step the same way CanonicalString does.
func StepCanonical(s StepPlan) string {
	var c canon
	c.step(s, 0)
	return c.String()
}

// Hash returns the plan id derived from its canonical text.
func Hash(p *ActionPlan) PlanID {
	return PlanID("plan:" + digest(CanonicalString(p)))
}

// StepHash returns the step id derived from its canonical text.
func StepHash(s StepPlan) StepID {
	return StepID("step:" + digest(StepCanonical(s)))
}

// IdempotencyKey identifies the real-world effect of one step in one plan
// instance. namespace is the plan id for top-level steps and
// NestedNamespace(parent, step) below that.
func IdempotencyKey(namespace, workspace string, s StepPlan) string {
	var c canon
	c.b.WriteString("idem{ns=")
	c.str(namespace)
	c.b.WriteString(";workspace=")
	c.str(workspace)
	c.b.WriteString(";n=")
	c.int(int64(s.Number))
	c.b.WriteString(";action=")
	c.action(s.Action, 0)
	c.b.WriteString("}")
	return "idem:" + digest(c.String())
}

// NestedNamespace derives the idempotency namespace of a nested plan run by
// step number n of the plan running under parent.
func NestedNamespace(parent string, n int) string {
	return parent + "/" + strconv.Itoa(n)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

type canon struct {
	b strings.Builder
}

func (c *canon) String() string { return c.b.String() }

func (c *canon) str(s string) {
	c.b.WriteString(strconv.Quote(norm.NFC.String(s)))
}

func (c *canon) int(n int64) {
	c.b.WriteString(strconv.FormatInt(n, 10))
}

func (c *canon) bool(v bool) {
	c.b.WriteString(strconv.FormatBool(v))
}

// field writes ";name=" (or "name=" for the first field of a record).
func (c *canon) field(name string, first bool) {
	if !first {
		c.b.WriteByte(';')
	}
	c.b.WriteString(name)
	c.b.WriteByte('=')
}

func (c *canon) plan(p *ActionPlan, depth int) {
	if p == nil {
		c.b.WriteString("plan{}")
		return
	}
	if depth > maxCanonicalDepth {
		c.b.WriteString("plan{depth-exceeded}")
		return
	}
	c.b.WriteString("plan{")
	c.field("version", true)
	c.int(int64(p.Version))
	c.field("title", false)
	c.str(p.Title)
	c.field("workspace", false)
	c.str(p.Workspace)
	c.field("request", false)
	c.str(p.RequestID)
	c.field("pre", false)
	c.preconditions(p.Preconditions)
	c.field("fail", false)
	c.policy(p.OnFailure, depth)
	c.field("steps", false)
	c.steps(p.Steps, depth)
	c.b.WriteString("}")
}

func (c *canon) steps(steps []StepPlan, depth int) {
	c.b.WriteByte('[')
	for i, s := range steps {
		if i > 0 {
			c.b.WriteByte(',')
		}
		c.step(s, depth)
	}
	c.b.WriteByte(']')
}

func (c *canon) step(s StepPlan, depth int) {
	c.b.WriteString("step{")
	c.field("n", true)
	c.int(int64(s.Number))
	c.field("action", false)
	c.action(s.Action, depth)
	c.field("desc", false)
	c.str(s.Description)
	c.field("pre", false)
	c.preconditions(s.Preconditions)
	c.field("verify", false)
	c.verification(s.Verification)
	c.field("fail", false)
	c.policy(s.OnFailure, depth)
	c.field("timeout", false)
	c.int(s.TimeoutMS)
	c.field("idempotent", false)
	c.bool(s.Idempotent)
	c.b.WriteString("}")
}

func (c *canon) action(a Action, depth int) {
	if a == nil {
		c.b.WriteString("none")
		return
	}
	c.b.WriteString(string(a.Kind()))
	c.b.WriteByte('{')
	switch v := a.(type) {
	case SendInput:
		c.field("target", true)
		c.str(v.Target)
		c.field("text", false)
		c.str(v.Text)
	case WaitFor:
		c.field("target", true)
		c.str(v.Target)
		c.field("pattern", false)
		c.str(v.Pattern)
		c.field("idle", false)
		c.bool(v.Idle)
		c.field("timeout", false)
		c.int(v.TimeoutMS)
	case AcquireLock:
		c.field("name", true)
		c.str(v.Name)
		c.field("ttl", false)
		c.int(v.TTLMS)
	case ReleaseLock:
		c.field("name", true)
		c.str(v.Name)
	case StoreData:
		c.field("key", true)
		c.str(v.Key)
		c.field("value", false)
		c.str(v.Value)
	case NestedPlan:
		c.field("plan", true)
		c.plan(v.Plan, depth+1)
	case RunWorkflow:
		c.field("name", true)
		c.str(v.Name)
		c.field("params", false)
		c.stringMap(v.Params)
	case MarkEventHandled:
		c.field("event", true)
		c.str(v.EventID)
		c.field("note", false)
		c.str(v.Note)
	case ValidateApproval:
		c.field("summary", true)
		c.str(v.Summary)
	case Custom:
		c.field("name", true)
		c.str(v.Name)
		c.field("target", false)
		c.str(v.Target)
		c.field("destructive", false)
		c.bool(v.Destructive)
		c.field("payload", false)
		c.json(v.Payload)
	default:
		panic(fmt.Sprintf("plan: unhandled action %T", a))
	}
	c.b.WriteByte('}')
}

func (c *canon) preconditions(ps []Precondition) {
	items := make([]string, 0, len(ps))
	for _, p := range ps {
		var pc canon
		pc.precondition(p)
		items = append(items, pc.String())
	}
	sort.Strings(items)
	c.b.WriteByte('[')
	c.b.WriteString(strings.Join(items, ","))
	c.b.WriteByte(']')
}

func (c *canon) precondition(p Precondition) {
	if p == nil {
		c.b.WriteString("none")
		return
	}
	c.b.WriteString(string(p.Kind()))
	c.b.WriteByte('{')
	switch v := p.(type) {
	case TargetExists:
		c.field("target", true)
		c.str(v.Target)
	case TargetMatches:
		c.field("target", true)
		c.str(v.Target)
		c.field("pattern", false)
		c.str(v.Pattern)
		c.field("idle", false)
		c.bool(v.Idle)
	case LockHeld:
		c.field("name", true)
		c.str(v.Name)
	case LockAvailable:
		c.field("name", true)
		c.str(v.Name)
	case StepCompleted:
		c.field("step", true)
		c.int(int64(v.Step))
	case ApprovalValid:
		c.field("summary", true)
		c.str(v.Summary)
	case CheckExpression:
		c.field("expr", true)
		c.str(v.Expr)
	default:
		panic(fmt.Sprintf("plan: unhandled precondition %T", p))
	}
	c.b.WriteByte('}')
}

func (c *canon) verification(v *Verification) {
	if v == nil {
		c.b.WriteString("none")
		return
	}
	c.b.WriteString("verify{")
	c.field("timeout", true)
	c.int(v.TimeoutMS)
	c.field("strategy", false)
	if v.Strategy == nil {
		c.b.WriteString(string(KindVerifyNone))
		c.b.WriteString("{}}")
		return
	}
	c.b.WriteString(string(v.Strategy.Kind()))
	c.b.WriteByte('{')
	switch s := v.Strategy.(type) {
	case PatternObserved:
		c.field("target", true)
		c.str(s.Target)
		c.field("pattern", false)
		c.str(s.Pattern)
	case TargetIdle:
		c.field("target", true)
		c.str(s.Target)
	case PatternAbsent:
		c.field("target", true)
		c.str(s.Target)
		c.field("pattern", false)
		c.str(s.Pattern)
		c.field("window", false)
		c.int(s.WindowMS)
	case VerifyExpression:
		c.field("expr", true)
		c.str(s.Expr)
	case VerifyNone:
	default:
		panic(fmt.Sprintf("plan: unhandled verification %T", v.Strategy))
	}
	c.b.WriteString("}}")
}

func (c *canon) policy(p FailurePolicy, depth int) {
	if p == nil {
		c.b.WriteString("default")
		return
	}
	c.b.WriteString(string(p.Kind()))
	c.b.WriteByte('{')
	switch v := p.(type) {
	case Abort:
	case Retry:
		c.field("max", true)
		c.int(int64(v.MaxAttempts))
		c.field("initial", false)
		c.int(v.InitialBackoffMS)
		c.field("cap", false)
		c.int(v.MaxBackoffMS)
	case Skip:
		c.field("warn", true)
		c.bool(v.Warn)
	case Fallback:
		c.field("steps", true)
		if depth > maxCanonicalDepth {
			c.b.WriteString("depth-exceeded")
		} else {
			c.steps(v.Steps, depth+1)
		}
	case RequireApproval:
		c.field("summary", true)
		c.str(v.Summary)
	default:
		panic(fmt.Sprintf("plan: unhandled failure policy %T", p))
	}
	c.b.WriteByte('}')
}

func (c *canon) stringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	c.b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			c.b.WriteByte(',')
		}
		c.str(k)
		c.b.WriteByte(':')
		c.str(m[k])
	}
	c.b.WriteByte('}')
}

// json renders an arbitrary JSON payload with sorted object keys and
// normalized numbers. Undecodable payloads are rendered as a quoted string so
// the output stays deterministic.
func (c *canon) json(raw json.RawMessage) {
	if len(bytes.TrimSpace(raw)) == 0 {
		c.b.WriteString("null")
		return
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		c.str(string(raw))
		return
	}
	c.value(v)
}

func (c *canon) value(v any) {
	switch t := v.(type) {
	case nil:
		c.b.WriteString("null")
	case bool:
		c.bool(t)
	case string:
		c.str(t)
	case json.Number:
		c.b.WriteString(canonicalNumber(t))
	case []any:
		c.b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				c.b.WriteByte(',')
			}
			c.value(item)
		}
		c.b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		c.b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				c.b.WriteByte(',')
			}
			c.str(k)
			c.b.WriteByte(':')
			c.value(t[k])
		}
		c.b.WriteByte('}')
	default:
		c.str(fmt.Sprint(t))
	}
}

func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.Quote(n.String())
}
