package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"actiongate/internal/logging"
	"actiongate/internal/render"
)

var version = "dev"
var commit = ""

func main() {
	logging.Init("gatectl", nil)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fatalf("gatectl: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var readFile = os.ReadFile
var readStdin = func() ([]byte, error) { return io.ReadAll(os.Stdin) }
var getenv = os.Getenv
var newGatewayClient = func(baseURL, token string) *gatewayClient {
	return &gatewayClient{BaseURL: baseURL, Token: token}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("command required")
	}
	switch args[0] {
	case "-h", "--help", "help":
		writeUsage(out)
		return nil
	case "--version", "version":
		v := version
		if strings.TrimSpace(commit) != "" {
			v = v + " (" + commit + ")"
		}
		_, _ = fmt.Fprintln(out, v)
		return nil
	}
	switch args[0] {
	case "prepare":
		return runPrepare(args[1:], out)
	case "approve":
		return runApprove(args[1:], out)
	case "commit":
		return runCommit(args[1:], out)
	case "explain":
		return runExplain(args[1:], out)
	case "invalidate":
		return runInvalidate(args[1:], out)
	case "list":
		return runList(args[1:], out)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func writeUsage(out io.Writer) {
	_, _ = fmt.Fprintln(out, "Usage: gatectl <command> [args] [flags]")
	_, _ = fmt.Fprintln(out, "")
	_, _ = fmt.Fprintln(out, "Commands:")
	_, _ = fmt.Fprintln(out, "  prepare -plan <json|@file|->   hash, score and decide a plan")
	_, _ = fmt.Fprintln(out, "  approve <code>                  approve the plan bound to a one-time code")
	_, _ = fmt.Fprintln(out, "  commit <plan-id> [-code c]      execute a prepared plan")
	_, _ = fmt.Fprintln(out, "  explain <plan-id|execution-id>  show decision, approval and execution log")
	_, _ = fmt.Fprintln(out, "  invalidate <plan-id>            cancel a prepared plan")
	_, _ = fmt.Fprintln(out, "  list -workspace <ws>            list plans in a workspace")
	_, _ = fmt.Fprintln(out, "")
	_, _ = fmt.Fprintln(out, "Global flags: -gateway (or GATECTL_GATEWAY), -token (or GATECTL_TOKEN), -format json|text")
}

// common holds the flags every gateway command accepts.
type common struct {
	gateway string
	token   string
	format  string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.gateway, "gateway", "", "gateway base url")
	fs.StringVar(&c.token, "token", "", "gateway token")
	fs.StringVar(&c.format, "format", "text", "output format: json or text")
}

func (c *common) client() (*gatewayClient, error) {
	if _, err := render.ParseFormat(c.format); err != nil {
		return nil, err
	}
	baseURL := c.gateway
	if strings.TrimSpace(baseURL) == "" {
		baseURL = getenv("GATECTL_GATEWAY")
	}
	token := c.token
	if token == "" {
		token = getenv("GATECTL_TOKEN")
	}
	return gatewayClientFromFlags(baseURL, token)
}

// parseWithArg accepts the positional argument before or after the flags,
// so `commit plan:abc -code x` and `commit -code x plan:abc` both work.
func parseWithArg(fs *flag.FlagSet, args []string, name string) (string, error) {
	var positional string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		positional, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if positional == "" && fs.NArg() > 0 {
		positional = fs.Arg(0)
	}
	if strings.TrimSpace(positional) == "" {
		return "", fmt.Errorf("%s required", name)
	}
	return positional, nil
}

func runPrepare(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("prepare", flag.ContinueOnError)
	var c common
	c.register(fs)
	planValue := fs.String("plan", "", "plan json, @file or - for stdin")
	actor := fs.String("actor", "", "actor kind: human, agent or robot")
	actorID := fs.String("actor-id", "", "actor id")
	inWorkflow := fs.Bool("in-workflow", false, "prepared from a sanctioned workflow")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*planValue) == "" {
		return errors.New("plan required")
	}
	data, err := readInput(*planValue)
	if err != nil {
		return err
	}
	body, err := prepareBody(data, *actor, *actorID, *inWorkflow)
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	resp, err := client.Prepare(context.Background(), body, c.format)
	if err != nil {
		return err
	}
	_, _ = out.Write(resp)
	return nil
}

// prepareBody accepts either a bare plan or a full prepare request and
// applies the actor flags on top.
func prepareBody(data []byte, actor, actorID string, inWorkflow bool) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	body := doc
	if _, ok := doc["plan"]; !ok {
		body = map[string]any{"plan": doc}
	}
	if actor != "" {
		body["actor"] = actor
	}
	if actorID != "" {
		body["actor_id"] = actorID
	}
	if inWorkflow {
		body["in_workflow"] = true
	}
	return body, nil
}

func runApprove(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	var c common
	c.register(fs)
	approver := fs.String("approver", "", "approver name")
	code, err := parseWithArg(fs, args, "approval code")
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	if *approver == "" {
		*approver = getenv("USER")
	}
	resp, err := client.Approve(context.Background(), code, *approver, c.format)
	if err != nil {
		return err
	}
	_, _ = out.Write(resp)
	return nil
}

func runCommit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("commit", flag.ContinueOnError)
	var c common
	c.register(fs)
	code := fs.String("code", "", "approval code")
	actor := fs.String("actor", "", "actor recorded on the execution")
	planID, err := parseWithArg(fs, args, "plan id")
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	resp, err := client.Commit(context.Background(), planID, *code, *actor, c.format)
	if err != nil {
		return err
	}
	_, _ = out.Write(resp)
	return nil
}

func runExplain(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("explain", flag.ContinueOnError)
	var c common
	c.register(fs)
	id, err := parseWithArg(fs, args, "plan or execution id")
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	resp, err := client.Explain(context.Background(), id, c.format)
	if err != nil {
		return err
	}
	_, _ = out.Write(resp)
	return nil
}

func runInvalidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("invalidate", flag.ContinueOnError)
	var c common
	c.register(fs)
	id, err := parseWithArg(fs, args, "plan id")
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	if err := client.Invalidate(context.Background(), id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "plan %s invalidated\n", id)
	return nil
}

func runList(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var c common
	c.register(fs)
	workspace := fs.String("workspace", "", "workspace")
	limit := fs.Int("limit", 0, "page size")
	offset := fs.Int("offset", 0, "page offset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*workspace) == "" {
		return errors.New("workspace required")
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	query := url.Values{}
	query.Set("workspace", *workspace)
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	if *offset > 0 {
		query.Set("offset", strconv.Itoa(*offset))
	}
	resp, err := client.ListPlans(context.Background(), query, c.format)
	if err != nil {
		return err
	}
	_, _ = out.Write(resp)
	return nil
}

func gatewayClientFromFlags(baseURL, token string) (*gatewayClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("gateway required")
	}
	return newGatewayClient(strings.TrimRight(baseURL, "/"), token), nil
}

func readInput(value string) ([]byte, error) {
	if value == "-" {
		return readStdin()
	}
	if strings.HasPrefix(value, "@") {
		path := strings.TrimPrefix(value, "@")
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("input path required")
		}
		return readFile(path)
	}
	return []byte(value), nil
}
