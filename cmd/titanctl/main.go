package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"titan/pkg/models"
	"titan/pkg/signing"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "arm":
		return adminCommand("arm", args[1:], out)
	case "disarm":
		return adminCommand("disarm", args[1:], out)
	case "halt":
		return adminCommand("halt", args[1:], out)
	case "flatten":
		return adminCommand("flatten", args[1:], out)
	case "governance":
		return governance(args[1:], out)
	case "policy-hash":
		return policyHash(args[1:], out)
	case "sign-command":
		return signCommand(args[1:], out)
	case "submit":
		return submit(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "titanctl commands:")
	fmt.Fprintln(out, "  arm|disarm|halt|flatten --url http://localhost:8084 --token <admin-token> [--actor <id>] [--reason <text>]")
	fmt.Fprintln(out, "  governance --url http://localhost:8084 --token <admin-token> [--set NORMAL|DEFENSIVE|EMERGENCY]")
	fmt.Fprintln(out, "  policy-hash --url http://localhost:8084 --token <admin-token>")
	fmt.Fprintln(out, "  sign-command --action HALT --actor <id> [--secret <hmac-secret>] [--reason <text>]")
	fmt.Fprintln(out, "  submit --signal signal.json --url http://localhost:8084 [--secret <hmac-secret>] [--producer <id>]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// printResponse echoes the server's JSON body and converts non-2xx statuses
// into errors so shell pipelines see a failing exit code.
func printResponse(resp *http.Response, out io.Writer) error {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// adminCommand posts to the decision service's admin API. The kill-switch
// paths (halt, flatten) go through here.
func adminCommand(name string, args []string, out io.Writer) error {
	fs := newFlagSet(name)
	baseURL := fs.String("url", "http://localhost:8084", "decision service base URL")
	token := fs.String("token", os.Getenv("ADMIN_TOKEN"), "admin token")
	actor := fs.String("actor", "titanctl", "initiator id recorded in the audit trail")
	reason := fs.String("reason", "", "reason recorded with the command")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("token required (flag or ADMIN_TOKEN)")
	}
	body, err := json.Marshal(map[string]string{
		"reason":       *reason,
		"initiator_id": *actor,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/"+name, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Admin-Token", *token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return printResponse(resp, out)
}

func governance(args []string, out io.Writer) error {
	fs := newFlagSet("governance")
	baseURL := fs.String("url", "http://localhost:8084", "decision service base URL")
	token := fs.String("token", os.Getenv("ADMIN_TOKEN"), "admin token")
	level := fs.String("set", "", "governance level to set; empty reads the current level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("token required (flag or ADMIN_TOKEN)")
	}
	endpoint := strings.TrimRight(*baseURL, "/") + "/api/governance"
	var req *http.Request
	var err error
	if *level == "" {
		req, err = http.NewRequest(http.MethodGet, endpoint, nil)
	} else {
		body, merr := json.Marshal(map[string]string{"level": *level})
		if merr != nil {
			return merr
		}
		req, err = http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	}
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Admin-Token", *token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("governance: %w", err)
	}
	return printResponse(resp, out)
}

func policyHash(args []string, out io.Writer) error {
	fs := newFlagSet("policy-hash")
	baseURL := fs.String("url", "http://localhost:8084", "decision service base URL")
	token := fs.String("token", os.Getenv("ADMIN_TOKEN"), "admin token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("token required (flag or ADMIN_TOKEN)")
	}
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(*baseURL, "/")+"/api/risk/policy-hash", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Admin-Token", *token)
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("policy-hash: %w", err)
	}
	return printResponse(resp, out)
}

// signCommand signs a risk command offline so an operator can inject a HALT
// straight into the execution service without going through decision.
func signCommand(args []string, out io.Writer) error {
	fs := newFlagSet("sign-command")
	action := fs.String("action", "", "HALT, FLATTEN, ARM or DISARM")
	actor := fs.String("actor", "", "actor id")
	reason := fs.String("reason", "", "optional reason")
	secret := fs.String("secret", os.Getenv("HMAC_SECRET"), "shared HMAC secret")
	commandID := fs.String("command-id", "", "command id; generated when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch *action {
	case models.CommandHalt, models.CommandFlatten, models.CommandArm, models.CommandDisarm:
	default:
		return fmt.Errorf("action must be one of HALT, FLATTEN, ARM, DISARM; got %q", *action)
	}
	if *actor == "" {
		return errors.New("actor required")
	}
	signer, err := signing.New(*secret, 0)
	if err != nil {
		return err
	}
	if *commandID == "" {
		*commandID = uuid.NewString()
	}
	cmd := models.RiskCommand{
		CommandID: *commandID,
		Action:    *action,
		ActorID:   *actor,
		Reason:    *reason,
		Timestamp: time.Now().UnixMilli(),
	}
	signer.SignCommand(&cmd)
	encoded, err := json.MarshalIndent(cmd, "", "  ")
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

// submit wraps a signal file in a signed envelope and posts it to the
// decision service's strategy intake.
func submit(args []string, out io.Writer) error {
	fs := newFlagSet("submit")
	signalPath := fs.String("signal", "", "signal json file")
	baseURL := fs.String("url", "http://localhost:8084", "decision service base URL")
	secret := fs.String("secret", os.Getenv("HMAC_SECRET"), "shared HMAC secret")
	producer := fs.String("producer", "titanctl", "envelope producer id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *signalPath == "" {
		return errors.New("signal required")
	}
	payload, err := os.ReadFile(*signalPath) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("read signal: %w", err)
	}
	if !json.Valid(payload) {
		return errors.New("signal file is not valid json")
	}
	signer, err := signing.New(*secret, 0)
	if err != nil {
		return err
	}
	env := models.Envelope{
		ID:       uuid.NewString(),
		Type:     models.TypeIntent,
		Producer: *producer,
		TS:       time.Now().UnixMilli(),
		Nonce:    uuid.NewString(),
		Payload:  payload,
	}
	if err := signer.SignEnvelope(&env); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	resp, err := httpClient.Post(strings.TrimRight(*baseURL, "/")+"/v1/signal", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return printResponse(resp, out)
}
