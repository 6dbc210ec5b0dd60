package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"protoeval/internal/cli/command"
	httpclient "protoeval/internal/cli/http"
	"protoeval/internal/cli/state"
	pkgerrors "protoeval/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const mainPrompt = "protoeval> "

// Options configures a Session.
type Options struct {
	Client       *httpclient.Client
	Commands     map[string]command.Command
	History      *state.History
	StatePath    string
	PrettyJSON   bool
	WaitInterval time.Duration
	WaitMax      time.Duration
	Output       io.Writer
}

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	commands     map[string]command.Command
	history      *state.History
	statePath    string
	prettyJSON   bool
	waitInterval time.Duration
	waitMax      time.Duration
	out          io.Writer
	prompt       func(label string) (string, error)
}

func New(opts Options) *Session {
	s := &Session{
		client:       opts.Client,
		commands:     opts.Commands,
		history:      opts.History,
		statePath:    opts.StatePath,
		prettyJSON:   opts.PrettyJSON,
		waitInterval: opts.WaitInterval,
		waitMax:      opts.WaitMax,
		out:          opts.Output,
	}
	if s.history == nil {
		s.history = &state.History{}
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.waitInterval <= 0 {
		s.waitInterval = time.Second
	}
	if s.waitMax <= 0 {
		s.waitMax = 300 * time.Second
	}
	return s
}

// Run reads lines with readline until exit, EOF or an interrupt on an empty line.
func (s *Session) Run(ctx context.Context, historyPath string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          mainPrompt,
		HistoryFile:     historyPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = rl.Close() }()
	s.out = rl.Stdout()
	s.prompt = func(label string) (string, error) {
		rl.SetPrompt(label + ": ")
		defer rl.SetPrompt(mainPrompt)
		line, err := rl.Readline()
		if err != nil {
			return "", fmt.Errorf("read input failed: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		exit, err := s.Execute(ctx, line)
		if err != nil {
			s.printLine("error: %v", err)
		}
		if exit {
			s.printLine("bye")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Execute handles one input line and reports whether the session should end.
func (s *Session) Execute(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	tokens, err := shlex.Split(line)
	if err != nil {
		return false, fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return false, nil
	}

	switch tokens[0] {
	case "exit", "quit":
		return true, nil
	case "help":
		s.printHelp()
		return false, nil
	case "set":
		return false, s.handleSet(tokens[1:])
	case "show":
		return false, s.handleShow(tokens[1:])
	case "forget":
		return false, s.handleForget(tokens[1:])
	case "wait":
		return false, s.handleWait(ctx, tokens[1:])
	}
	return false, s.handleCommand(ctx, tokens)
}

func (s *Session) handleSet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set base <url> | set timeout <duration>")
	}
	switch args[0] {
	case "base":
		s.client.SetBaseURL(strings.TrimRight(args[1], "/"))
		s.printLine("base set to %s", s.client.BaseURL())
	case "timeout":
		dur, err := command.ParseSeconds(args[1])
		if err != nil {
			return err
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		return fmt.Errorf("unknown setting: %s", args[0])
	}
	return nil
}

func (s *Session) handleShow(args []string) error {
	what := "config"
	if len(args) > 0 {
		what = args[0]
	}
	switch what {
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("statePath: %s", s.statePath)
		s.printLine("wait: every %s for at most %s", s.waitInterval, s.waitMax)
	case "last":
		last, ok := s.history.Last()
		if !ok {
			s.printLine("last job: <none>")
			return nil
		}
		s.printLine("last job: %s (submitted %s)", last.ID, last.SubmittedAt.Format(time.RFC3339))
	case "history":
		if len(s.history.Jobs) == 0 {
			s.printLine("history: <empty>")
			return nil
		}
		for i, job := range s.history.Jobs {
			status := job.Status
			if status == "" {
				status = "-"
			}
			s.printLine("@%d  %s  %s  %s  %s  %s", i+1, job.ID, job.SubmittedAt.Format(time.RFC3339),
				orDash(job.RobotVersion), status, orDash(job.Protocol))
		}
	default:
		return fmt.Errorf("usage: show config|last|history")
	}
	return nil
}

func (s *Session) handleForget(args []string) error {
	if len(args) == 0 {
		s.history.Forget("")
		s.printLine("history cleared")
		return s.saveHistory()
	}
	id, err := s.history.Resolve(args[0])
	if err != nil {
		return err
	}
	if !s.history.Forget(id) {
		return fmt.Errorf("job %s is not in the history", id)
	}
	s.printLine("forgot %s", id)
	return s.saveHistory()
}

func (s *Session) saveHistory() error {
	if s.statePath == "" {
		return nil
	}
	return state.Save(s.statePath, *s.history)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func (s *Session) handleCommand(ctx context.Context, tokens []string) error {
	cmd, ok := s.commands[tokens[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s (try help)", tokens[0])
	}
	params, err := command.ParseArgs(cmd, tokens[1:])
	if err != nil {
		return err
	}
	if err := s.resolveJobID(cmd, params); err != nil {
		return err
	}
	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Send(ctx, req)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	if cmd.Name == "submit" {
		s.rememberSubmission(resp, params)
	}
	return nil
}

// resolveJobID expands history references in the id field and fills a
// missing id from the newest submission.
func (s *Session) resolveJobID(cmd command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if field.Name != "id" {
			continue
		}
		ref := params.Get("id")
		if ref == "" && len(s.history.Jobs) == 0 {
			return nil
		}
		id, err := s.history.Resolve(ref)
		if err != nil {
			return err
		}
		params.Set("id", id)
		return nil
	}
	return nil
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	if s.prompt == nil {
		return nil
	}
	for _, field := range cmd.Fields {
		if !field.Required || params.Get(field.Name) != "" {
			continue
		}
		value, err := s.prompt(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) handleWait(ctx context.Context, args []string) error {
	ref := ""
	if len(args) > 0 {
		ref = args[0]
	}
	jobID, err := s.history.Resolve(ref)
	if err != nil {
		return fmt.Errorf("usage: wait <job_id|@N> [interval] [max]: %w", err)
	}
	interval, maxWait := s.waitInterval, s.waitMax
	if len(args) > 1 {
		if interval, err = command.ParseSeconds(args[1]); err != nil {
			return err
		}
	}
	if len(args) > 2 {
		if maxWait, err = command.ParseSeconds(args[2]); err != nil {
			return err
		}
	}

	req, err := command.BuildRequest(s.commands["status"], command.Params{"id": jobID})
	if err != nil {
		return err
	}
	start := time.Now()
	for {
		resp, err := s.client.Send(ctx, req)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			s.renderResponse(resp)
			return fmt.Errorf("status request failed with HTTP %d", resp.StatusCode)
		}
		status, err := jobStatus(resp)
		if err != nil {
			return err
		}
		if status == "completed" || status == "failed" {
			s.renderResponse(resp)
			if s.history.SetStatus(jobID, status) {
				if err := s.saveHistory(); err != nil {
					s.printLine("save job history failed: %v", err)
				}
			}
			return nil
		}
		if time.Since(start) > maxWait {
			return fmt.Errorf("job %s did not complete within %s", jobID, maxWait)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func jobStatus(resp httpclient.ResponseInfo) (string, error) {
	env, err := resp.Envelope()
	if err != nil {
		return "", err
	}
	var view struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &view); err != nil {
		return "", fmt.Errorf("decode status failed: %w", err)
	}
	return view.Status, nil
}

func (s *Session) rememberSubmission(resp httpclient.ResponseInfo, params command.Params) {
	env, err := resp.Envelope()
	if err != nil || env.Code != int(pkgerrors.Success) {
		return
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil || out.JobID == "" {
		return
	}
	ref := state.JobRef{
		ID:           out.JobID,
		RobotVersion: params.Get("version"),
		SubmittedAt:  time.Now().UTC(),
	}
	if protocol := params.Get("protocol"); protocol != "" {
		ref.Protocol = filepath.Base(protocol)
	}
	s.history.Remember(ref)
	if err := s.saveHistory(); err != nil {
		s.printLine("save job history failed: %v", err)
	}
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration.Round(time.Millisecond))
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) printHelp() {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	s.printLine("commands:")
	for _, name := range names {
		s.printLine("  %s", s.commands[name].Usage)
	}
	s.printLine("  wait [job_id|@N] [interval] [max]")
	s.printLine("system: help | exit | forget [job_id|@N] | set base|timeout <value> | show config|last|history")
	s.printLine("job_id defaults to the last submitted job; @N is the Nth newest, a unique prefix also works")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
