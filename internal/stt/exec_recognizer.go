package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecConfig describes a local model invoked as a subprocess.
type ExecConfig struct {
	Command   string
	ModelPath string
	Language  string
}

// ExecRecognizer runs a local model command once per batch. The command gets
// the batch as `--audio <file>` and must print {"text": "..."} on stdout.
type ExecRecognizer struct {
	cmd []string
	cfg ExecConfig
	mu  sync.Mutex
}

type execResult struct {
	Text string `json:"text"`
}

func NewExecRecognizer(cfg ExecConfig) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *ExecRecognizer) Transcribe(ctx context.Context, a Audio) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, cleanup, err := writeTempAudio(a)
	defer cleanup()
	if err != nil {
		return Result{}, failed(TierLocal, err)
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || ctx.Err() != nil {
			return Result{}, unavailable(TierLocal, fmt.Errorf("stt command: %w", err))
		}
		return Result{}, failed(TierLocal, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String())))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, failed(TierLocal, fmt.Errorf("decode stt response: %w", err))
	}
	return Result{Text: strings.TrimSpace(resp.Text)}, nil
}
