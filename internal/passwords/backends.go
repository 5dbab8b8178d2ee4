package passwords

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -source=backends.go -destination=mock_backends_test.go -package=passwords

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
	"github.com/zalando/go-keyring"
)

// KeyringService is the service name entries are stored under.
const KeyringService = "oidc-agent"

// Keyring stores secrets in the operating system's keyring.
type Keyring interface {
	// Get returns ErrNotFound when nothing is stored for shortname.
	Get(shortname string) (secret.Value, error)
	Set(shortname string, v secret.Value) error
	// Delete succeeds when nothing is stored for shortname.
	Delete(shortname string) error
}

// CommandRunner runs a shell command and returns its output.
type CommandRunner interface {
	Run(ctx context.Context, command string) (secret.Value, error)
}

// Prompter asks the user for the password of shortname.
type Prompter interface {
	Prompt(ctx context.Context, shortname string) (secret.Value, error)
}

// OSKeyring is the Keyring backed by zalando/go-keyring.
type OSKeyring struct {
	Service string
}

// NewOSKeyring returns a keyring adapter for the default service.
func NewOSKeyring() *OSKeyring {
	return &OSKeyring{Service: KeyringService}
}

func (k *OSKeyring) Get(shortname string) (secret.Value, error) {
	s, err := keyring.Get(k.Service, shortname)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return secret.Value{}, fmt.Errorf("%w: no keyring entry for %q", apperrors.ErrNotFound, shortname)
		}

		return secret.Value{}, fmt.Errorf("%w: reading keyring entry %q: %v", apperrors.ErrNetwork, shortname, err)
	}

	return secret.New(s), nil
}

func (k *OSKeyring) Set(shortname string, v secret.Value) error {
	if err := keyring.Set(k.Service, shortname, v.Reveal()); err != nil {
		return fmt.Errorf("%w: writing keyring entry %q: %v", apperrors.ErrNetwork, shortname, err)
	}

	return nil
}

func (k *OSKeyring) Delete(shortname string) error {
	err := keyring.Delete(k.Service, shortname)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: deleting keyring entry %q: %v", apperrors.ErrNetwork, shortname, err)
	}

	return nil
}

// execCommandContext is a variable to allow stubbing in tests.
var execCommandContext = exec.CommandContext

// ShellRunner runs commands through sh -c.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, command string) (secret.Value, error) {
	v, err := output(execCommandContext(ctx, "sh", "-c", command))
	if err != nil {
		return secret.Value{}, fmt.Errorf("%w: password command failed: %w", apperrors.ErrNetwork, err)
	}

	return v, nil
}

// output runs cmd and returns its stdout without the trailing newline.
// A failure carries the trimmed stderr.
func output(cmd *exec.Cmd) (secret.Value, error) {
	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return secret.Value{}, fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	out := stdout.Bytes()
	v := secret.FromBytes(bytes.TrimRight(out, "\r\n"))
	clear(out)

	return v, nil
}

// AskpassPrompter runs an askpass-style helper program that takes the
// prompt as its only argument and prints the entered password to stdout.
type AskpassPrompter struct {
	Program string
}

// NewAskpassPrompter uses program, or $SSH_ASKPASS when program is empty.
func NewAskpassPrompter(program string) *AskpassPrompter {
	if program == "" {
		program = os.Getenv("SSH_ASKPASS")
	}

	return &AskpassPrompter{Program: program}
}

func (p *AskpassPrompter) Prompt(ctx context.Context, shortname string) (secret.Value, error) {
	if p.Program == "" {
		return secret.Value{}, fmt.Errorf("%w: no askpass program configured", apperrors.ErrConfig)
	}

	label := fmt.Sprintf("oidc-agent needs the encryption password for %s", shortname)

	v, err := output(execCommandContext(ctx, p.Program, label))
	if err != nil {
		return secret.Value{}, fmt.Errorf("%w: askpass program failed: %w", apperrors.ErrNetwork, err)
	}

	return v, nil
}
