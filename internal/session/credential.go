package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Credential is one way of authenticating. Strategies are offered to the server
// in order and the first accepted one wins.
type Credential interface {
	Name() string
	AuthMethod() (ssh.AuthMethod, error)
}

// KeyFile authenticates with a private key on disk.
type KeyFile struct {
	Path       string
	Passphrase string
}

func (k KeyFile) Name() string { return "publickey:" + k.Path }

func (k KeyFile) AuthMethod() (ssh.AuthMethod, error) {
	path, err := expandHome(k.Path)
	if err != nil {
		return nil, err
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	var signer ssh.Signer
	if k.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(k.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

// Password authenticates with a configured secret.
type Password struct {
	Secret string
}

func (p Password) Name() string { return "password" }

func (p Password) AuthMethod() (ssh.AuthMethod, error) {
	return ssh.Password(p.Secret), nil
}

// PromptPassword asks the operator only when the server gets to it, and keeps the
// answer for sudo elevation later on.
type PromptPassword struct {
	Prompt func() (string, error)

	once     sync.Once
	answered bool
	secret   string
	err      error
}

func (p *PromptPassword) Name() string { return "password-prompt" }

func (p *PromptPassword) AuthMethod() (ssh.AuthMethod, error) {
	if p.Prompt == nil {
		return nil, errors.New("no password prompt available")
	}
	return ssh.PasswordCallback(p.Secret), nil
}

// Secret returns the prompted password, asking at most once.
func (p *PromptPassword) Secret() (string, error) {
	p.once.Do(func() {
		p.secret, p.err = p.Prompt()
		p.answered = p.err == nil
	})
	return p.secret, p.err
}

// Cached returns the secret only if the operator already answered the prompt.
func (p *PromptPassword) Cached() (string, bool) {
	if !p.answered {
		return "", false
	}
	return p.secret, true
}

// Strategies orders the credentials for t. Key first when a key path is configured,
// unless UsePassword asks for the password first. prompt is used when a password is
// wanted but none is configured; it may be nil.
func Strategies(t Target, prompt func() (string, error)) []Credential {
	var key, pass Credential
	if t.KeyPath != "" {
		key = KeyFile{Path: t.KeyPath}
	}
	switch {
	case t.Password != "":
		pass = Password{Secret: t.Password}
	case t.UsePassword && prompt != nil:
		pass = &PromptPassword{Prompt: prompt}
	}

	ordered := []Credential{key, pass}
	if t.UsePassword {
		ordered = []Credential{pass, key}
	}
	out := make([]Credential, 0, 2)
	for _, c := range ordered {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
