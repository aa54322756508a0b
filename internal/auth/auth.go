// Package auth builds an ssh.AuthMethod from a password or key-file
// description, expanding "~" the same way a shell would.
package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Params is the subset of ConnectionParams authentication needs. Kept
// independent of the root package's ConnectionParams so this package has no
// import cycle back to it.
type Params struct {
	AuthMethod           string // "password" | "key"
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
}

// ErrFunc wraps a library error as AuthFailed with the given reason — the
// caller supplies the wrapper so this package stays free of the root
// package's error taxonomy.
type ErrFunc func(reason string, cause error) error

// Method returns the ssh.AuthMethod for p, or a caller-wrapped AuthFailed
// error if the key file is missing, the passphrase is wrong, or the auth
// method is unrecognized.
func Method(p Params, wrap ErrFunc) (ssh.AuthMethod, error) {
	switch p.AuthMethod {
	case "password":
		return ssh.Password(p.Password), nil
	case "key":
		return keyMethod(p, wrap)
	default:
		return nil, wrap(fmt.Sprintf("unsupported auth method %q", p.AuthMethod), nil)
	}
}

func keyMethod(p Params, wrap ErrFunc) (ssh.AuthMethod, error) {
	path := expandHome(p.PrivateKeyPath)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, wrap(fmt.Sprintf("read private key %q", path), err)
	}

	var signer ssh.Signer
	if p.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(p.PrivateKeyPassphrase))
	} else if p.Password != "" {
		// spec.md §3: Password also serves as the key-file passphrase fallback.
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(p.Password))
	} else {
		signer, err = ssh.ParsePrivateKey(raw)
	}
	if err != nil {
		return nil, wrap("parse private key (passphrase wrong or key malformed)", err)
	}

	return ssh.PublicKeys(signer), nil
}

// expandHome resolves a leading "~" against the current user's home
// directory, per spec.md §4.2. Any other leading path is returned unchanged.
func expandHome(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
