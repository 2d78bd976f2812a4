package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthConfig holds SSH authentication inputs for one target.
type AuthConfig struct {
	Password      string // password for password and keyboard-interactive auth
	KeyPath       string // path to a private key file
	KeyPassphrase string // passphrase for an encrypted key
	UseAgent      bool   // offer keys from a running SSH agent
}

// buildAuthMethods constructs the ordered auth method list: agent keys,
// an explicit key file, default key locations, then password plus
// keyboard-interactive for servers that front passwords with PAM.
func buildAuthMethods(cfg AuthConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.UseAgent {
		if m, err := agentAuth(); err == nil {
			methods = append(methods, m)
		}
	}

	if cfg.KeyPath != "" {
		m, err := keyFileAuth(cfg.KeyPath, cfg.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		methods = append(methods, m)
	}

	if cfg.KeyPath == "" && cfg.Password == "" && len(methods) == 0 {
		for _, candidate := range []string{"~/.ssh/id_ed25519", "~/.ssh/id_rsa", "~/.ssh/id_ecdsa"} {
			expanded := expandPath(candidate)
			if _, err := os.Stat(expanded); err != nil {
				continue
			}
			if m, err := keyFileAuth(expanded, cfg.KeyPassphrase); err == nil {
				methods = append(methods, m)
				break
			}
		}
	}

	if cfg.Password != "" {
		methods = append(methods,
			ssh.Password(cfg.Password),
			keyboardInteractiveAuth(cfg.Password),
		)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available: %w", ErrAuth)
	}
	return methods, nil
}

func agentAuth() (ssh.AuthMethod, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func keyFileAuth(keyPath, passphrase string) (ssh.AuthMethod, error) {
	keyData, err := os.ReadFile(expandPath(keyPath))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// keyboardInteractiveAuth answers every challenge with the password.
func keyboardInteractiveAuth(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	})
}

// buildHostKeyCallback resolves host key verification. A missing
// known_hosts file degrades to accepting any key rather than refusing
// every first connection.
func buildHostKeyCallback(knownHostsPath string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if knownHostsPath == "" {
		knownHostsPath = "~/.ssh/known_hosts"
	}
	expanded := expandPath(knownHostsPath)
	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
