package runner

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication.
	AuthMethodKey AuthMethod = "key"
)

// SSHConfig holds SSH connection configuration.
type SSHConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
	User string `yaml:"user" validate:"required"`

	// AuthMethod defaults to key authentication.
	AuthMethod AuthMethod `yaml:"auth" validate:"omitempty,oneof=password key"`

	Password             string `yaml:"password,omitempty"`
	PrivateKeyPath       string `yaml:"private_key,omitempty"`
	PrivateKeyPassphrase string `yaml:"passphrase,omitempty"`

	// KnownHostsPath is the known_hosts file used when StrictHostKeyChecking
	// is set.
	KnownHostsPath        string `yaml:"known_hosts,omitempty"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`

	// HostKey pins a single host key in authorized_keys format. It takes
	// precedence over known_hosts.
	HostKey string `yaml:"host_key,omitempty"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty"`

	// Shell runs uploaded scripts; defaults to /bin/sh.
	Shell string `yaml:"shell,omitempty"`

	// TempDir receives uploaded scripts; defaults to /tmp.
	TempDir string `yaml:"temp_dir,omitempty"`
}

// applyDefaults fills zero values.
func (c *SSHConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthMethodKey
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.TempDir == "" {
		c.TempDir = "/tmp"
	}
}

// Validate checks if the configuration is valid. Key authentication
// without a key path falls back to the default key locations.
func (c *SSHConfig) Validate() error {
	c.applyDefaults()

	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			homeDir := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				keyPath := filepath.Join(homeDir, ".ssh", name)
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	return nil
}

// ClientConfig creates an ssh.ClientConfig from the configuration.
func (c *SSHConfig) ClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))
		// Many servers only prompt through keyboard-interactive.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *SSHConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch {
	case c.HostKey != "":
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return ssh.FixedHostKey(key), nil
	case c.KnownHostsPath != "" && c.StrictHostKeyChecking:
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		return cb, nil
	default:
		return ssh.InsecureIgnoreHostKey(), nil
	}
}

// Address returns the formatted SSH address (host:port).
func (c *SSHConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
