package runner

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer runs exec requests with the local shell and serves SFTP
// from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey

	mu       sync.Mutex
	commands []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSSHServer{listener: listener, config: config, hostKey: signer.PublicKey()}
	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			cmd := exec.Command("/bin/sh", "-c", payload.Command)
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			status := uint32(0)
			if err := cmd.Run(); err != nil {
				status = 255
				if exitErr, ok := err.(*exec.ExitError); ok {
					status = uint32(exitErr.ExitCode())
				}
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func newTestSSHRunner(t *testing.T, s *testSSHServer) *SSHRunner {
	t.Helper()
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	r, err := NewSSHRunner(&SSHConfig{
		Host:       host,
		Port:       port,
		User:       "testuser",
		AuthMethod: AuthMethodPassword,
		Password:   "testpass",
		HostKey:    string(ssh.MarshalAuthorizedKey(s.hostKey)),
		TempDir:    t.TempDir(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSSHRunner failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSSHRunnerRun(t *testing.T) {
	s := newTestSSHServer(t)
	r := newTestSSHRunner(t, s)

	tests := []struct {
		command  string
		wantOut  string
		wantCode int
	}{
		{"echo test", "test\n", 0},
		{"echo error >&2", "error\n", 0},
		{"exit 4", "", 4},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			out, code, err := r.Run(context.Background(), tt.command)
			if err != nil {
				t.Fatalf("Run returned error: %v", err)
			}
			if out != tt.wantOut || code != tt.wantCode {
				t.Errorf("Run = %q, %d; want %q, %d", out, code, tt.wantOut, tt.wantCode)
			}
		})
	}
}

func TestSSHRunnerUploadsScripts(t *testing.T) {
	s := newTestSSHServer(t)
	r := newTestSSHRunner(t, s)

	out, code, err := r.Run(context.Background(), "greeting=hello\necho \"$greeting from a script\"")
	if err != nil || code != 0 {
		t.Fatalf("Run = %d, %v", code, err)
	}
	if out != "hello from a script\n" {
		t.Errorf("unexpected output %q", out)
	}

	cmds := s.executed()
	if len(cmds) != 1 || !strings.HasPrefix(cmds[0], DefaultShell+" "+r.config.TempDir) {
		t.Fatalf("expected the script to run from the temp dir, got %v", cmds)
	}
	script := strings.TrimPrefix(cmds[0], DefaultShell+" ")
	if _, err := os.Stat(script); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed, stat error %v", filepath.Base(script), err)
	}
}

func TestSSHRunnerRejectsBadCredentials(t *testing.T) {
	s := newTestSSHServer(t)
	r := newTestSSHRunner(t, s)
	r.config.Password = "wrong"

	_, _, err := r.Run(context.Background(), "true")
	te, ok := err.(*TransportError)
	if !ok || te.Op != "connect" {
		t.Fatalf("expected a connect TransportError, got %v", err)
	}
}

func TestSSHConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  SSHConfig
		wantErr string
	}{
		{"missing host", SSHConfig{User: "u", AuthMethod: AuthMethodPassword, Password: "p"}, "host is required"},
		{"missing user", SSHConfig{Host: "h", AuthMethod: AuthMethodPassword, Password: "p"}, "user is required"},
		{"missing password", SSHConfig{Host: "h", User: "u", AuthMethod: AuthMethodPassword}, "password is required"},
		{"missing key file", SSHConfig{Host: "h", User: "u", PrivateKeyPath: "/nonexistent/key"}, "private key file not found"},
		{"bad port", SSHConfig{Host: "h", User: "u", Port: 70000, AuthMethod: AuthMethodPassword, Password: "p"}, "invalid port"},
		{"unknown method", SSHConfig{Host: "h", User: "u", AuthMethod: "agent"}, "unsupported auth method"},
		{"valid", SSHConfig{Host: "h", User: "u", AuthMethod: AuthMethodPassword, Password: "p"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if cfg.Port != 22 || cfg.Shell != DefaultShell || cfg.TempDir != "/tmp" {
					t.Errorf("defaults not applied: %+v", cfg)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
