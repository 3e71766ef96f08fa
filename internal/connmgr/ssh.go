package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/inventory"
	"golang.org/x/crypto/ssh"
)

const (
	// keepaliveInterval is how often idle SSH connections are probed.
	keepaliveInterval = 30 * time.Second

	// defaultDialTimeout bounds the TCP connect plus SSH handshake.
	defaultDialTimeout = 30 * time.Second

	// DefaultTerm is the TERM value requested for the remote PTY.
	DefaultTerm = "xterm-256color"
)

// SSHDialer opens interactive PTY shells over x/crypto/ssh.
type SSHDialer struct {
	// Signer authenticates with the console key pair.
	Signer ssh.Signer
	// Credentials optionally supplies a per-target password.
	Credentials inventory.Credentials
	// HostKeyCallback verifies target host keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	// Timeout bounds the connect and handshake. Zero uses 30s.
	Timeout time.Duration
}

// ClientConfig builds the SSH client configuration for a target.
func (d *SSHDialer) ClientConfig(target inventory.Target) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if d.Credentials != nil {
		pw, err := d.Credentials.Password(target.ID)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		if pw != "" {
			auth = append(auth, ssh.Password(pw))
		}
	}
	if d.Signer != nil {
		auth = append(auth, ssh.PublicKeys(d.Signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh auth method available")
	}

	hostKey := d.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// DialClient connects and completes the SSH handshake, honouring ctx.
func (d *SSHDialer) DialClient(ctx context.Context, target inventory.Target) (*ssh.Client, error) {
	cfg, err := d.ClientConfig(target)
	if err != nil {
		return nil, err
	}
	addr := target.Addr()

	dialer := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Abort the handshake if ctx is cancelled mid-way.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	stop()
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Dial opens a client, requests a PTY of the given size and starts a login shell.
func (d *SSHDialer) Dial(ctx context.Context, target inventory.Target, cols, rows uint16) (Stream, error) {
	client, err := d.DialClient(ctx, target)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}
	if err := session.RequestPty(DefaultTerm, int(rows), int(cols), modes); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &sshStream{
		client:  client,
		session: session,
		stdin:   stdin,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go s.readLoop(stdout)
	go s.keepalive()
	return s, nil
}

// sshStream adapts an interactive ssh.Session to the Stream interface.
type sshStream struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	events  chan Event

	closeOnce sync.Once
	done      chan struct{}

	mu           sync.Mutex
	localClose   bool
	keepaliveErr error
}

func (s *sshStream) Send(p []byte) error {
	_, err := s.stdin.Write(p)
	return err
}

func (s *sshStream) Resize(cols, rows uint16) error {
	return s.session.WindowChange(int(rows), int(cols))
}

func (s *sshStream) Events() <-chan Event { return s.events }

func (s *sshStream) Close() error {
	s.mu.Lock()
	s.localClose = true
	s.mu.Unlock()
	return s.shutdown()
}

func (s *sshStream) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.session.Close()
		err = s.client.Close()
	})
	return err
}

// readLoop relays stdout as data frames and finishes with exactly one
// terminal frame.
func (s *sshStream) readLoop(stdout io.Reader) {
	defer close(s.events)

	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.events <- Event{Type: EventData, Data: data}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}

	waitErr := s.session.Wait()
	s.shutdown()

	s.mu.Lock()
	local := s.localClose
	kaErr := s.keepaliveErr
	s.mu.Unlock()

	s.events <- closingEvent(local, kaErr, readErr, waitErr)
}

// closingEvent classifies how the stream ended. A local close or a remote
// shell exit (with any exit status) is normal; anything else is abnormal.
func closingEvent(local bool, keepaliveErr, readErr, waitErr error) Event {
	if local {
		return Event{Type: EventDisconnected}
	}
	if keepaliveErr != nil {
		return Event{Type: EventError, Err: fmt.Errorf("keepalive failed: %w", keepaliveErr)}
	}
	if readErr != nil {
		return Event{Type: EventError, Err: readErr}
	}
	var exitErr *ssh.ExitError
	if waitErr == nil || errors.As(waitErr, &exitErr) {
		return Event{Type: EventDisconnected}
	}
	return Event{Type: EventError, Err: waitErr}
}

// keepalive probes the connection and tears it down when the peer stops
// answering, which surfaces as an abnormal close.
func (s *sshStream) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[connmgr] ssh keepalive failed: %v", err)
				s.mu.Lock()
				s.keepaliveErr = err
				s.mu.Unlock()
				s.shutdown()
				return
			}
		}
	}
}
