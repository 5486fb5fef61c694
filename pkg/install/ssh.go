package install

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/crypto/ssh"

	"github.com/palera1n/palera1n/pkg/errs"
)

// Port is the SSH port of the ramdisk.
const Port = 22

// Timeout bounds the SSH handshake.
const Timeout = 20 * time.Second

// Dialer opens TCP tunnels to the device. lockdown.Usbmux implements it.
type Dialer interface {
	DialPort(ctx context.Context, port uint16) (net.Conn, error)
}

// SSH is a Shell on the ramdisk.
type SSH struct {
	client *ssh.Client
}

func config() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.Password("alpine")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         Timeout,
	}
}

func handshake(conn net.Conn) (*SSH, error) {
	conn.SetDeadline(time.Now().Add(Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, "localhost", config())
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return &SSH{client: ssh.NewClient(c, chans, reqs)}, nil
}

// Dial connects to the SSH server on port, retrying every second until the
// server answers or ctx is done.
func Dial(ctx context.Context, d Dialer, port uint16) (*SSH, error) {
	glog.Infof("Waiting for SSH to start")
	for {
		conn, err := d.DialPort(ctx, port)
		if err == nil {
			s, herr := handshake(conn)
			if herr == nil {
				glog.Infof("Connected to device")
				return s, nil
			}
			err = herr
		}
		glog.V(1).Infof("SSH not up yet: %v", err)
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.Install, "ssh dial", ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

type result struct {
	out []byte
	err error
}

func (s *SSH) session(ctx context.Context, cmd string, f func(*ssh.Session) ([]byte, error)) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, errs.New(errs.Install, cmd, err)
	}
	defer sess.Close()
	done := make(chan result, 1)
	go func() {
		out, err := f(sess)
		done <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return nil, errs.New(errs.Install, cmd, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return r.out, errs.New(errs.Install, cmd, r.err)
		}
		return r.out, nil
	}
}

// Run executes cmd and returns its trimmed combined output. A non-zero exit
// status is an error; the output is returned either way.
func (s *SSH) Run(ctx context.Context, cmd string) (string, error) {
	glog.V(1).Infof("ssh: %s", cmd)
	out, err := s.session(ctx, cmd, func(sess *ssh.Session) ([]byte, error) {
		return sess.CombinedOutput(cmd)
	})
	return strings.TrimSpace(string(out)), err
}

// ReadFile returns the contents of a remote file, untouched.
func (s *SSH) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return s.session(ctx, "cat "+path, func(sess *ssh.Session) ([]byte, error) {
		return sess.Output("cat " + path)
	})
}

// WriteFile streams data to a remote file and sets its mode.
func (s *SSH) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	cmd := fmt.Sprintf("cat > %s && chmod %o %s", path, mode.Perm(), path)
	_, err := s.session(ctx, cmd, func(sess *ssh.Session) ([]byte, error) {
		sess.Stdin = bytes.NewReader(data)
		return sess.CombinedOutput(cmd)
	})
	return err
}

func (s *SSH) Close() error {
	return s.client.Close()
}
