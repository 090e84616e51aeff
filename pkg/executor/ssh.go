package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/remtask/internal/lg"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
)

// Dialer opens an SSH connection. ssh.Dial satisfies it.
type Dialer func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

// SSHExecutor runs scripts remotely with resilience baked in: every Run
// opens a short-lived connection through the circuit breaker and the whole
// run is retried with exponential backoff until ctx expires. A script that
// ran and exited non-zero is not retried.
type SSHExecutor struct {
	addr    string
	config  *ssh.ClientConfig
	resConf *ResilienceConfig
	dial    Dialer
}

func NewSSHExecutor(addr string, config *ssh.ClientConfig, resConf *ResilienceConfig) *SSHExecutor {
	if resConf == nil {
		resConf = DefaultResilienceConfig("ssh-"+addr, 0)
	}
	return &SSHExecutor{addr: addr, config: config, resConf: resConf, dial: ssh.Dial}
}

// WithDialer replaces the dial function, mostly for tests.
func (e *SSHExecutor) WithDialer(d Dialer) *SSHExecutor {
	e.dial = d
	return e
}

func (e *SSHExecutor) Run(ctx context.Context, script string) ([]string, []string, error) {
	var outLines, errLines []string
	logger := lg.FromContext(ctx).With(lg.String("addr", e.addr))

	operation := func() error {
		res, err := e.resConf.CircuitBreaker.Execute(func() (any, error) {
			return e.dial("tcp", e.addr, e.config)
		})
		if err != nil {
			logger.Debug("ssh dial failed", lg.Err(err))
			return fmt.Errorf("dial %s: %w", e.addr, err)
		}
		client := res.(*ssh.Client)
		defer client.Close()

		sess, err := client.NewSession()
		if err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		defer sess.Close()

		var stdout, stderr bytes.Buffer
		sess.Stdout = &stdout
		sess.Stderr = &stderr

		// closing the client unblocks Run when ctx expires
		stopWatch := context.AfterFunc(ctx, func() { client.Close() })
		defer stopWatch()

		runErr := sess.Run(script)
		outLines = scanLines(ctx, &stdout)
		errLines = scanLines(ctx, &stderr)

		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return backoff.Permanent(fmt.Errorf("remote script: %w", runErr))
		}
		if runErr != nil {
			return fmt.Errorf("run script: %w", runErr)
		}
		return nil
	}

	b := backoff.WithContext(e.resConf.newBackOff(), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return outLines, errLines, err
	}
	return outLines, errLines, nil
}
