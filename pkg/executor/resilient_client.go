package executor

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type ResilienceConfig struct {
	BackoffSettings        *backoff.ExponentialBackOff
	CircuitBreakerSettings gobreaker.Settings
	CircuitBreaker         *gobreaker.CircuitBreaker
}

func NewResilienceConfig(defaultBackOff *backoff.ExponentialBackOff, cbs gobreaker.Settings) *ResilienceConfig {
	return &ResilienceConfig{
		BackoffSettings:        defaultBackOff,
		CircuitBreakerSettings: cbs,
		CircuitBreaker:         gobreaker.NewCircuitBreaker(cbs),
	}
}

// DefaultResilienceConfig retries for at most maxElapsed and opens the
// breaker after more than five consecutive failed connections.
func DefaultResilienceConfig(name string, maxElapsed time.Duration) *ResilienceConfig {
	cbs := gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return NewResilienceConfig(
		&backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			MaxElapsedTime:      maxElapsed,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		cbs,
	)
}

// newBackOff returns a private copy of the configured policy; an
// ExponentialBackOff keeps per-run state and must not be shared.
func (r *ResilienceConfig) newBackOff() *backoff.ExponentialBackOff {
	b := *r.BackoffSettings
	b.Reset()
	return &b
}

// ClientOptions describes how to authenticate a native SSH connection.
type ClientOptions struct {
	User           string
	Password       string
	IdentityFile   string
	KnownHostsFile string
	Timeout        time.Duration
}

// NewClientConfig builds an ssh.ClientConfig from opts. Without a known
// hosts file the host key is not verified.
func NewClientConfig(opts ClientOptions) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if opts.IdentityFile != "" {
		keyAuth, err := PublicKeyAuth(opts.IdentityFile)
		if err != nil {
			return nil, err
		}
		auth = append(auth, keyAuth)
	}
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh auth method configured for user %q", opts.User)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("known hosts %s: %w", opts.KnownHostsFile, err)
		}
		hostKey = cb
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
		BannerCallback:  func(message string) error { return nil }, // ignore banner
	}, nil
}

func PublicKeyAuth(privateKeyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// JoinHostPort appends port to host unless host already carries one.
func JoinHostPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
