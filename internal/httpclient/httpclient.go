// Package httpclient builds the HTTP client the scanner uses to talk to
// the event collector, including mutual-TLS identity and a circuit
// breaker so a dead collector fails fast.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gustycube/sshmap/internal/circuitbreaker"
)

// New returns a client tuned for batch posting to a single collector.
// When cert and key are set the client presents that keypair; when ca
// is set only that bundle is trusted for the collector's certificate.
func New(cert, key, ca string) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cert != "" && key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}
	if ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", ca)
		}
		tlsCfg.RootCAs = pool
	}

	tr := &http.Transport{
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          16,
		MaxConnsPerHost:       4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: 20 * time.Second}, nil
}

// Resilient wraps a client with a circuit breaker. Transport errors and
// 5xx responses count as failures; once the breaker opens, calls return
// ErrOpen without touching the network until the collector gets a
// chance to prove itself again.
type Resilient struct {
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewResilient(client *http.Client) *Resilient {
	if client == nil {
		client, _ = New("", "", "")
	}
	return &Resilient{
		client: client,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold:    5,
			FailureRatio: 0.6,
			Timeout:      30 * time.Second,
			Interval:     60 * time.Second,
			MaxProbes:    2,
		}),
	}
}

// Do executes the request unless the breaker is open. On a 5xx the
// response is returned alongside a StatusError so the caller can still
// drain and close the body.
func (r *Resilient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := r.breaker.Execute(func() error {
		var err error
		resp, err = r.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &StatusError{Code: resp.StatusCode, Status: resp.Status}
		}
		return nil
	})
	return resp, err
}

// State reports the breaker position, for health reporting.
func (r *Resilient) State() circuitbreaker.State {
	return r.breaker.State()
}

// IsCircuitOpen reports whether err means the breaker refused the call
// before any network traffic happened.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrThrottled)
}

// StatusError is a server-side failure response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return e.Status
}
