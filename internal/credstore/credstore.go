// Package credstore holds the deduplicated credential set backing a
// scan: wordlist-seeded guesses under the wildcard scope plus
// host-scoped entries appended as logins succeed. The CSV file survives
// across runs so later scans start from known-good material.
package credstore

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/gustycube/sshmap/internal/types"
)

var header = []string{"remote_ip", "port", "user", "secret", "method"}

type Store struct {
	mu      sync.Mutex
	path    string
	creds   []types.Credential
	index   map[string]struct{}
	signers map[string]ssh.Signer
}

// Open loads the credential CSV at path, creating parent directories so
// the first append can write through. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{
		path:    path,
		index:   make(map[string]struct{}),
		signers: make(map[string]ssh.Signer),
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("credstore mkdir %s: %w", dir, err)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("credstore open %s: %w", s.path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("credstore parse %s: %w", s.path, err)
	}
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == header[0] {
			continue
		}
		if len(row) != len(header) {
			continue
		}
		port, err := strconv.Atoi(row[1])
		if err != nil {
			continue
		}
		cred := types.Credential{Scope: row[0], Port: port, User: row[2], Secret: row[3], Method: row[4]}
		if _, dup := s.index[cred.Key()]; dup {
			continue
		}
		s.index[cred.Key()] = struct{}{}
		s.creds = append(s.creds, cred)
	}
	return nil
}

// Store appends a credential unless the identical five-field identity
// is already present. The file is rewritten under the lock so the CSV
// on disk always matches the in-memory set.
func (s *Store) Store(cred types.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.index[cred.Key()]; dup {
		return nil
	}
	s.creds = append(s.creds, cred)
	s.index[cred.Key()] = struct{}{}
	return s.writeAll()
}

// writeAll replaces the CSV via a temp file and rename, so a crash mid
// write cannot take the accumulated credentials with it.
func (s *Store) writeAll() error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("credstore write %s: %w", tmp, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("credstore write header: %w", err)
	}
	for _, c := range s.creds {
		row := []string{c.Scope, strconv.Itoa(c.Port), c.User, c.Secret, c.Method}
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("credstore write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("credstore flush %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("credstore close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("credstore replace %s: %w", s.path, err)
	}
	return nil
}

// SeedWordlists cross-products users with passwords and key files into
// wildcard-scope credentials, so every combination is tried against
// every target the scan reaches.
func (s *Store) SeedWordlists(users, passwords, keyfiles []string) error {
	for _, user := range users {
		for _, password := range passwords {
			cred := types.Credential{Scope: types.WildcardScope, Port: 22, User: user, Secret: password, Method: types.MethodPassword}
			if err := s.Store(cred); err != nil {
				return err
			}
		}
		for _, keyfile := range keyfiles {
			cred := types.Credential{Scope: types.WildcardScope, Port: 22, User: user, Secret: keyfile, Method: types.MethodKeyfile}
			if err := s.Store(cred); err != nil {
				return err
			}
		}
	}
	return nil
}

// Candidates returns the wildcard-scope credentials plus those scoped
// to exactly host:port, deduplicated by (user, secret, method). The
// stored port of a wildcard entry is ignored; the attack supplies the
// port it is probing.
func (s *Store) Candidates(host string, port int) []types.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var out []types.Credential
	for _, c := range s.creds {
		if !c.Wildcard() && !(c.Scope == host && c.Port == port) {
			continue
		}
		k := c.User + "|" + c.Secret + "|" + c.Method
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// All returns a copy of every stored credential.
func (s *Store) All() []types.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Credential, len(s.creds))
	copy(out, s.creds)
	return out
}

// Len reports the number of stored credentials.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creds)
}

// SignerFor parses the private key at path once and caches the signer;
// every attempt using the same key file shares the parsed form.
func (s *Store) SignerFor(path string) (ssh.Signer, error) {
	s.mu.Lock()
	if signer, ok := s.signers[path]; ok {
		s.mu.Unlock()
		return signer, nil
	}
	s.mu.Unlock()

	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}

	s.mu.Lock()
	s.signers[path] = signer
	s.mu.Unlock()
	return signer, nil
}
