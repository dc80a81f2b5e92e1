package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"encoding/pem"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"golang.org/x/net/idna"
)

// CA issues and serves TLS certificates for the Tunnel Engine. GetCert is
// the policy-aware entry point: whether it signs the exact hostname or its
// wildcard parent is decided by how the CA itself was configured.
type CA interface {
	GetRootCA() *x509.Certificate
	GetCert(commonName string) (*tls.Certificate, error)
}

// Config controls SelfSignCA construction.
type Config struct {
	// CAFile is the PEM path for the persisted root cert+key. Empty uses a
	// default path under the user's config directory.
	CAFile string
	// CertsDir holds signed leaf certificates, one PEM file per hostname
	// (or wildcard parent). Empty defaults to a "certs" dir beside CAFile.
	CertsDir string
	// CAName is the root certificate's Subject/Issuer common name.
	CAName string
	// Wildcard, when true, makes GetCert sign the wildcard parent of a
	// 3+ label hostname instead of the exact hostname.
	Wildcard bool
	// LeafValidity is the lifetime given to signed leaf certificates.
	// Defaults to two years.
	LeafValidity time.Duration
}

// SelfSignCA is a CA backed by a locally generated, disk-persisted root
// certificate. Every leaf certificate it signs reuses the root's own RSA
// keypair rather than generating a fresh one per host, the same
// corner-cutting cmd/dummycert relies on when it exports selfSignCA.PrivateKey
// as the key to pair with any cert it prints.
type SelfSignCA struct {
	RootCert *x509.Certificate
	PrivateKey rsa.PrivateKey

	rootDER  []byte
	path     string
	certsDir string
	wildcard bool
	validity time.Duration

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   *singleflight.Group
}

// NewSelfSignCA loads or creates the root CA at caFile ("" picks a default
// path) with default certificate storage and no wildcard policy.
func NewSelfSignCA(caFile string) (CA, error) {
	return NewSelfSignCAWithConfig(Config{CAFile: caFile})
}

// NewSelfSignCAWithConfig loads or creates the root CA per cfg.
func NewSelfSignCAWithConfig(cfg Config) (CA, error) {
	path, err := getStorePath(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("cert: resolve store path: %w", err)
	}

	certsDir := cfg.CertsDir
	if certsDir == "" {
		certsDir = filepath.Join(filepath.Dir(path), "certs")
	}
	if err := os.MkdirAll(certsDir, 0o700); err != nil {
		return nil, fmt.Errorf("cert: create certs dir: %w", err)
	}

	validity := cfg.LeafValidity
	if validity <= 0 {
		validity = 2 * 365 * 24 * time.Hour
	}

	ca := &SelfSignCA{
		path:     path,
		certsDir: certsDir,
		wildcard: cfg.Wildcard,
		validity: validity,
		cache:    lru.New(500),
		group:    new(singleflight.Group),
	}

	if err := ca.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := ca.generateRoot(cfg.CAName); err != nil {
			return nil, err
		}
	}

	return ca, nil
}

// getStorePath resolves caFile to a concrete PEM path, defaulting to a
// per-user config directory when caFile is empty.
func getStorePath(caFile string) (string, error) {
	if caFile != "" {
		return caFile, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "wsgiprox")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "wsgiprox-ca.pem"), nil
}

func (ca *SelfSignCA) caFile() string {
	return ca.path
}

// load reads the root cert+key from disk into memory.
func (ca *SelfSignCA) load() error {
	data, err := os.ReadFile(ca.path)
	if err != nil {
		return err
	}

	var certDER []byte
	var key *rsa.PrivateKey

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certDER = block.Bytes
		case "RSA PRIVATE KEY", "PRIVATE KEY":
			key, err = parseRSAPrivateKey(block)
			if err != nil {
				return fmt.Errorf("cert: parse root key: %w", err)
			}
		}
	}
	if certDER == nil || key == nil {
		return fmt.Errorf("cert: %s: missing certificate or key block", ca.path)
	}

	parsed, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("cert: parse root certificate: %w", err)
	}

	ca.RootCert = parsed
	ca.PrivateKey = *key
	ca.rootDER = certDER
	return nil
}

func parseRSAPrivateKey(block *pem.Block) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("root key is not RSA")
	}
	return key, nil
}

// generateRoot creates a new root key and self-signed certificate, then
// atomically claims ca.path so concurrent first-run processes never
// corrupt each other's root: whichever process wins the O_EXCL create
// persists its root, the others fall back to loading it.
func (ca *SelfSignCA) generateRoot(name string) error {
	if name == "" {
		name = "wsgiprox CA"
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("cert: generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name, Organization: []string{name}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("cert: create root certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("cert: parse generated root: %w", err)
	}

	ca.RootCert = parsed
	ca.PrivateKey = *key
	ca.rootDER = der

	f, err := os.OpenFile(ca.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ca.load()
		}
		return fmt.Errorf("cert: create %s: %w", ca.path, err)
	}
	defer f.Close()

	return ca.saveTo(f)
}

// saveTo PEM-encodes the in-memory root cert+key. It is deterministic over
// (RootCert, PrivateKey), so calling it again after a fresh load produces
// byte-identical output to what is already on disk.
func (ca *SelfSignCA) saveTo(w io.Writer) error {
	if err := pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.rootDER}); err != nil {
		return err
	}
	keyBytes := x509.MarshalPKCS1PrivateKey(&ca.PrivateKey)
	return pem.Encode(w, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyBytes})
}

// GetRootCA returns the CA's own root certificate.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.RootCert
}

// GetCert signs (or returns a cached signing of) a certificate usable for
// commonName, applying the CA's configured wildcard policy.
func (ca *SelfSignCA) GetCert(commonName string) (*tls.Certificate, error) {
	host := normalizeHost(commonName)
	if ca.wildcard {
		return ca.WildcardCert(host)
	}
	return ca.CertForHost(host)
}

// DummyCert signs a certificate for the exact commonName, bypassing wildcard
// policy. It exists for tooling (cmd/dummycert) that wants one concrete cert.
func (ca *SelfSignCA) DummyCert(commonName string) (*tls.Certificate, error) {
	return ca.CertForHost(commonName)
}

// CertForHost signs (or loads a cached signing of) a leaf certificate for
// the exact hostname.
func (ca *SelfSignCA) CertForHost(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)
	return ca.certFor(host, []string{host})
}

// WildcardCert signs (or loads a cached signing of) a leaf certificate for
// host's wildcard parent ("*.b.tld" for a 3+ label host; the bare host
// otherwise).
func (ca *SelfSignCA) WildcardCert(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)
	parent := wildcardParent(host)
	return ca.certFor(parent, []string{parent})
}

func wildcardParent(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return host
	}
	return "*." + strings.Join(labels[1:], ".")
}

func (ca *SelfSignCA) certFor(name string, sans []string) (*tls.Certificate, error) {
	key := leafFilename(name)

	ca.cacheMu.Lock()
	if v, ok := ca.cache.Get(key); ok {
		ca.cacheMu.Unlock()
		return v.(*tls.Certificate), nil
	}
	ca.cacheMu.Unlock()

	v, err := ca.group.Do(key, func() (any, error) {
		leaf, err := ca.loadOrSign(key, name, sans)
		if err != nil {
			return nil, err
		}
		ca.cacheMu.Lock()
		ca.cache.Add(key, leaf)
		ca.cacheMu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// leafFilename escapes the leading "*" of a wildcard name for filesystems
// that reject it.
func leafFilename(name string) string {
	return strings.ReplaceAll(name, "*", "_wildcard_")
}

// loadOrSign returns the leaf cert on disk at filename if present and
// parseable, else signs a fresh one and atomically persists it. The file on
// disk is the source of truth; the in-memory cache only collapses concurrent
// misses into one signing.
func (ca *SelfSignCA) loadOrSign(filename, commonName string, sans []string) (*tls.Certificate, error) {
	path := filepath.Join(ca.certsDir, filename+".pem")

	if data, err := os.ReadFile(path); err == nil {
		if leaf, err := ca.parseLeaf(data); err == nil {
			return leaf, nil
		} else {
			slog.Warn("cert: stale leaf on disk, regenerating", "host", commonName, "error", err)
		}
	}

	der, err := ca.signLeaf(commonName, sans)
	if err != nil {
		return nil, err
	}

	if err := atomicWriteFile(path, encodeLeafPEM(der)); err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.rootDER},
		PrivateKey:  &ca.PrivateKey,
	}, nil
}

func (ca *SelfSignCA) parseLeaf(data []byte) (*tls.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate block")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{block.Bytes, ca.rootDER},
		PrivateKey:  &ca.PrivateKey,
	}, nil
}

func (ca *SelfSignCA) signLeaf(commonName string, sans []string) ([]byte, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(ca.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, s := range sans {
		if ip := net.ParseIP(s); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, s)
		}
	}

	return x509.CreateCertificate(rand.Reader, tmpl, ca.RootCert, &ca.PrivateKey.PublicKey, &ca.PrivateKey)
}

func encodeLeafPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// atomicWriteFile writes data to path via a temp file + rename, so a reader
// never observes a partially written leaf certificate.
func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".leaf-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// normalizeHost lowercases and IDNA-normalizes host for use as a cache key
// and certificate SAN, so "EXAMPLE.com." and "example.com" resolve to the
// same leaf. For a wildcard name only the part after "*." is IDNA-normalized,
// since idna rejects the "*" label; malformed hostnames fall back to a plain
// lowercase.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return host
	}
	if strings.HasPrefix(host, "*.") {
		rest, err := idna.Lookup.ToASCII(host[2:])
		if err != nil {
			return host
		}
		return "*." + rest
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}
