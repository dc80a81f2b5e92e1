package wsgiapp

import (
	"compress/gzip"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	kgzip "github.com/klauspost/compress/gzip"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/ikreymer/wsgiprox/cert"
)

// Magic paths: requests to these paths on the proxy's own hostname (i.e. not
// intercepted) are served directly by CAHandler rather than forwarded to the
// downstream application.
const (
	PathCAPem = "/wsgiprox-ca.pem"
	PathCAP12 = "/wsgiprox-ca.p12"
)

// CAHandler serves the root CA certificate for clients to install, in PEM
// or PKCS#12 form.
type CAHandler struct {
	CA       cert.CA
	Password string // PKCS#12 export password, defaults to "" (no password)
}

// Handles reports whether path is one of the magic CA-distribution paths.
func (h *CAHandler) Handles(path string) bool {
	return path == PathCAPem || path == PathCAP12
}

// ServeHTTP writes the root CA certificate in the format implied by path,
// compressed per the request's Accept-Encoding.
func (h *CAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	root := h.CA.GetRootCA()

	switch r.URL.Path {
	case PathCAPem:
		data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})
		writeEncoded(w, r, "application/x-x509-ca-cert", data)
	case PathCAP12:
		data, err := pkcs12.EncodeTrustStore(rand.Reader, []*x509.Certificate{root}, h.Password)
		if err != nil {
			http.Error(w, "failed to encode PKCS#12 bundle", http.StatusInternalServerError)
			return
		}
		writeEncoded(w, r, "application/x-pkcs12", data)
	default:
		http.NotFound(w, r)
	}
}

func writeEncoded(w http.ResponseWriter, r *http.Request, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)

	switch negotiateEncoding(r) {
	case "br":
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		defer bw.Close()
		bw.Write(data)
	case "gzip":
		w.Header().Set("Content-Encoding", "gzip")
		gw, _ := kgzip.NewWriterLevel(w, gzip.DefaultCompression)
		defer gw.Close()
		gw.Write(data)
	default:
		w.Write(data)
	}
}

func negotiateEncoding(r *http.Request) string {
	accept := r.Header.Get("Accept-Encoding")
	switch {
	case strings.Contains(accept, "br"):
		return "br"
	case strings.Contains(accept, "gzip"):
		return "gzip"
	default:
		return ""
	}
}
