package matrixclient

import (
	"crypto/tls"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// certReloader serves the TLS client certificate for homeservers behind
// mutual TLS. SIGHUP reloads it from disk; a pair that fails to load
// leaves the previous one in place.
type certReloader struct {
	certPath string
	keyPath  string
	cert     atomic.Pointer[tls.Certificate]
}

func newCertReloader(certPath, keyPath string) (*certReloader, error) {
	r := &certReloader{certPath: certPath, keyPath: keyPath}
	if err := r.reload(); err != nil {
		return nil, err
	}

	go r.watch()

	return r, nil
}

func (r *certReloader) watch() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	for range hup {
		logger.Infof("SIGHUP: reloading client certificate %s", r.certPath)

		if err := r.reload(); err != nil {
			logger.Errorf("keeping current client certificate: %s", err)
		}
	}
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return err
	}

	r.cert.Store(&cert)

	return nil
}

// GetClientCertificate is used as tls.Config.GetClientCertificate.
func (r *certReloader) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}
