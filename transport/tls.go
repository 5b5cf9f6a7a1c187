package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"

	"github.com/juju/errors"

	"github.com/solixapi/solix/session"
)

// buildTLSConfig assembles the mutual-TLS material: client identity from
// the account's provisioned certificate and key, trust from the vendor CA
// bundle (api-ca mode) or the system pool (system-ca mode). Configured
// intermediate certs are appended to the client chain for brokers that do
// not serve a complete one.
func (self *Session) buildTLSConfig(info *session.MqttInfo) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: info.Endpoint,
		MinVersion: tls.VersionTLS12,
	}

	switch self.cfg.TrustMode {
	case TrustModeSystemCa:
		// RootCAs nil = system pool

	default:
		if info.CaPem == "" {
			self.log.Errorf("mqtt tls mode %s requires a CA bundle, falling back to system pool", TrustModeAPICa)
			break
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(info.CaPem)) {
			return nil, errors.NotValidf("mqtt CA bundle")
		}
		conf.RootCAs = pool
	}

	if info.CertificatePem == "" || info.PrivateKeyPem == "" {
		self.log.Errorf("mqtt missing certificate or key, client identity not set")
		return conf, nil
	}
	chainPem := []byte(info.CertificatePem)
	if self.cfg.IntermediatesPem != "" {
		extra, n := normalizeCertsPem([]byte(self.cfg.IntermediatesPem))
		if n == 0 {
			self.log.Errorf("mqtt intermediates configured but no certs parsed")
		} else {
			chainPem = append(append(chainPem, '\n'), extra...)
			self.log.Debugf("mqtt appended %d intermediate certs", n)
		}
	}
	cert, err := tls.X509KeyPair(chainPem, []byte(info.PrivateKeyPem))
	if err != nil {
		return nil, errors.Annotate(err, "mqtt client certificate")
	}
	conf.Certificates = []tls.Certificate{cert}
	return conf, nil
}

// normalizeCertsPem extracts CERTIFICATE blocks, dropping any other PEM
// content, and reports how many were found.
func normalizeCertsPem(raw []byte) ([]byte, int) {
	var out []byte
	count := 0
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		out = append(out, pem.EncodeToMemory(block)...)
		count++
	}
	return out, count
}
