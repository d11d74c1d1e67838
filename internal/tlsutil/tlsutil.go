// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package tlsutil implements the TLS server adapter used after a client
// selects the VeNCrypt TLSNone or X509None subtype (spec.md §4.1.1, §4.8).
//
// Go's crypto/tls has no anonymous-DH cipher suite (it was removed from the
// standard library as unsafe), so TLSNone is implemented the way
// cmd/protonuke/generate_cert.go solves the analogous "TLS with no real
// PKI" problem: mint an ephemeral, in-memory self-signed certificate once
// at startup and serve ordinary certificate-based TLS underneath it. A
// client that asked for "anonymous" TLS isn't validating the server
// identity anyway, so this is behaviorally equivalent to anon-DH from the
// client's point of view.
package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	log "github.com/sandia-minimega/vncmanager/pkg/minilog"
)

// Provider builds *tls.Config values for the two VeNCrypt TLS subtypes this
// proxy accepts. It is constructed once from configuration at startup.
type Provider struct {
	anon *tls.Config
	x509 *tls.Config
}

// NewProvider builds a Provider. certPath/keyPath back the X509None
// subtype; the anonymous subtype's ephemeral certificate is generated
// unconditionally so it's ready the first time a client asks for it.
func NewProvider(certPath, keyPath string) (*Provider, error) {
	anonCert, err := generateEphemeralCert()
	if err != nil {
		return nil, fmt.Errorf("tlsutil: generating ephemeral certificate: %w", err)
	}

	p := &Provider{
		anon: &tls.Config{
			Certificates: []tls.Certificate{anonCert},
			MinVersion:   tls.VersionTLS12,
		},
	}

	if certPath != "" && keyPath != "" {
		if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
			p.x509 = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			log.Debug("tlsutil: X509None unavailable, cert/key not loadable: %v", err)
		}
	}

	return p, nil
}

// ServerHandshakeAnon wraps conn in a TLS server session using the
// ephemeral anonymous-standin certificate and performs the handshake.
func (p *Provider) ServerHandshakeAnon(conn net.Conn) (*tls.Conn, error) {
	return serverHandshake(conn, p.anon)
}

// ServerHandshakeX509 wraps conn in a TLS server session using the
// configured certificate/key and performs the handshake.
func (p *Provider) ServerHandshakeX509(conn net.Conn) (*tls.Conn, error) {
	if p.x509 == nil {
		return nil, fmt.Errorf("tlsutil: X509None requested but no cert/key configured")
	}
	return serverHandshake(conn, p.x509)
}

func serverHandshake(conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tc := tls.Server(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsutil: handshake failed: %w", err)
	}
	return tc, nil
}

func generateEphemeralCert() (tls.Certificate, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"vncmanager"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
