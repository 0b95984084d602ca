package app

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"

	"github.com/caddyserver/certmagic"
	"golang.org/x/crypto/acme"
)

func acmeCAURL(which string) string {
	switch strings.ToLower(which) {
	case "staging":
		return certmagic.LetsEncryptStagingCA
	case "", "production":
		return certmagic.LetsEncryptProductionCA
	default:
		return which
	}
}

// makeCertMagic obtains certificates for the configured domains up front
// and returns a TLS config that keeps them renewed.
func makeCertMagic(ctx context.Context, cfg ACMEConfig) (*tls.Config, error) {
	if len(cfg.Domains) == 0 {
		return nil, errors.New("tls.acme.domains is required")
	}
	if cfg.Email == "" {
		return nil, errors.New("tls.acme.email is required")
	}

	var magic *certmagic.Config
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return magic, nil
		},
	})
	magic = certmagic.New(cache, certmagic.Config{
		Storage: &certmagic.FileStorage{Path: cfg.CacheDir},
	})
	magic.Issuers = []certmagic.Issuer{certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
		CA:     acmeCAURL(cfg.CA),
		Email:  cfg.Email,
		Agreed: true,
	})}

	if err := magic.ManageSync(ctx, cfg.Domains); err != nil {
		return nil, err
	}

	tlsConf := magic.TLSConfig()
	tlsConf.MinVersion = tls.VersionTLS12
	tlsConf.NextProtos = []string{"h2", "http/1.1", acme.ALPNProto}
	return tlsConf, nil
}
