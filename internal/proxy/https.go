package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/elazarl/goproxy"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/sirupsen/logrus"
)

func loadCertificate(cfg *config.Config) (*tls.Certificate, error) {
	if cfg.Server.HTTPS.CACertFile == "" || cfg.Server.HTTPS.CAKeyFile == "" {
		logrus.Debugf("No CA certificate configured, using goproxy default certificate")
		return nil, nil // Use default goproxy certificate
	}

	cert, err := tls.LoadX509KeyPair(cfg.Server.HTTPS.CACertFile, cfg.Server.HTTPS.CAKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate and key: %w", err)
	}
	logrus.Debugf("Loaded CA certificate from %s", cfg.Server.HTTPS.CACertFile)
	return &cert, nil
}

// setupHTTPSProxyHandler intercepts CONNECT tunnels to the origin host.
// Tunnels to any other host are passed through untouched.
func (s *Server) setupHTTPSProxyHandler() error {
	caCert, err := loadCertificate(s.config)
	if err != nil {
		return err
	}

	mitm := goproxy.MitmConnect
	if caCert == nil {
		logrus.Warnf("TLS interception enabled but no CA certificate loaded, using goproxy default certificate")
	} else {
		// Make goproxy use our provided CA certificate
		mitm = &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(caCert),
		}
	}
	s.proxy.CertStore = newCertStore()

	originHost := s.client.Origin().Hostname()
	s.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			if !strings.EqualFold(hostname(host), originHost) {
				return goproxy.OkConnect, host
			}
			logrus.Debugf("Intercepting CONNECT request for %s", host)
			return mitm, host
		}))
	return nil
}

func hostname(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
