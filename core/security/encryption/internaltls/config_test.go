package internaltls

import (
	"crypto/tls"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGeneratedCertificatesCompleteMutualTLS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateCertificates(dir, "localhost", time.Hour))

	serverConf, err := LoadServerTLSConfig(filepath.Join(dir, CACertFile), filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	clientConf, err := LoadClientTLSConfig(filepath.Join(dir, CACertFile), filepath.Join(dir, ClientCertFile), filepath.Join(dir, ClientKeyFile))
	require.NoError(t, err)
	clientConf.ServerName = "localhost"

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- tls.Server(serverSide, serverConf).Handshake()
	}()
	conn := tls.Client(clientSide, clientConf)
	require.NoError(t, conn.Handshake())
	require.NoError(t, <-errCh)
	require.Equal(t, "localhost", conn.ConnectionState().PeerCertificates[0].Subject.CommonName)
}

func TestCredentials(t *testing.T) {
	creds, err := ClientCredentials(Config{})
	require.NoError(t, err)
	require.Equal(t, "insecure", creds.Info().SecurityProtocol)

	dir := t.TempDir()
	require.NoError(t, GenerateCertificates(dir, "localhost", time.Hour))
	cfg := Config{
		Enabled:    true,
		CAFile:     filepath.Join(dir, CACertFile),
		CertFile:   filepath.Join(dir, ServerCertFile),
		KeyFile:    filepath.Join(dir, ServerKeyFile),
		ServerName: "localhost",
	}
	require.NoError(t, cfg.Validate())
	creds, err = ServerCredentials(cfg)
	require.NoError(t, err)
	require.Equal(t, "tls", creds.Info().SecurityProtocol)

	_, err = ServerCredentials(Config{Enabled: true, CAFile: "missing", CertFile: "missing", KeyFile: "missing"})
	require.Error(t, err)
	require.Error(t, Config{Enabled: true}.Validate())
}
