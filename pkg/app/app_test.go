package app

import (
	"bytes"
	"context"
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagsDefaults(t *testing.T) {
	f, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "pantrycam.yaml", f.configPath)
	assert.Zero(t, f.port)
	assert.False(t, f.showVersion)
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	_, err := parseFlags([]string{"-db-type", "sqlite"})
	assert.Error(t, err)
}

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pantrycam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\ndetector:\n  url: ws://a/ws\n"), 0o644))

	f, err := parseFlags([]string{
		"-config", path,
		"-port", "9100",
		"-detector-url", "ws://b/ws",
		"-db-path", "/tmp/pantry.json",
		"-debug",
	})
	require.NoError(t, err)
	cfg, err := loadConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "ws://b/ws", cfg.Detector.URL)
	assert.Equal(t, "/tmp/pantry.json", cfg.Store.Path)
	assert.True(t, cfg.Debug)

	f, err = parseFlags([]string{"-config", path})
	require.NoError(t, err)
	cfg, err = loadConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "ws://a/ws", cfg.Detector.URL)
}

func TestAddressPrefersPortEnv(t *testing.T) {
	t.Setenv("PORT", "")
	assert.Equal(t, ":8765", address(8765))
	t.Setenv("PORT", "3000")
	assert.Equal(t, ":3000", address(8765))
}

func TestRunVersionAndHelp(t *testing.T) {
	assert.NoError(t, Run(context.Background(), []string{"-version"}, nil))
	assert.NoError(t, Run(context.Background(), []string{"-h"}, nil))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, server, time.Second, func() error { return server.Serve(ln) })
	}()

	resp, err := http.Get("http://" + ln.Addr().String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestServeReportsListenFailure(t *testing.T) {
	err := serve(context.Background(), &http.Server{}, time.Second, func() error {
		return &net.OpError{Op: "listen", Err: os.ErrPermission}
	})
	assert.Error(t, err)
}

func TestGenerateCertificate(t *testing.T) {
	cert, keyFile, certFile, err := generateCertificate("pantry.example.org")
	require.NoError(t, err)
	defer os.Remove(keyFile)
	defer os.Remove(certFile)

	require.NotEmpty(t, cert.Certificate)
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"pantry.example.org"}, parsed.DNSNames)
	assert.FileExists(t, keyFile)
	assert.FileExists(t, certFile)
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, false).Debug("hidden")
	assert.Empty(t, buf.String())

	NewLogger(&buf, true).Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
