// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package transfer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/korrelius/coldbackup/internal/auth"
	"github.com/korrelius/coldbackup/internal/catalog"
	"github.com/korrelius/coldbackup/internal/checksum"
	"github.com/korrelius/coldbackup/internal/chunkmanager"
)

type fakeCredStore struct{ cred *catalog.ClientCredential }

func (f *fakeCredStore) GetClientCredential(ctx context.Context, clientID string) (*catalog.ClientCredential, error) {
	if clientID != f.cred.ClientID {
		return nil, catalog.ErrNotFound
	}
	return f.cred, nil
}

func selfSignedServerCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}
}

func TestSenderReceiver_FullTransfer(t *testing.T) {
	serverCert := selfSignedServerCert(t)
	serverTLS := &tls.Config{Certificates: []tls.Certificate{serverCert}, MinVersion: tls.VersionTLS12}
	pool := x509.NewCertPool()
	pool.AddCert(serverCert.Leaf)
	clientTLS := &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12}

	hash, err := auth.HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	store := &fakeCredStore{cred: &catalog.ClientCredential{
		ClientID:    "orch-1",
		SecretHash:  hash,
		Permissions: []string{catalog.PermissionTransfer},
		IsActive:    true,
	}}
	authenticator := auth.New(store, slog.Default())

	destDir := t.TempDir()
	scratchDir := filepath.Join(t.TempDir(), "scratch")
	manager := chunkmanager.New(scratchDir, map[string]chunkmanager.StorageConfig{
		"default": {BaseDir: destDir, LayoutStrategy: chunkmanager.LayoutFlatServer},
	}, time.Hour)

	srcPath := filepath.Join(t.TempDir(), "db.bak")
	content := make([]byte, 20*1024*1024+777) // spans multiple 8 MiB chunks
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	digests, err := checksum.SumFile(srcPath)
	if err != nil {
		t.Fatalf("SumFile: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	receiver := NewReceiver(ln.Addr().String(), serverTLS, manager, authenticator, "default", slog.Default())
	receiver.MaxConns = 4

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- receiver.RunListener(ctx, ln) }()

	sender := NewSender(clientTLS, slog.Default())
	sender.Backoff.MaxAttempts = 1

	err = sender.Send(context.Background(), receiver.Listen, Request{
		Path:         srcPath,
		SourceConfig: "db1",
		ClientID:     "orch-1",
		ClientSecret: "s3cret",
		MD5:          digests.MD5,
		SHA256:       digests.SHA256,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	finalPath := filepath.Join(destDir, "db1", filepath.Base(srcPath))
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("reading finalized file at %s: %v", finalPath, err)
	}
	if len(got) != len(content) {
		t.Fatalf("expected %d bytes, got %d", len(content), len(got))
	}
	for i := range content {
		if got[i] != content[i] {
			t.Fatalf("content mismatch at byte %d", i)
		}
	}

	cancel()
	<-errCh
}
