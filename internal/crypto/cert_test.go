package crypto

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerateServerCert(t *testing.T) {
	cert, err := GenerateServerCert("192.168.1.10")
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	if len(leaf.ExtKeyUsage) == 0 || leaf.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Error("expected ServerAuth ext key usage")
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("cert not valid for localhost: %v", err)
	}
	if err := leaf.VerifyHostname("192.168.1.10"); err != nil {
		t.Errorf("cert not valid for configured IP: %v", err)
	}
	if leaf.NotAfter.Before(time.Now().Add(365 * 24 * time.Hour)) {
		t.Error("certificate expires too soon")
	}
}

func TestGenerateServerCertHostname(t *testing.T) {
	cert, err := GenerateServerCert("broker.internal")
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if err := leaf.VerifyHostname("broker.internal"); err != nil {
		t.Errorf("cert not valid for hostname: %v", err)
	}
}
