package db

import (
	"strings"
	"testing"
)

func TestNormalizeDSN(t *testing.T) {
	dsn, err := NormalizeDSN("chalk:secret@tcp(127.0.0.1:3306)/chalk")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("expected parseTime=true in %s", dsn)
	}
	if _, err := NormalizeDSN("::not a dsn"); err == nil {
		t.Fatalf("expected error for malformed dsn")
	}
}
