package db

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// loopbackRequest sets RemoteAddr so tsweb allows debug access.
func loopbackRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestDBStats(t *testing.T) {
	db := newTestDB(t)
	store := NewResultStore(db)
	if err := store.Put(context.Background(), sampleResult("exec-1", time.Now())); err != nil {
		t.Fatalf("Put: %v", err)
	}

	w := httptest.NewRecorder()
	db.handleStats(w, httptest.NewRequest(http.MethodGet, "/debug/db-stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stats DatabaseStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	rows := map[string]int64{}
	for _, ts := range stats.Tables {
		rows[ts.Name] = ts.Rows
	}
	if rows["sweep_results"] != 1 || rows["sweep_runs"] != 3 {
		t.Errorf("unexpected row counts: %+v", stats.Tables)
	}
	if stats.Migration.CurrentVersion != 2 {
		t.Errorf("migration version = %d, want 2", stats.Migration.CurrentVersion)
	}
	if stats.SizeBytes == 0 {
		t.Error("expected non-zero database size")
	}
}

func TestBackupHandler(t *testing.T) {
	db := newTestDB(t)

	w := httptest.NewRecorder()
	db.handleBackup(w, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ce := w.Header().Get("Content-Encoding"); ce != "gzip" {
		t.Errorf("Content-Encoding = %q", ce)
	}

	gz, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if len(data) < 16 || string(data[:15]) != "SQLite format 3" {
		t.Errorf("backup is not a SQLite file (%d bytes)", len(data))
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	for _, path := range []string{"/debug/tailsql/", "/debug/db-stats"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, loopbackRequest(http.MethodGet, path))
		if w.Code == http.StatusNotFound {
			t.Errorf("%s not registered", path)
		}
	}
}
