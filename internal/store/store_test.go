package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/myjob-hpc/myjob/internal/config"
	"github.com/myjob-hpc/myjob/internal/models"
)

func testRecord(localID, slurmID string, submitted time.Time) *models.JobRecord {
	return &models.JobRecord{
		LocalID:    localID,
		SlurmJobID: slurmID,
		Name:       "train-bert",
		Host:       "cluster.example.com",
		RemoteDir:  "/home/alice/.myjob/workspaces/" + localID,
		Code: models.CodeVersion{
			RepoURL: "git@github.com:example/train.git",
			Branch:  "main",
			Commit:  "0123456789abcdef0123456789abcdef01234567",
			Dirty:   false,
		},
		Status:      models.StatePending,
		SubmittedAt: submitted,
		Config: &config.Config{
			Name:       "train-bert",
			Connection: config.ConnectionConfig{Host: "cluster.example.com", User: "alice", Port: 22},
			Resources:  config.ResourceConfig{Nodes: 1, CPUs: 4, Memory: "4G", Time: "1:00:00"},
			Execution:  config.ExecutionConfig{Command: "python train.py"},
			Output:     config.OutputConfig{Stdout: "stdout_%j.log", Stderr: "stderr_%j.log"},
		},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return st
}

func TestSaveGetRoundTrip(t *testing.T) {
	st := openTestStore(t)
	rec := testRecord("a1b2c3", "12345678", time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))

	if err := st.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := st.Get("a1b2c3")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("round trip mismatch\ngot:  %+v\nwant: %+v", got, rec)
	}
}

func TestRoundTripConfigRevalidates(t *testing.T) {
	st := openTestStore(t)
	rec := testRecord("a1b2c3", "12345678", time.Now().UTC())
	if err := st.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := st.Get("a1b2c3")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Config == nil {
		t.Fatal("config snapshot lost in round trip")
	}
	if err := got.Config.Validate(); err != nil {
		t.Errorf("stored config snapshot no longer validates: %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Get("ffffff")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByPrefixAndSlurmID(t *testing.T) {
	st := openTestStore(t)
	first := testRecord("a1b2c3", "11110000", time.Now().UTC())
	second := testRecord("a19999", "22220000", time.Now().UTC())
	for _, rec := range []*models.JobRecord{first, second} {
		if err := st.Save(rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	got, err := st.Find("a1b")
	if err != nil {
		t.Fatalf("Find by prefix failed: %v", err)
	}
	if got.LocalID != "a1b2c3" {
		t.Errorf("Find(a1b) = %s, want a1b2c3", got.LocalID)
	}

	if _, err := st.Find("a1"); !errors.Is(err, ErrAmbiguousRef) {
		t.Errorf("Find(a1) should be ambiguous, got %v", err)
	}

	got, err = st.Find("22220000")
	if err != nil {
		t.Fatalf("Find by slurm id failed: %v", err)
	}
	if got.LocalID != "a19999" {
		t.Errorf("Find(22220000) = %s, want a19999", got.LocalID)
	}

	if _, err := st.Find("zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find(zzz) should be not found, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	st := openTestStore(t)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ids := []string{"aaaa01", "aaaa02", "aaaa03"}
	for i, id := range ids {
		if err := st.Save(testRecord(id, "", base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	records, err := st.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	for i, want := range []string{"aaaa03", "aaaa02", "aaaa01"} {
		if records[i].LocalID != want {
			t.Errorf("records[%d] = %s, want %s", i, records[i].LocalID, want)
		}
	}
}

func TestListSkipsCorruptFiles(t *testing.T) {
	st := openTestStore(t)
	if err := st.Save(testRecord("a1b2c3", "", time.Now().UTC())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(st.dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	records, err := st.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].LocalID != "a1b2c3" {
		t.Errorf("corrupt file should be skipped, got %+v", records)
	}
}

func TestUpdateStatus(t *testing.T) {
	st := openTestStore(t)
	if err := st.Save(testRecord("a1b2c3", "12345678", time.Now().UTC())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := st.UpdateStatus("a1b2c3", models.StateRunning); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, err := st.Get("a1b2c3")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StateRunning {
		t.Errorf("status = %v, want RUNNING", got.Status)
	}
	if got.SlurmJobID != "12345678" {
		t.Error("UpdateStatus must not clobber other fields")
	}
}

func TestDelete(t *testing.T) {
	st := openTestStore(t)
	if err := st.Save(testRecord("a1b2c3", "", time.Now().UTC())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := st.Delete("a1b2c3"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := st.Get("a1b2c3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record should be gone, got %v", err)
	}
	if err := st.Delete("a1b2c3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	st := openTestStore(t)
	if err := st.Save(testRecord("a1b2c3", "", time.Now().UTC())); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}
