package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMatchTableAddMergeCounts(t *testing.T) {
	table := MatchTable{}
	table.Add(GroupCertID, "BSI", "BSI-DSZ-CC-0001-2003", 2)
	table.Add(GroupCertID, "ANSSI", "ANSSI-CC-2010/40", 1)
	other := MatchTable{}
	other.Add(GroupCertID, "BSI", "BSI-DSZ-CC-0001-2003", 3)
	other.Add("eal", "EAL", "EAL4+", 1)
	table.Merge(other)

	counts := table.Counts(GroupCertID)
	if counts["BSI-DSZ-CC-0001-2003"] != 5 || counts["ANSSI-CC-2010/40"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if table.Counts("eal")["EAL4+"] != 1 {
		t.Fatalf("expected merged group")
	}

	clone := table.Clone()
	clone.Add(GroupCertID, "BSI", "BSI-DSZ-CC-0001-2003", 1)
	if table.Counts(GroupCertID)["BSI-DSZ-CC-0001-2003"] != 5 {
		t.Fatalf("clone must not alias original")
	}
	if MatchTable(nil).Clone() != nil {
		t.Fatalf("nil clone should stay nil")
	}
}

func TestSourcesTaggedUnion(t *testing.T) {
	var s Sources
	if _, ok := s.Get(SourceKeywords); ok {
		t.Fatalf("expected empty slot")
	}
	if !s.Set(RawRecord{Source: SourceKeywords, FileKey: "foo.pdf"}) {
		t.Fatalf("expected set to succeed")
	}
	if s.Set(RawRecord{Source: SourceKind("bogus")}) {
		t.Fatalf("unknown kinds must be rejected")
	}
	rec, ok := s.Get(SourceKeywords)
	if !ok || rec.FileKey != "foo.pdf" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if got := s.Present(); len(got) != 1 || got[0] != SourceKeywords {
		t.Fatalf("unexpected present kinds %v", got)
	}
}

func TestDigestsAreStable(t *testing.T) {
	a := CertificateDigest("ICs", "Chip", "https://x/foo.pdf")
	b := CertificateDigest("ICs", "Chip", "https://x/foo.pdf")
	if a != b || len(a) != 16 {
		t.Fatalf("expected stable 16 char digest, got %q %q", a, b)
	}
	if CertificateDigest("ICs", "Chip 2", "https://x/foo.pdf") == a {
		t.Fatalf("expected digest to depend on name")
	}
	md := MaintenanceDigest(a, "Update 1")
	if !strings.HasPrefix(md, "cert_"+a+"_update_") || len(md) != len("cert_"+a+"_update_")+16 {
		t.Fatalf("unexpected maintenance digest %s", md)
	}
}

func TestMaintenanceCertificates(t *testing.T) {
	cert := Certificate{
		Digest:   "abcd",
		Category: "ICs",
		Maintenance: []MaintenanceRecord{
			{Date: "2020-01-01", Title: "Update", ReportLink: "https://x/m1.pdf"},
		},
	}
	pseudo := cert.MaintenanceCertificates()
	if len(pseudo) != 1 || pseudo[0].Digest != MaintenanceDigest("abcd", "Update") || pseudo[0].ReportLink != "https://x/m1.pdf" {
		t.Fatalf("unexpected pseudo certificates %+v", pseudo)
	}
}

func TestDatasetListingAndJSON(t *testing.T) {
	ds := NewDataset("cc", "1.2.0", fixedTime)
	ds.Certs["b"] = Certificate{Digest: "b"}
	ds.Certs["a"] = Certificate{Digest: "a"}
	if got := ds.Digests(); got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected sorted digests, got %v", got)
	}
	if c, ok := ds.FindCertificate("a"); !ok || c.Digest != "a" {
		t.Fatalf("expected to find a")
	}
	data, err := json.Marshal(ds)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"meta_parsed":false`) {
		t.Fatalf("expected explicit state flags in %s", data)
	}
}

func TestDocumentStateLabels(t *testing.T) {
	s := DocumentState{ReportDownloadOK: true, Errors: []string{"x"}}
	labels := s.Labels()
	if len(labels) != 2 || labels[0] != "report_download_ok" || labels[1] != "errors" {
		t.Fatalf("unexpected labels %v", labels)
	}
}

func TestPreconditionAndRowErrors(t *testing.T) {
	pe := PreconditionError{Action: "download", Missing: []string{"meta_parsed"}}
	if !strings.Contains(pe.Error(), "download") || !strings.Contains(pe.Error(), "meta_parsed") {
		t.Fatalf("unexpected message %q", pe.Error())
	}
	re := RowError{File: "cc.csv", Line: 4, Reason: "column mismatch"}
	if re.Error() != "cc.csv:4: column mismatch" {
		t.Fatalf("unexpected message %q", re.Error())
	}
}

func TestChangeRecordOrdering(t *testing.T) {
	older := ChangeRecord{Seq: 1, Timestamp: fixedTime}
	newer := ChangeRecord{Seq: 2, Timestamp: fixedTime}
	if !newer.After(older) || older.After(newer) {
		t.Fatalf("sequence must order records with equal timestamps")
	}
}
