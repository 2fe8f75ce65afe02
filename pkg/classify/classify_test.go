package classify

import "testing"

func TestClassify(t *testing.T) {
	write := AccessWriteData
	cases := []struct {
		name string
		req  Request
		want Verdict
	}{
		{"installer write", Request{Path: `C:\dl\setup.EXE`, Access: write}, ArbitrateNow},
		{"explicit extension", Request{Path: "x", Extension: ".Msix", Access: AccessAppendData}, ArbitrateNow},
		{"generic all", Request{Path: "/tmp/pkg.appx", Access: AccessGenericAll}, ArbitrateNow},
		{"generic write", Request{Path: "/tmp/pkg.msi", Access: AccessGenericWrite}, ArbitrateNow},
		{"rename into installer", Request{Path: "/tmp/a.exe", Access: write, Kind: KindRename}, ArbitrateNow},
		{"rename without write access", Request{Path: `C:\Users\ana\Downloads\setup.exe`, Kind: KindRename}, ArbitrateNow},
		{"rename onto non installer", Request{Path: "/tmp/notes.txt", Kind: KindRename}, Ignore},
		{"privileged rename", Request{Path: "setup.msi", Kind: KindRename, Privileged: true}, Ignore},
		{"directory rename", Request{Path: "/tmp/pkg.msix", Kind: KindRename, Directory: true}, Ignore},
		{"non installer", Request{Path: "readme.txt", Access: write}, Ignore},
		{"read only", Request{Path: "setup.exe", Access: AccessReadData | AccessGenericRead}, Ignore},
		{"no extension", Request{Path: "/usr/bin/setup", Access: write}, Ignore},
		{"trailing dot", Request{Path: "setup.", Access: write}, Ignore},
		{"directory", Request{Path: "/tmp/installers.exe", Access: write, Directory: true}, Ignore},
		{"privileged", Request{Path: "setup.exe", Access: write, Privileged: true}, Ignore},
		{"delete", Request{Path: "setup.exe", Access: write, Kind: KindDelete}, Ignore},
		{"suffix only", Request{Path: "setup.exe.txt", Access: write}, Ignore},
		{"dot in dir", Request{Path: `C:\v1.exe\notes`, Access: write}, Ignore},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.req); got != tc.want {
				t.Fatalf("Classify(%+v) = %s, want %s", tc.req, got, tc.want)
			}
		})
	}
}

func TestClassifyParsedRename(t *testing.T) {
	for _, access := range [][]string{nil, {"delete"}, {"read"}} {
		req := Request{Path: `C:\Users\ana\Downloads\setup.exe`, Kind: ParseKind("rename"), Access: ParseAccess(access)}
		if got := Classify(req); got != ArbitrateNow {
			t.Fatalf("rename with access %v = %s, want ARBITRATE", access, got)
		}
	}
}

func TestClassifyDeterministic(t *testing.T) {
	req := Request{Path: "/tmp/Setup.msi", Access: AccessWriteData}
	first := Classify(req)
	for i := 0; i < 100; i++ {
		if Classify(req) != first {
			t.Fatal("classification changed between calls")
		}
	}
}

func TestParseAccessAndKind(t *testing.T) {
	a := ParseAccess([]string{"read", " WRITE ", "bogus"})
	if a != AccessReadData|AccessWriteData {
		t.Fatalf("unexpected mask 0x%X", uint32(a))
	}
	if !a.Writes() || ParseAccess([]string{"generic_read"}).Writes() {
		t.Fatal("unexpected write detection")
	}
	if ParseKind("DELETE") != KindDelete || ParseKind("") != KindWrite || ParseKind("create") != KindCreate {
		t.Fatal("unexpected kind parsing")
	}
}

func TestExtensionOf(t *testing.T) {
	cases := map[string]string{
		`C:\a\b.msi`:  "msi",
		"/a/b.tar.gz": "gz",
		"noext":       "",
		"/a.b/c":      "",
		"":            "",
	}
	for in, want := range cases {
		if got := ExtensionOf(in); got != want {
			t.Fatalf("ExtensionOf(%q) = %q, want %q", in, got, want)
		}
	}
}
