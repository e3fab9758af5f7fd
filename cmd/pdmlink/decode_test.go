package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/pdmlink/pkg/audio"
	"github.com/MrWong99/pdmlink/pkg/tlv"
)

func stream(t *testing.T, frames ...tlv.Frame) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		var err error
		if out, err = tlv.AppendFrame(out, f.Tag, f.Value); err != nil {
			t.Fatalf("AppendFrame: %v", err)
		}
	}
	return out
}

func runCLI(t *testing.T, stdin []byte, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(bytes.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), err
}

func TestDecode_PrintsFrames(t *testing.T) {
	data := stream(t,
		tlv.SyncFrame(),
		tlv.TimestampFrame(1000),
		tlv.PCMFrame(audio.AppendPCM(nil, []int16{1, -2, 3, 4})),
		tlv.Frame{Tag: tlv.TagTimestamp, Value: []byte{0x01, 0x02}},
		tlv.Frame{Tag: 0x10, Value: []byte{0xAA, 0xBB}},
	)
	// An oversized header, two bytes of noise, then a fresh SYNC.
	data = append(data, byte(tlv.TagPCM), 0x88, 0x13, 0xDE, 0xAD)
	data = append(data, stream(t, tlv.SyncFrame(), tlv.TimestampFrame(2000))...)

	got, err := runCLI(t, data, "decode", "-")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	want := []string{
		"[SYNC]",
		"[TS ] 1000 ms",
		"[PCM] 4 samples  min=    -2 max=     4 avg=    1.5  ts=1000",
		"[TS ] malformed, len=2",
		"[TLV] type=0x10 len=2",
		"", // resync notice, checked below
		"[RESYNC] skipped 2 bytes",
		"[SYNC]",
		"[TS ] 2000 ms",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), got)
	}
	for i, w := range want {
		if w == "" {
			continue
		}
		if lines[i] != w {
			t.Errorf("line %d = %q, want %q", i, lines[i], w)
		}
	}
	if !strings.HasPrefix(lines[5], "[ERR] ") || !strings.HasSuffix(lines[5], ", resyncing") {
		t.Errorf("resync line = %q", lines[5])
	}
}

func TestDecode_ResyncsOnTimestampWithoutSync(t *testing.T) {
	data := stream(t, tlv.SyncFrame(), tlv.TimestampFrame(0), tlv.PCMFrame(audio.AppendPCM(nil, []int16{1})))
	data = append(data, byte(tlv.TagPCM), 0xFF, 0xFF)
	for i := range 50 {
		data = append(data, stream(t,
			tlv.TimestampFrame(uint32(20*(i+1))),
			tlv.PCMFrame(audio.AppendPCM(nil, []int16{int16(i)})),
		)...)
	}

	got, err := runCLI(t, data, "decode", "--max-length", "256")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n := strings.Count(got, "[PCM] "); n != 51 {
		t.Errorf("PCM lines = %d, want 51:\n%s", n, got)
	}
	if !strings.Contains(got, "[RESYNC] skipped 0 bytes\n[TS ] 20 ms\n") {
		t.Errorf("missing resync onto the next timestamp:\n%s", got)
	}
	if !strings.HasSuffix(got, "ts=1000\n") {
		t.Errorf("last line does not carry ts=1000:\n%s", got)
	}
}

func TestDecode_PCMBeforeTimestamp(t *testing.T) {
	data := stream(t, tlv.PCMFrame(make([]byte, 8)))

	got, err := runCLI(t, data, "decode", "--levels")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := "[PCM] 4 samples  min=     0 max=     0 avg=    0.0  ts=-  rms=-inf dBFS\n"
	if got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestDecode_TruncatedStreamIsNotAnError(t *testing.T) {
	data := stream(t, tlv.TimestampFrame(7))
	data = append(data, byte(tlv.TagPCM), 0x10, 0x00, 0x01)

	got, err := runCLI(t, data, "decode")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "[TS ] 7 ms\n" {
		t.Errorf("output = %q", got)
	}
}

func TestDecode_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.tlv")
	if err := os.WriteFile(path, stream(t, tlv.TimestampFrame(42)), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := runCLI(t, nil, "decode", path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "[TS ] 42 ms\n" {
		t.Errorf("output = %q", got)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"decode", filepath.Join(t.TempDir(), "nope.tlv")}},
		{"file and port", []string{"decode", "--port", "/dev/null", "x.tlv"}},
		{"bad log level", []string{"--log-level", "loud", "decode"}},
		{"missing config", []string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "decode"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := runCLI(t, nil, tc.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}
