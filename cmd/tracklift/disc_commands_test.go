package main

import (
	"encoding/json"
	"testing"
)

func TestDiscTOCShowsDeviceFormat(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"disc", "toc", "--simulate", "--sim-tracks", "1,2", "--profile", "lp4"}, env.configPath)
	if err != nil {
		t.Fatalf("disc toc: %v\n%s", err, out)
	}
	requireContains(t, out, "Size (lp4)")
	requireContains(t, out, "2 tracks, 0:03")
	requireContains(t, out, "in lp4 mode (22050 Hz, mono)")
}

func TestDiscTOCJSON(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"disc", "toc", "--simulate", "--sim-tracks", "1,1,1", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("disc toc: %v", err)
	}
	var got tocOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if got.Profile != "sp" || got.SampleRate != 44100 || got.Channels != 2 {
		t.Fatalf("unexpected format %s %d Hz %d ch", got.Profile, got.SampleRate, got.Channels)
	}
	if len(got.Tracks) != 3 || got.Tracks[1].Number != 2 {
		t.Fatalf("unexpected tracks %+v", got.Tracks)
	}
}

func TestChannelLabel(t *testing.T) {
	tests := map[int]string{1: "mono", 2: "stereo", 6: "6 channels"}
	for channels, want := range tests {
		if got := channelLabel(channels); got != want {
			t.Fatalf("channelLabel(%d) = %q, want %q", channels, got, want)
		}
	}
}
