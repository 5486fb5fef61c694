package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestHelp(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs([]string{"--help"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"--verbose", "--debug", "--ramdisk", "dfuhelper"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("help does not mention %s:\n%s", want, buf.String())
		}
	}
	if f := rootCmd.PersistentFlags().Lookup("verbose"); f == nil || f.Shorthand != "v" {
		t.Errorf("--verbose flag: %+v", f)
	}
	if pflag.CommandLine.Lookup("logtostderr") == nil {
		t.Errorf("glog flags not merged")
	}
	if pflag.CommandLine.Lookup("v") != nil {
		t.Errorf("glog -v merged and shadows --verbose")
	}
}

func TestSubcommandHelp(t *testing.T) {
	for _, sub := range []string{"clean", "dfuhelper"} {
		var buf bytes.Buffer
		rootCmd.SetOut(&buf)
		rootCmd.SetArgs([]string{sub, "--help"})
		if err := rootCmd.Execute(); err != nil {
			t.Errorf("%s --help: %v", sub, err)
		}
		if !strings.Contains(buf.String(), "--verbose") {
			t.Errorf("%s help lacks persistent flags:\n%s", sub, buf.String())
		}
	}
	rootCmd.SetArgs(nil)
}
