package main

import (
	"strings"
	"testing"
)

func TestLaunchdServiceRendersGatewayInvocation(t *testing.T) {
	svc, err := launchdService(t.TempDir(), "/usr/local/bin/chatrelay", "/etc/chatrelay.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(svc.path, launchdLabel+".plist") {
		t.Errorf("plist path = %q", svc.path)
	}
	for _, want := range []string{
		"<string>/usr/local/bin/chatrelay</string>",
		"<string>gateway</string>",
		"<string>/etc/chatrelay.yaml</string>",
		"<string>" + launchdLabel + "</string>",
	} {
		if !strings.Contains(svc.contents, want) {
			t.Errorf("plist missing %q", want)
		}
	}
	if strings.Contains(svc.contents, "{{") {
		t.Errorf("unexpanded placeholder in plist:\n%s", svc.contents)
	}
}

func TestSystemdServiceRendersGatewayInvocation(t *testing.T) {
	svc, err := systemdService(t.TempDir(), "/usr/local/bin/chatrelay", "/etc/chatrelay.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(svc.path, "chatrelay.service") {
		t.Errorf("unit path = %q", svc.path)
	}
	if !strings.Contains(svc.contents, "ExecStart=/usr/local/bin/chatrelay gateway --config /etc/chatrelay.yaml") {
		t.Errorf("unit missing ExecStart line:\n%s", svc.contents)
	}
	if strings.Contains(svc.contents, "{{") {
		t.Errorf("unexpanded placeholder in unit:\n%s", svc.contents)
	}
}
