package runspace

import (
	"strings"
	"testing"

	"github.com/smnsjas/go-pseshost/engine"
)

func TestDescribeCachesMetadata(t *testing.T) {
	rs := engine.NewRemoteRunspace("build-01")
	info := Describe(rs)

	if info.ID() != rs.ID() {
		t.Fatal("ID not captured")
	}
	if info.Origin() != engine.OriginRemote {
		t.Fatalf("expected remote origin, got %v", info.Origin())
	}
	if info.ComputerName() != "build-01" {
		t.Fatalf("expected computer name build-01, got %q", info.ComputerName())
	}
	if !info.IsRemote() {
		t.Fatal("remote runspace must report IsRemote")
	}
	if info.Runspace() != engine.Runspace(rs) {
		t.Fatal("underlying handle not retained")
	}
}

func TestDescribeLocal(t *testing.T) {
	info := Describe(engine.NewLocalRunspace())
	if info.IsRemote() {
		t.Fatal("local runspace must not report IsRemote")
	}
	if !strings.Contains(info.String(), "localhost") {
		t.Fatalf("String should mention computer name: %q", info.String())
	}
}

func TestChangeActionString(t *testing.T) {
	cases := map[ChangeAction]string{
		ChangeEnter:      "Enter",
		ChangeExit:       "Exit",
		ChangeShutdown:   "Shutdown",
		ChangeAction(99): "Unknown(99)",
	}
	for action, want := range cases {
		if got := action.String(); got != want {
			t.Errorf("ChangeAction(%d).String() = %q, want %q", int(action), got, want)
		}
	}
}
