package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/config"
	"github.com/skylabhq/preflight/internal/envmap"
)

// runDoctor executes the doctor command against a synthetic snapshot
// and returns the command error plus everything written to stdout.
func runDoctor(t *testing.T, cmd *DoctorCommand, snap *config.Snapshot) (error, string) {
	t.Helper()
	stdoutPath := filepath.Join(t.TempDir(), "doctor.out")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		t.Fatalf("create stdout file: %v", err)
	}
	defer stdout.Close()

	runtimeCtx := &runtimeContext{
		Stdout:  stdout,
		Capture: func(*log.Logger) *config.Snapshot { return snap },
		Environ: func() []string { return nil },
	}
	runErr := cmd.Run(runtimeCtx)

	b, err := os.ReadFile(stdoutPath)
	if err != nil {
		t.Fatalf("read stdout file: %v", err)
	}
	return runErr, string(b)
}

type doctorPayload struct {
	Checks []doctorCheck `json:"checks"`
}

func findChecks(payload doctorPayload, name string) []doctorCheck {
	var out []doctorCheck
	for _, check := range payload.Checks {
		if check.Name == name {
			out = append(out, check)
		}
	}
	return out
}

func TestDoctorHealthyEnvironmentPassesJSON(t *testing.T) {
	snap := &config.Snapshot{
		Env:       envmap.Map{"HOME": t.TempDir(), "USER": "rey"},
		LoginName: "rey",
		TempRoot:  t.TempDir(),
	}

	runErr, out := runDoctor(t, &DoctorCommand{JSON: true}, snap)
	if runErr != nil {
		t.Fatalf("doctor: %v", runErr)
	}

	payload := doctorPayload{}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode doctor JSON: %v\n%s", err, out)
	}

	cfgChecks := findChecks(payload, "config")
	if len(cfgChecks) != 1 || cfgChecks[0].Status != "pass" {
		t.Fatalf("config check = %+v, want single pass", cfgChecks)
	}
	if got := findChecks(payload, "home_writable"); len(got) != 1 || got[0].Status != "pass" {
		t.Fatalf("home_writable check = %+v, want pass", got)
	}
	for _, check := range payload.Checks {
		if check.Status == "fail" {
			t.Fatalf("unexpected fail check in healthy env: %+v", check)
		}
	}
}

func TestDoctorBrokenConfigFailsNonZero(t *testing.T) {
	snap := &config.Snapshot{
		Env:      envmap.Map{"USER": "rey"},
		TempRoot: t.TempDir(),
	}

	runErr, out := runDoctor(t, &DoctorCommand{JSON: true}, snap)
	if runErr == nil {
		t.Fatal("doctor succeeded with no HOME in the environment")
	}
	if got := ExitCode(runErr); got != 1 {
		t.Fatalf("ExitCode = %d, want 1", got)
	}

	payload := doctorPayload{}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode doctor JSON: %v\n%s", err, out)
	}
	cfgChecks := findChecks(payload, "config")
	if len(cfgChecks) != 1 || cfgChecks[0].Status != "fail" {
		t.Fatalf("config check = %+v, want fail", cfgChecks)
	}
}

func TestDoctorTextReportListsChecks(t *testing.T) {
	snap := &config.Snapshot{
		Env:       envmap.Map{"HOME": t.TempDir(), "USER": "rey"},
		LoginName: "rey",
		TempRoot:  t.TempDir(),
	}

	runErr, out := runDoctor(t, &DoctorCommand{}, snap)
	if runErr != nil {
		t.Fatalf("doctor: %v", runErr)
	}

	if !strings.HasPrefix(out, "preflight doctor report\n") {
		t.Fatalf("report header missing:\n%s", out)
	}
	if !strings.Contains(out, "- [pass] config:") {
		t.Fatalf("config line missing:\n%s", out)
	}
}

func TestDoctorFlagsDirectoryConflict(t *testing.T) {
	tempRoot := t.TempDir()
	snap := &config.Snapshot{
		Env:       envmap.Map{"HOME": t.TempDir(), "USER": "rey"},
		LoginName: "rey",
		TempRoot:  tempRoot,
	}
	// A file squatting where the tmp dir must go is exactly the
	// conflict the provisioner would refuse at launch.
	if err := os.WriteFile(filepath.Join(tempRoot, "rey"), []byte("squatter"), 0o644); err != nil {
		t.Fatal(err)
	}

	runErr, out := runDoctor(t, &DoctorCommand{JSON: true}, snap)
	if runErr == nil {
		t.Fatal("doctor succeeded despite directory conflict")
	}

	payload := doctorPayload{}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode doctor JSON: %v\n%s", err, out)
	}
	var sawConflict bool
	for _, check := range findChecks(payload, "directory") {
		if check.Status == "fail" && strings.Contains(check.Message, "not a directory") {
			sawConflict = true
		}
	}
	if !sawConflict {
		t.Fatalf("no directory fail check in %+v", payload.Checks)
	}
}
