// Package verify judges sandbox results against the original failure.
package verify

import (
	"fmt"
	"strings"

	"github.com/remedylabs/remedy/internal/domain"
)

// errorMarkers are generic failure indicators scanned for in combined output.
// A run that exits 0 but still prints one of these did not actually fix the
// problem.
var errorMarkers = []string{
	"Traceback (most recent call last)",
	"panic:",
	"Uncaught",
	"Exception",
	"SyntaxError",
	"Segmentation fault",
	"fatal error:",
}

// Verify interprets one sandbox result against the original error signature.
// Stateless and deterministic.
//
// A timed-out or environment-failed run never passes. When a test command
// ran, its exit code is authoritative. Otherwise the run must exit 0 and the
// combined output must contain neither the original signature nor a generic
// error marker.
func Verify(originalSignature string, result *domain.SandboxResult, testCommand string) domain.Verdict {
	if result == nil {
		return domain.Verdict{Passed: false, Reason: "no sandbox result: patch could not be executed"}
	}
	if result.TimedOut {
		return domain.Verdict{Passed: false, Reason: "execution timed out"}
	}

	if testCommand != "" && result.TestRan {
		if result.ExitCode != 0 {
			return domain.Verdict{
				Passed: false,
				Reason: fmt.Sprintf("test command %q exited with code %d", testCommand, result.ExitCode),
			}
		}
		return domain.Verdict{Passed: true, Reason: "test command passed"}
	}

	if result.ExitCode != 0 {
		return domain.Verdict{
			Passed: false,
			Reason: fmt.Sprintf("process exited with code %d", result.ExitCode),
		}
	}

	output := result.CombinedOutput()
	if originalSignature != "" && strings.Contains(output, originalSignature) {
		return domain.Verdict{
			Passed: false,
			Reason: fmt.Sprintf("original error %q still present in output", originalSignature),
		}
	}
	for _, marker := range errorMarkers {
		if strings.Contains(output, marker) {
			return domain.Verdict{
				Passed: false,
				Reason: fmt.Sprintf("error marker %q found in output", marker),
			}
		}
	}

	return domain.Verdict{Passed: true, Reason: "exit code 0 and no error indicators in output"}
}
