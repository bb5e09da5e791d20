package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/dispatch"
)

func failedSegment() clipReport {
	return clipReport{
		Scenes: []sceneReport{
			{
				ProductID: "LC08_L1TP_045014_20180228_20180308_01_T1",
				State:     string(ard.StateComplete),
				Tiles:     []string{"LC08_CU_003009_20180228_20181016_C01_V01"},
			},
			{
				ProductID: "LC08_L1TP_045015_20180228_20180308_01_T1",
				State:     string(ard.StateError),
				Error:     "warp SRB2: exit status 1",
			},
		},
		Failed: 1,
	}
}

func TestReporter_ClipSuccessJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	rep := &Reporter{Format: "json", Out: buf}

	report := failedSegment()
	report.Scenes = report.Scenes[:1]
	report.Failed = 0
	require.NoError(t, rep.Clip(report))

	var got clipReport
	resp := Response{Data: &got}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, report, got)
}

func TestReporter_ClipFailedScenesJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	rep := &Reporter{Format: "json", Out: buf}

	err := rep.Clip(failedSegment())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.EqualError(t, err, "1 of 2 scenes failed")

	var details clipReport
	resp := Response{Error: &ResponseError{Details: &details}}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, CodeScenesFailed, resp.Error.Code)
	assert.Equal(t, "1 of 2 scenes failed", resp.Error.Message)
	require.Len(t, details.Scenes, 2)
	assert.Equal(t, "warp SRB2: exit status 1", details.Scenes[1].Error)
}

func TestReporter_ClipFailedScenesText(t *testing.T) {
	buf := &bytes.Buffer{}
	rep := &Reporter{Format: "text", Out: buf}

	err := rep.Clip(failedSegment())
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "Error [SCENES_FAILED]: 1 of 2 scenes failed")
	assert.Contains(t, out, "LC08_L1TP_045014_20180228_20180308_01_T1 COMPLETE (1 tiles built)")
	assert.Contains(t, out, "LC08_L1TP_045015_20180228_20180308_01_T1 ERROR (0 tiles built): warp SRB2: exit status 1")
	assert.Contains(t, out, "2 scenes, 1 failed")
}

func TestReporter_Dispatch(t *testing.T) {
	status := dispatch.Status{Launched: 9, Finished: 6, Failed: 2, Running: 1}

	buf := &bytes.Buffer{}
	rep := &Reporter{Format: "text", Out: buf}
	require.NoError(t, rep.Dispatch(status))
	assert.Equal(t, "launched 9, finished 6, failed 2, running 1, queued 0\n", buf.String())

	buf.Reset()
	rep.Format = "json"
	require.NoError(t, rep.Dispatch(status))
	var got dispatch.Status
	require.NoError(t, json.Unmarshal(buf.Bytes(), &Response{Data: &got}))
	assert.Equal(t, status, got)
}

func TestReporter_Diagnostics(t *testing.T) {
	reg := monkit.NewRegistry()
	reg.ScopeNamed("clip").Counter("tiles_built").Inc(4)

	tests := []struct {
		name    string
		verbose bool
	}{
		{"verbose", true},
		{"quiet", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, diag := &bytes.Buffer{}, &bytes.Buffer{}
			rep := &Reporter{Format: "json", Out: out, Diag: diag, Verbose: tt.verbose}

			rep.Debugf("segment %s", "LC08_L1TP_045014")
			require.NoError(t, rep.Metrics(reg))

			assert.Empty(t, out.String(), "diagnostics must not corrupt JSON output")
			if tt.verbose {
				assert.Contains(t, diag.String(), "segment LC08_L1TP_045014\n")
				assert.Contains(t, diag.String(), "tiles_built")
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitSuccess},
		{"usage", errors.New(`accepts 2 arg(s), received 1`), ExitCommandError},
		{"config", fail(CodeConfig, "failed to load configuration", nil), ExitCommandError},
		{"segment", fail(CodeInvalidSegment, "invalid segment", nil), ExitCommandError},
		{"inventory", fail(CodeInvalidInventory, "invalid inventory", nil), ExitCommandError},
		{"store", fail(CodeStoreUnavailable, "state store unavailable", errors.New("refused")), ExitRetryable},
		{"scenes", fail(CodeScenesFailed, "1 of 3 scenes failed", nil), ExitFailure},
		{"failure limit", fail(CodeFailureLimit, "too many failed tasks", nil), ExitFailure},
		{"interrupted", fail(CodeInterrupted, "clip interrupted", nil), ExitFailure},
		{"wrapped", fmt.Errorf("outer: %w", fail(CodeStoreUnavailable, "state store failure", nil)), ExitRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := fail(CodeStoreUnavailable, "state store unavailable", errors.New("connection refused"))
	assert.Equal(t, "state store unavailable: connection refused", err.Error())
	assert.ErrorContains(t, errors.Unwrap(err), "connection refused")

	assert.Equal(t, "1 of 3 scenes failed", fail(CodeScenesFailed, "1 of 3 scenes failed", nil).Error())
}
