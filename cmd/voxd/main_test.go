package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxd/internal/cli"
)

func TestIsUsageError(t *testing.T) {
	t.Parallel()

	require.True(t, isUsageError(errors.New("unknown command \"bad\" for \"voxd\"")))
	require.True(t, isUsageError(errors.New("unknown flag: --oops")))
	require.True(t, isUsageError(errors.New("accepts 1 arg(s), received 0")))
	require.True(t, isUsageError(errors.New(`invalid argument "x" for "--batch-port" flag`)))
	require.False(t, isUsageError(errors.New("download model \"small\": context deadline exceeded")))
	require.False(t, isUsageError(nil))
}

func TestHelpHintTarget(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	require.Equal(t, "voxd", helpHintTarget(root, []string{"--badflag"}))
	require.Equal(t, "voxd", helpHintTarget(root, []string{"badcmd"}))
	require.Equal(t, "voxd transcribe", helpHintTarget(root, []string{"transcribe"}))
	require.Equal(t, "voxd serve", helpHintTarget(root, []string{"serve", "--batch-port", "9000"}))
	require.Equal(t, "voxd", helpHintTarget(nil, nil))
}

func TestReport(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()

	var buf bytes.Buffer
	code := report(&buf, root, []string{"stream"}, errors.New("accepts 1 arg(s), received 0"))
	require.Equal(t, exitUsage, code)
	require.Contains(t, buf.String(), "Run 'voxd stream --help' for usage.")

	buf.Reset()
	code = report(&buf, root, nil, errors.New("config: jobs.max_concurrent must be > 0, got 0"))
	require.Equal(t, exitFailure, code)
	require.Contains(t, buf.String(), "VOXD_*")

	buf.Reset()
	code = report(&buf, root, nil, errors.New("inference failed"))
	require.Equal(t, exitFailure, code)
	require.Equal(t, "inference failed\n", buf.String())
}
