package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSubmitQueryCancelRoundTrip(t *testing.T) {
	var submitOut bytes.Buffer
	RootCmd.SetOut(&submitOut)
	RootCmd.SetArgs([]string{"job", "submit", "--kind", "prompt", "--queue", "models.prompt"})
	require.NoError(t, RootCmd.Execute())

	var submitted struct{ ID string }
	require.NoError(t, json.Unmarshal(submitOut.Bytes(), &submitted))
	require.NotEmpty(t, submitted.ID)

	var queryOut bytes.Buffer
	RootCmd.SetOut(&queryOut)
	RootCmd.SetArgs([]string{"job", "query", submitted.ID})
	require.NoError(t, RootCmd.Execute())
	assert.Contains(t, queryOut.String(), submitted.ID)

	var cancelOut bytes.Buffer
	RootCmd.SetOut(&cancelOut)
	RootCmd.SetArgs([]string{"job", "cancel", submitted.ID})
	require.NoError(t, RootCmd.Execute())
	assert.Contains(t, cancelOut.String(), "cancellation requested")
}

func TestConfigValidateFailsWithoutSecretKey(t *testing.T) {
	t.Setenv("FREECAD_CORE_SECRET_KEY", "")
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"config", "validate"})
	err := RootCmd.Execute()
	assert.Error(t, err)
}

func TestDRStatusReportsHealthy(t *testing.T) {
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"dr", "status"})
	require.NoError(t, RootCmd.Execute())
	assert.Contains(t, out.String(), "overall health")
}
