package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchItemResultID(t *testing.T) {
	out, err := json.Marshal(BatchItemResult{ID: "n1", Result: ResultOK, ETag: "e1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"n1","result":"ok","etag":"e1"}`, string(out))

	var resp BatchResponse
	require.NoError(t, json.Unmarshal([]byte(`{"results":[
		{"id":"a","result":"ok","etag":"e2"},
		{"_id":"b","result":"conflict","reasonCode":"etag_mismatch","data":{"_id":"b","n":1}},
		{"id":"c","_id":"ignored","result":"notFound"}
	]}`), &resp))
	require.Len(t, resp.Results, 3)

	assert.Equal(t, "a", resp.Results[0].ID)
	assert.Equal(t, "e2", resp.Results[0].ETag)

	assert.Equal(t, "b", resp.Results[1].ID)
	assert.Equal(t, ResultConflict, resp.Results[1].Result)
	assert.Equal(t, ReasonETagMismatch, resp.Results[1].ReasonCode)
	require.NotNil(t, resp.Results[1].Data)
	assert.Equal(t, "b", resp.Results[1].Data.GetString("_id"))

	assert.Equal(t, "c", resp.Results[2].ID)
	assert.Equal(t, ResultNotFound, resp.Results[2].Result)
}
